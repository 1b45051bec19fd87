// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmatrix/internal/trace"
	"github.com/grailbio/bigmatrix/stats"
)

// A tracer records the phases of a session's operations in the
// Chrome tracing format, which can be visualized using its built-in
// tool (chrome://tracing). Each rank is represented as a Chrome
// "process". The coordinator's phases are recorded as they complete;
// the phases of the other ranks are reconstructed from their
// gathered timings, and are laid out from the start of the operation.
type tracer struct {
	mu     sync.Mutex
	events []trace.Event
	ranks  map[int]bool

	// firstEvent is used to store the time of the first observed
	// event so that the offsets in the trace are meaningful.
	firstEvent time.Time
}

func newTracer() *tracer {
	return &tracer{ranks: make(map[int]bool)}
}

func (t *tracer) ts(at time.Time) int64 {
	if t.firstEvent.IsZero() {
		t.firstEvent = at
	}
	return trace.Micros(at.Sub(t.firstEvent))
}

// Phase records a complete event for the named phase of an
// operation on the provided rank. Args is a list of interleaved
// key-value pairs attached as event metadata.
func (t *tracer) Phase(rank int, op, name string, start time.Time, dur time.Duration, args ...interface{}) {
	if t == nil {
		return
	}
	if len(args)%2 != 0 {
		panic("tracer.Phase: invalid arguments")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	event := trace.Phase(rank, op, name, t.ts(start), dur)
	for i := 0; i < len(args); i += 2 {
		event.Args[fmt.Sprint(args[i])] = args[i+1]
	}
	if !t.ranks[rank] {
		t.ranks[rank] = true
		t.events = append(t.events, trace.RankName(rank, event.Ts))
	}
	t.events = append(t.events, event)
}

// Timings records the computation and communication phases of every
// rank of an operation that started at start.
func (t *tracer) Timings(op string, start time.Time, timings []stats.Timing) {
	for rank, timing := range timings {
		t.Phase(rank, op, "compute", start, timing.Comp)
		t.Phase(rank, op, "communicate", start.Add(timing.Comp), timing.Comm)
	}
}

// Marshal writes the trace captured by t into the provided writer in
// the Chrome trace event format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	tr := trace.T{Events: append([]trace.Event(nil), t.events...)}
	t.mu.Unlock()
	return tr.Encode(w)
}

func writeTraceFile(ctx context.Context, tracer *tracer, path string) {
	f, err := file.Create(ctx, path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	if err := tracer.Marshal(f.Writer(ctx)); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
		f.Discard(ctx)
		return
	}
	if err := f.Close(ctx); err != nil {
		log.Error.Printf("error closing trace file at %q: %v", path, err)
	}
}
