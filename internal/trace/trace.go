// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace defines the Chrome trace event format in which
// bigmatrix sessions record the phases of their operations. Each
// rank of a process group is a trace "process"; phases are complete
// ("X") events in microseconds.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Phase types used by bigmatrix traces.
const (
	Complete = "X"
	Metadata = "M"
)

// T is a trace document.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. See:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// Micros converts d to trace time units.
func Micros(d time.Duration) int64 { return d.Nanoseconds() / 1e3 }

// Phase returns a complete event for the named phase of operation op
// on the given rank, starting at ts and lasting dur.
func Phase(rank int, op, name string, ts int64, dur time.Duration) Event {
	return Event{
		Pid:  rank,
		Ts:   ts,
		Ph:   Complete,
		Dur:  Micros(dur),
		Name: name,
		Cat:  op,
		Args: make(map[string]interface{}),
	}
}

// RankName returns the metadata event that labels a rank's process.
func RankName(rank int, ts int64) Event {
	return Event{
		Pid:  rank,
		Ts:   ts,
		Ph:   Metadata,
		Name: "process_name",
		Args: map[string]interface{}{"name": fmt.Sprintf("rank %d", rank)},
	}
}

// Encode writes the trace as JSON to w.
func (t *T) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(t)
}

// Decode reads a JSON trace from r.
func (t *T) Decode(r io.Reader) error {
	return json.NewDecoder(r).Decode(t)
}
