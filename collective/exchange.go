// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmatrix"
	"github.com/grailbio/bigmatrix/stats"
)

// Root is the rank of the coordinator. All protocol operations are
// rooted at the coordinator.
const Root = 0

// An Exchange wraps a Transport, accumulating the wall time spent
// inside collectives and the number of bytes each collective moved
// on behalf of this participant. An Exchange is used by a single
// goroutine.
type Exchange struct {
	Transport

	comm     time.Duration
	counters *stats.Map
}

// NewExchange returns a new Exchange that communicates through the
// provided transport.
func NewExchange(t Transport) *Exchange {
	return &Exchange{Transport: t, counters: stats.NewMap()}
}

// Comm returns the communication time accumulated since the last
// call to Reset.
func (e *Exchange) Comm() time.Duration { return e.comm }

// Reset clears the accumulated communication time and byte
// counters.
func (e *Exchange) Reset() {
	e.comm = 0
	e.counters = stats.NewMap()
}

// Stats returns the byte counters accumulated since the last call to
// Reset, keyed by collective.
func (e *Exchange) Stats() stats.Values { return e.counters.Snapshot() }

// IsRoot tells whether this participant is the coordinator.
func (e *Exchange) IsRoot() bool { return e.Rank() == Root }

func (e *Exchange) account(name string, start time.Time, nelem int) {
	e.comm += time.Since(start)
	e.counters.Int(name).Add(int64(nelem) * bigmatrix.ElemSize)
}

// Broadcast implements Transport.
func (e *Exchange) Broadcast(ctx context.Context, root int, buf []float64) error {
	defer e.account("broadcast", time.Now(), len(buf))
	return e.Transport.Broadcast(ctx, root, buf)
}

// Scatterv implements Transport.
func (e *Exchange) Scatterv(ctx context.Context, root int, send []float64, counts, displs []int, recv []float64) error {
	defer e.account("scatter", time.Now(), len(recv))
	return e.Transport.Scatterv(ctx, root, send, counts, displs, recv)
}

// Gatherv implements Transport.
func (e *Exchange) Gatherv(ctx context.Context, root int, send []float64, recv []float64, counts, displs []int) error {
	defer e.account("gather", time.Now(), len(send))
	return e.Transport.Gatherv(ctx, root, send, recv, counts, displs)
}

// Barrier implements Transport.
func (e *Exchange) Barrier(ctx context.Context) error {
	defer e.account("barrier", time.Now(), 0)
	return e.Transport.Barrier(ctx)
}

// BroadcastFull replicates the coordinator's n×n matrix m to every
// participant. The dimension is broadcast first so that the other
// participants can size their buffers; m is ignored on participants
// other than the coordinator. BroadcastFull returns each
// participant's replica; the coordinator's is m itself.
func BroadcastFull(ctx context.Context, ex *Exchange, m *bigmatrix.Matrix) (*bigmatrix.Matrix, error) {
	hdr := make([]float64, 1)
	if ex.IsRoot() {
		if m == nil || m.Rows != m.Cols {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("collective.BroadcastFull: matrix %v is not square", m))
		}
		hdr[0] = float64(m.Rows)
	}
	if err := ex.Broadcast(ctx, Root, hdr); err != nil {
		return nil, err
	}
	n := int(hdr[0])
	if !ex.IsRoot() {
		m = bigmatrix.New(n, n)
	}
	if err := ex.Broadcast(ctx, Root, m.Data); err != nil {
		return nil, err
	}
	log.Debug.Printf("collective: rank %d: broadcast %dx%d", ex.Rank(), n, n)
	return m, nil
}

// ScatterRows distributes the row blocks of the coordinator's n×n
// matrix m according to bigmatrix.Layout. Each participant receives
// its block, shaped (rows, n). An error with cause
// bigmatrix.ErrScatterSizeMismatch is returned if the layout or the
// coordinator's matrix disagree with the dimension n.
func ScatterRows(ctx context.Context, ex *Exchange, m *bigmatrix.Matrix, n int) (*bigmatrix.Matrix, error) {
	counts, displs, err := bigmatrix.Layout(n, ex.Size())
	if err != nil {
		return nil, err
	}
	var total int
	for _, c := range counts {
		total += c
	}
	if total != n*n {
		return nil, scatterMismatch(fmt.Sprintf("layout scatters %d elements, expected %d", total, n*n))
	}
	if ex.IsRoot() && (m == nil || len(m.Data) != n*n) {
		return nil, scatterMismatch(fmt.Sprintf("matrix %v does not have %d elements", m, n*n))
	}
	var send []float64
	if ex.IsRoot() {
		send = m.Data
	}
	rank := ex.Rank()
	block := bigmatrix.New(counts[rank]/n, n)
	if err := ex.Scatterv(ctx, Root, send, counts, displs, block.Data); err != nil {
		return nil, err
	}
	log.Debug.Printf("collective: rank %d: scattered %d rows", rank, block.Rows)
	return block, nil
}

func scatterMismatch(msg string) error {
	return errors.E(errors.Precondition, errors.Fatal, "collective.ScatterRows: "+msg, bigmatrix.ErrScatterSizeMismatch)
}

// GatherRows is the inverse of ScatterRows: the coordinator receives
// the n×n matrix assembled from each participant's row block, in
// rank order. Participants other than the coordinator receive a nil
// matrix.
func GatherRows(ctx context.Context, ex *Exchange, local *bigmatrix.Matrix, n int) (*bigmatrix.Matrix, error) {
	counts, displs, err := bigmatrix.Layout(n, ex.Size())
	if err != nil {
		return nil, err
	}
	if got, want := len(local.Data), counts[ex.Rank()]; got != want {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("collective.GatherRows: rank %d: block has %d elements, expected %d", ex.Rank(), got, want))
	}
	var out *bigmatrix.Matrix
	var recv []float64
	if ex.IsRoot() {
		out = bigmatrix.New(n, n)
		recv = out.Data
	}
	if err := ex.Gatherv(ctx, Root, local.Data, recv, counts, displs); err != nil {
		return nil, err
	}
	return out, nil
}

// GatherTimings gathers the timing of every participant to the
// coordinator, which receives them indexed by rank. Participants
// other than the coordinator receive nil.
func GatherTimings(ctx context.Context, ex *Exchange, t stats.Timing) ([]stats.Timing, error) {
	var (
		size   = ex.Size()
		counts = make([]int, size)
		displs = make([]int, size)
		send   = t.Floats()
	)
	for i := range counts {
		counts[i] = len(send)
		displs[i] = i * len(send)
	}
	var recv []float64
	if ex.IsRoot() {
		recv = make([]float64, size*len(send))
	}
	if err := ex.Gatherv(ctx, Root, send, recv, counts, displs); err != nil {
		return nil, err
	}
	if !ex.IsRoot() {
		return nil, nil
	}
	return stats.TimingsFromFloats(recv), nil
}
