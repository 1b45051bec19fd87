// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmatrix/collective"
)

// LocalPeer is the coordinator's handle to a worker that runs in
// the same process. Deliveries are copied, so that the worker never
// aliases the coordinator's buffers.
type localPeer struct {
	w *workerTransport
}

func (p localPeer) deliver(ctx context.Context, seq uint64, data []float64) error {
	return p.w.inbox.put(seq, append([]float64(nil), data...))
}

func (p localPeer) collect(ctx context.Context, seq uint64) ([]float64, error) {
	return p.w.outbox.take(ctx, seq)
}

func (p localPeer) abort(ctx context.Context, err error) {
	p.w.close(errors.E(errors.Canceled, "group aborted by coordinator", err))
}

// newLocalGroup returns the transports of a group of p participants
// that exchange messages in memory.
func newLocalGroup(p int) (*coordTransport, []*workerTransport) {
	var (
		peers   = make([]peer, p)
		workers = make([]*workerTransport, p)
	)
	for rank := 1; rank < p; rank++ {
		workers[rank] = newWorkerTransport(rank, p)
		peers[rank] = localPeer{workers[rank]}
	}
	return newCoordTransport(peers), workers
}

// LocalGroup returns the transports of an in-process group of p
// participants, indexed by rank. Each transport must be driven by
// its own goroutine.
func LocalGroup(p int) []collective.Transport {
	if p <= 0 {
		panic("exec.LocalGroup: p <= 0")
	}
	coord, workers := newLocalGroup(p)
	group := make([]collective.Transport, p)
	group[0] = coord
	for rank := 1; rank < p; rank++ {
		group[rank] = workers[rank]
	}
	return group
}
