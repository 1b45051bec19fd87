// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmatrix"
	"github.com/grailbio/bigmatrix/collective"
	"golang.org/x/sync/errgroup"
)

// Groups are organized as stars: the coordinator exchanges messages
// with each worker, and workers never talk to one another. Each
// participant numbers its collectives in program order; the sequence
// number keys the messages of a collective in the workers'
// mailboxes.

// A peer is the coordinator's handle to one worker of its group.
type peer interface {
	// Deliver places data in the worker's inbox for collective seq.
	deliver(ctx context.Context, seq uint64, data []float64) error
	// Collect returns the worker's contribution to collective seq,
	// waiting for it if needed.
	collect(ctx context.Context, seq uint64) ([]float64, error)
	// Abort closes the worker's mailboxes with the provided error.
	abort(ctx context.Context, err error)
}

func checkRoot(op string, root int) error {
	if root != collective.Root {
		return errors.E(errors.NotSupported, fmt.Sprintf("exec.%s: root %d: only the coordinator (rank %d) may be root", op, root, collective.Root))
	}
	return nil
}

// CoordTransport is the transport of the coordinator. Peers are
// indexed by rank; peers[0] is unused.
type coordTransport struct {
	peers []peer
	seq   uint64
}

func newCoordTransport(peers []peer) *coordTransport {
	return &coordTransport{peers: peers}
}

func (t *coordTransport) Rank() int { return collective.Root }
func (t *coordTransport) Size() int { return len(t.peers) }

func (t *coordTransport) next() uint64 {
	t.seq++
	return t.seq
}

// Each invokes fn concurrently for every worker rank.
func (t *coordTransport) each(ctx context.Context, fn func(ctx context.Context, rank int, p peer) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for rank := 1; rank < len(t.peers); rank++ {
		rank, p := rank, t.peers[rank]
		g.Go(func() error { return fn(ctx, rank, p) })
	}
	return g.Wait()
}

func (t *coordTransport) Broadcast(ctx context.Context, root int, buf []float64) error {
	if err := checkRoot("Broadcast", root); err != nil {
		return err
	}
	seq := t.next()
	return t.each(ctx, func(ctx context.Context, rank int, p peer) error {
		return p.deliver(ctx, seq, buf)
	})
}

func (t *coordTransport) Scatterv(ctx context.Context, root int, send []float64, counts, displs []int, recv []float64) error {
	if err := checkRoot("Scatterv", root); err != nil {
		return err
	}
	if len(counts) != t.Size() || len(displs) != t.Size() {
		return errors.E(errors.Invalid, fmt.Sprintf("exec.Scatterv: layout for %d participants, group has %d", len(counts), t.Size()))
	}
	for rank := range counts {
		if displs[rank] < 0 || displs[rank]+counts[rank] > len(send) {
			return errors.E(errors.Precondition, errors.Fatal,
				fmt.Sprintf("exec.Scatterv: rank %d: range [%d,%d) exceeds %d elements", rank, displs[rank], displs[rank]+counts[rank], len(send)),
				bigmatrix.ErrScatterSizeMismatch)
		}
	}
	if counts[0] != len(recv) {
		return errors.E(errors.Precondition, errors.Fatal,
			fmt.Sprintf("exec.Scatterv: rank 0: receiving %d elements into a buffer of %d", counts[0], len(recv)),
			bigmatrix.ErrScatterSizeMismatch)
	}
	seq := t.next()
	copy(recv, send[displs[0]:displs[0]+counts[0]])
	return t.each(ctx, func(ctx context.Context, rank int, p peer) error {
		return p.deliver(ctx, seq, send[displs[rank]:displs[rank]+counts[rank]])
	})
}

func (t *coordTransport) Gatherv(ctx context.Context, root int, send []float64, recv []float64, counts, displs []int) error {
	if err := checkRoot("Gatherv", root); err != nil {
		return err
	}
	if len(counts) != t.Size() || len(displs) != t.Size() {
		return errors.E(errors.Invalid, fmt.Sprintf("exec.Gatherv: layout for %d participants, group has %d", len(counts), t.Size()))
	}
	for rank := range counts {
		if displs[rank] < 0 || displs[rank]+counts[rank] > len(recv) {
			return errors.E(errors.Invalid, fmt.Sprintf("exec.Gatherv: rank %d: range [%d,%d) exceeds %d elements", rank, displs[rank], displs[rank]+counts[rank], len(recv)))
		}
	}
	if len(send) != counts[0] {
		return errors.E(errors.Invalid, fmt.Sprintf("exec.Gatherv: rank 0: sending %d elements, expected %d", len(send), counts[0]))
	}
	seq := t.next()
	copy(recv[displs[0]:], send)
	// Ranks write disjoint ranges of recv.
	return t.each(ctx, func(ctx context.Context, rank int, p peer) error {
		data, err := p.collect(ctx, seq)
		if err != nil {
			return err
		}
		if len(data) != counts[rank] {
			return errors.E(errors.Invalid, fmt.Sprintf("exec.Gatherv: rank %d sent %d elements, expected %d", rank, len(data), counts[rank]))
		}
		copy(recv[displs[rank]:], data)
		return nil
	})
}

func (t *coordTransport) Barrier(ctx context.Context) error {
	seq := t.next()
	err := t.each(ctx, func(ctx context.Context, rank int, p peer) error {
		_, err := p.collect(ctx, seq)
		return err
	})
	if err != nil {
		return err
	}
	return t.each(ctx, func(ctx context.Context, rank int, p peer) error {
		return p.deliver(ctx, seq, nil)
	})
}

// Abort fails the group: every worker's pending and future
// collectives return err.
func (t *coordTransport) abort(ctx context.Context, err error) {
	log.Error.Printf("exec: aborting group of %d: %v", t.Size(), err)
	_ = t.each(ctx, func(ctx context.Context, rank int, p peer) error {
		p.abort(ctx, err)
		return nil
	})
}

// WorkerTransport is the transport of a worker. The coordinator fills
// the inbox and drains the outbox.
type workerTransport struct {
	rank, size    int
	inbox, outbox *mailbox
	seq           uint64
}

func newWorkerTransport(rank, size int) *workerTransport {
	return &workerTransport{
		rank:   rank,
		size:   size,
		inbox:  newMailbox(),
		outbox: newMailbox(),
	}
}

func (t *workerTransport) Rank() int { return t.rank }
func (t *workerTransport) Size() int { return t.size }

func (t *workerTransport) next() uint64 {
	t.seq++
	return t.seq
}

// Receive takes the inbox message for collective seq into buf.
func (t *workerTransport) receive(ctx context.Context, op string, seq uint64, buf []float64) error {
	data, err := t.inbox.take(ctx, seq)
	if err != nil {
		return err
	}
	if len(data) != len(buf) {
		return errors.E(errors.Precondition, errors.Fatal,
			fmt.Sprintf("exec.%s: rank %d: received %d elements into a buffer of %d", op, t.rank, len(data), len(buf)),
			bigmatrix.ErrScatterSizeMismatch)
	}
	copy(buf, data)
	return nil
}

func (t *workerTransport) Broadcast(ctx context.Context, root int, buf []float64) error {
	if err := checkRoot("Broadcast", root); err != nil {
		return err
	}
	return t.receive(ctx, "Broadcast", t.next(), buf)
}

func (t *workerTransport) Scatterv(ctx context.Context, root int, _ []float64, _, _ []int, recv []float64) error {
	if err := checkRoot("Scatterv", root); err != nil {
		return err
	}
	return t.receive(ctx, "Scatterv", t.next(), recv)
}

func (t *workerTransport) Gatherv(ctx context.Context, root int, send []float64, _ []float64, _, _ []int) error {
	if err := checkRoot("Gatherv", root); err != nil {
		return err
	}
	return t.outbox.put(t.next(), append([]float64(nil), send...))
}

func (t *workerTransport) Barrier(ctx context.Context) error {
	seq := t.next()
	if err := t.outbox.put(seq, nil); err != nil {
		return err
	}
	_, err := t.inbox.take(ctx, seq)
	return err
}

// Close fails the worker's pending and future collectives with err.
func (t *workerTransport) close(err error) {
	t.inbox.close(err)
	t.outbox.close(err)
}
