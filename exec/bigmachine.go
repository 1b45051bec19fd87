// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmatrix/kernel"
	"golang.org/x/sync/errgroup"
)

// maxCalls is the maximum number of concurrent calls the coordinator
// makes to worker machines.
const maxCalls = 64

func init() {
	gob.Register(&participantService{})
}

// ParticipantService is the bigmachine service installed on each
// worker machine. A machine hosts one worker: the coordinator assigns
// the worker its rank by calling Join, and then exchanges the messages
// of each collective through Deliver and Collect.
type participantService struct {
	// Kernel is the name of the kernel run by the worker.
	Kernel string

	joins once.Map

	mu        sync.Mutex
	transport *workerTransport
}

func (s *participantService) Init(b *bigmachine.B) error {
	if _, err := kernel.Lookup(s.Kernel); err != nil {
		return err
	}
	return nil
}

type joinRequest struct {
	Rank, Size int
}

// Join assigns the machine's worker its rank in a group of the given
// size, and starts the worker. Join is idempotent.
func (s *participantService) Join(ctx context.Context, req joinRequest, _ *struct{}) error {
	return s.joins.Do(req, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.transport != nil {
			return errors.E(errors.Exists, fmt.Sprintf("exec: machine already joined as rank %d", s.transport.Rank()))
		}
		k, err := kernel.Lookup(s.Kernel)
		if err != nil {
			return err
		}
		s.transport = newWorkerTransport(req.Rank, req.Size)
		w := newWorker(s.transport, k)
		go func() {
			// The worker outlives the Join call.
			if err := w.Serve(backgroundcontext.Get()); err != nil {
				log.Error.Printf("exec: rank %d: worker failed: %v", req.Rank, err)
				return
			}
			log.Printf("exec: rank %d: worker done", req.Rank)
		}()
		log.Printf("exec: joined group of %d as rank %d", req.Size, req.Rank)
		return nil
	})
}

func (s *participantService) worker() (*workerTransport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil, errors.E(errors.Precondition, "exec: machine has not joined a group")
	}
	return s.transport, nil
}

// An envelope carries the coordinator's message for a collective.
type envelope struct {
	Seq  uint64
	Data []float64
}

// Deliver places a message in the worker's inbox.
func (s *participantService) Deliver(ctx context.Context, e envelope, _ *struct{}) error {
	t, err := s.worker()
	if err != nil {
		return err
	}
	return t.inbox.put(e.Seq, e.Data)
}

// Collect returns the worker's contribution to a collective, waiting
// for it if needed.
func (s *participantService) Collect(ctx context.Context, seq uint64, data *[]float64) error {
	t, err := s.worker()
	if err != nil {
		return err
	}
	*data, err = t.outbox.take(ctx, seq)
	return err
}

// Abort fails the worker's pending and future collectives.
func (s *participantService) Abort(ctx context.Context, reason string, _ *struct{}) error {
	t, err := s.worker()
	if err != nil {
		return nil
	}
	t.close(errors.E(errors.Canceled, "group aborted by coordinator: "+reason))
	return nil
}

// A machinePeer is the coordinator's handle to a worker hosted on a
// bigmachine machine. Calls are not retried: a failed call fails the
// collective.
type machinePeer struct {
	*bigmachine.Machine
	limiter *limiter.Limiter
}

func (p machinePeer) call(ctx context.Context, method string, arg, reply interface{}) error {
	if err := p.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.limiter.Release(1)
	return p.Call(ctx, "Participant."+method, arg, reply)
}

func (p machinePeer) deliver(ctx context.Context, seq uint64, data []float64) error {
	return p.call(ctx, "Deliver", envelope{seq, data}, nil)
}

func (p machinePeer) collect(ctx context.Context, seq uint64) ([]float64, error) {
	var data []float64
	err := p.call(ctx, "Collect", seq, &data)
	return data, err
}

func (p machinePeer) abort(ctx context.Context, err error) {
	if callErr := p.call(ctx, "Abort", err.Error(), nil); callErr != nil {
		log.Error.Printf("exec: abort %s: %v", p.Addr, callErr)
	}
}

// StartGroup starts the p-1 worker machines of a group of p
// participants on b, and returns the coordinator's transport once
// every worker has joined. StartGroup fails if any machine fails to
// start: membership is fixed for the life of the group.
func startGroup(ctx context.Context, b *bigmachine.B, group *status.Group, p int, kernelName string, params ...bigmachine.Param) (*coordTransport, error) {
	peers := make([]peer, p)
	if p == 1 {
		return newCoordTransport(peers), nil
	}
	params = append([]bigmachine.Param{bigmachine.Services{
		"Participant": &participantService{Kernel: kernelName},
	}}, params...)
	machines, err := b.Start(ctx, p-1, params...)
	if err != nil {
		return nil, errors.E("exec: starting machines", err)
	}
	lim := limiter.New()
	lim.Release(maxCalls)
	g, ctx := errgroup.WithContext(ctx)
	for i := range machines {
		var (
			rank = i + 1
			m    = machines[i]
		)
		task := group.Startf("rank %d", rank)
		task.Print("waiting for machine to boot")
		g.Go(func() error {
			defer task.Done()
			<-m.Wait(bigmachine.Running)
			if err := m.Err(); err != nil {
				task.Printf("failed to start: %v", err)
				return errors.E(fmt.Sprintf("exec: machine for rank %d failed to start", rank), err)
			}
			task.Title(m.Addr)
			if err := m.Call(ctx, "Participant.Join", joinRequest{Rank: rank, Size: p}, nil); err != nil {
				task.Printf("failed to join: %v", err)
				return errors.E(fmt.Sprintf("exec: rank %d on %s failed to join", rank, m.Addr), err)
			}
			log.Printf("exec: machine %s is rank %d", m.Addr, rank)
			peers[rank] = machinePeer{m, lim}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, m := range machines {
			m.Cancel()
		}
		return nil, err
	}
	return newCoordTransport(peers), nil
}
