// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmatrix"
	"github.com/grailbio/bigmatrix/collective"
	"github.com/grailbio/bigmatrix/kernel"
	"github.com/grailbio/bigmatrix/runlog"
	"github.com/grailbio/bigmatrix/stats"
	"github.com/grailbio/bigmatrix/store"
)

// Operations are announced by the coordinator to the workers by
// broadcasting an opcode.
const (
	opShutdown = iota
	opMultiply
)

// Persistence modes for operation results.
const (
	PersistNone        = "none"
	PersistSingle      = "single"
	PersistDistributed = "distributed"
)

// A participant is a member of a process group. Participants join
// the collectives of the group and run the local kernel.
type participant struct {
	ex     *collective.Exchange
	kernel kernel.Kernel
}

func newParticipant(t collective.Transport, k kernel.Kernel) participant {
	if k == nil {
		k = kernel.Dense
	}
	return participant{ex: collective.NewExchange(t), kernel: k}
}

// Multiply performs the row-block multiplication a·b across the
// group. Operands are significant only on the coordinator, which
// receives the product and the timings of every participant.
func (p *participant) multiply(ctx context.Context, a, b *bigmatrix.Matrix) (*bigmatrix.Matrix, []stats.Timing, error) {
	p.ex.Reset()
	full, err := collective.BroadcastFull(ctx, p.ex, b)
	if err != nil {
		return nil, nil, err
	}
	n := full.Rows
	block, err := collective.ScatterRows(ctx, p.ex, a, n)
	if err != nil {
		return nil, nil, err
	}
	start := time.Now()
	local, err := p.kernel.Multiply(block, full)
	comp := time.Since(start)
	if err != nil {
		return nil, nil, err
	}
	c, err := collective.GatherRows(ctx, p.ex, local, n)
	if err != nil {
		return nil, nil, err
	}
	timings, err := collective.GatherTimings(ctx, p.ex, stats.Timing{Comp: comp, Comm: p.ex.Comm()})
	if err != nil {
		return nil, nil, err
	}
	log.Debug.Printf("exec: rank %d: multiply %dx%d: rows:%d comp:%s comm:%s",
		p.ex.Rank(), n, n, block.Rows, comp, p.ex.Comm())
	return c, timings, nil
}

// A Worker is a participant other than the coordinator. It performs
// the operations announced by the coordinator until it is shut down.
type Worker struct {
	participant
	fail func(error)
}

func newWorker(t *workerTransport, k kernel.Kernel) *Worker {
	return &Worker{participant: newParticipant(t, k), fail: t.close}
}

// Serve runs the worker's operation loop. It returns nil when the
// coordinator shuts the group down, and an error if an operation
// fails or the group is aborted. A failed worker fails its group.
func (w *Worker) Serve(ctx context.Context) error {
	op := make([]float64, 1)
	for {
		if err := w.ex.Broadcast(ctx, collective.Root, op); err != nil {
			return err
		}
		var err error
		switch int(op[0]) {
		case opShutdown:
			log.Debug.Printf("exec: rank %d: shutdown", w.ex.Rank())
			return nil
		case opMultiply:
			_, _, err = w.multiply(ctx, nil, nil)
		default:
			err = errors.E(errors.Invalid, fmt.Sprintf("exec: rank %d: unknown operation %v", w.ex.Rank(), op[0]))
		}
		if err != nil {
			log.Error.Printf("exec: rank %d: %v", w.ex.Rank(), err)
			w.fail(err)
			return err
		}
	}
}

// A Result is the outcome of an operation performed by a
// coordinator.
type Result struct {
	// Op is the operation's name in the performance log.
	Op string
	// Matrix is the operation's result.
	Matrix *bigmatrix.Matrix
	// Processors is the size of the group.
	Processors int
	// Elapsed is the wall time of the operation, including
	// persistence.
	Elapsed time.Duration
	// Summary is the bottleneck analysis of a multiplication.
	Summary stats.Summary
	// Traffic holds the bytes moved by the coordinator during the
	// operation, keyed by collective.
	Traffic stats.Values
	// Name is the name under which the result was persisted, if it
	// was; Record is its catalog entry.
	Name   string
	Record store.Record
}

// A Coordinator is the participant of rank 0. In addition to
// participating in the group's collectives, it owns the operands and
// results of operations, persists results, and aggregates and logs
// the timings of the group.
type Coordinator struct {
	participant
	transport *coordTransport

	store    *store.Store
	logs     *runlog.Logs
	persist  string
	compress bool
	status   *status.Group
	eventer  eventlog.Eventer
	tracer   *tracer

	mu      sync.Mutex
	err     error
	traffic stats.Values
}

func newCoordinator(t *coordTransport, k kernel.Kernel) *Coordinator {
	return &Coordinator{
		participant: newParticipant(t, k),
		transport:   t,
		persist:     PersistDistributed,
		eventer:     eventlog.Nop{},
		traffic:     make(stats.Values),
	}
}

// Size returns the number of participants in the group.
func (c *Coordinator) Size() int { return c.transport.Size() }

// Multiply computes a·b for n×n matrices a and b across the group.
// If name is not empty and the coordinator has a store, the product
// is persisted under name.
func (c *Coordinator) Multiply(ctx context.Context, name string, a, b *bigmatrix.Matrix) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, errors.E(errors.Precondition, "exec.Multiply: group failed", c.err)
	}
	if b == nil || a == nil {
		return nil, errors.E(errors.Invalid, "exec.Multiply: missing operand")
	}
	n := b.Rows
	task := c.startTask("multiply %dx%d on %d", n, n, c.Size())
	defer task.Done()

	start := time.Now()
	task.Print("computing")
	err := c.ex.Broadcast(ctx, collective.Root, []float64{opMultiply})
	var (
		product *bigmatrix.Matrix
		timings []stats.Timing
	)
	if err == nil {
		product, timings, err = c.multiply(ctx, a, b)
	}
	if err != nil {
		c.fail(err)
		task.Printf("failed: %v", err)
		return nil, err
	}
	summary := stats.Reduce(n, timings)
	c.tracer.Timings(runlog.Multiply, start, timings)
	res := &Result{
		Op:         runlog.Multiply,
		Matrix:     product,
		Processors: c.Size(),
		Summary:    summary,
		Traffic:    c.ex.Stats(),
	}
	c.traffic.Merge(res.Traffic)
	task.Print("persisting")
	if err := c.save(ctx, res, name); err != nil {
		task.Printf("failed: %v", err)
		return nil, err
	}
	res.Elapsed = time.Since(start)
	log.Printf("exec: multiply %dx%d on %d: %s: %s", n, n, c.Size(), res.Elapsed, summary)
	c.log(res, n)
	if c.logs != nil {
		if err := c.logs.AppendBottleneck(summary); err != nil {
			log.Error.Printf("exec: bottleneck log: %v", err)
		}
	}
	c.eventer.Event("bigmatrix:multiply",
		"n", n,
		"processors", c.Size(),
		"elapsed", res.Elapsed.Seconds(),
		"overhead", summary.Overhead,
		"imbalance", summary.Imbalance)
	return res, nil
}

// Invert computes the inverse of the square matrix a on the
// coordinator alone; the other participants are not involved. If
// name is not empty and the coordinator has a store, the inverse is
// persisted under name.
func (c *Coordinator) Invert(ctx context.Context, name string, a *bigmatrix.Matrix) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task := c.startTask("invert %dx%d", a.Rows, a.Cols)
	defer task.Done()

	start := time.Now()
	inv, err := c.kernel.Invert(a)
	if err != nil {
		task.Printf("failed: %v", err)
		return nil, err
	}
	comp := time.Since(start)
	c.tracer.Phase(collective.Root, runlog.Invert, "compute", start, comp)
	res := &Result{
		Op:         runlog.Invert,
		Matrix:     inv,
		Processors: c.Size(),
		Summary:    stats.Reduce(a.Rows, []stats.Timing{{Comp: comp}}),
	}
	if err := c.save(ctx, res, name); err != nil {
		task.Printf("failed: %v", err)
		return nil, err
	}
	res.Elapsed = time.Since(start)
	log.Printf("exec: invert %dx%d: %s", a.Rows, a.Cols, res.Elapsed)
	c.log(res, a.Rows)
	c.eventer.Event("bigmatrix:invert",
		"n", a.Rows,
		"elapsed", res.Elapsed.Seconds())
	return res, nil
}

// Shutdown releases the workers of the group. The coordinator may
// not be used after Shutdown. If the shutdown cannot be announced to
// every worker, the group is aborted and the error is returned.
// Shutting down a coordinator that was already shut down or whose
// group failed is a no-op.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil
	}
	if err := c.ex.Broadcast(ctx, collective.Root, []float64{opShutdown}); err != nil {
		c.fail(err)
		return errors.E("exec.Shutdown", err)
	}
	c.err = errors.E(errors.Canceled, "group shut down")
	log.Debug.Printf("exec: coordinator: shutdown; traffic %s", c.traffic)
	return nil
}

// Traffic returns the bytes moved by the coordinator over all
// operations, keyed by collective.
func (c *Coordinator) Traffic() stats.Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := make(stats.Values)
	v.Merge(c.traffic)
	return v
}

// Fail records a failed operation and aborts the group: the workers
// cannot resynchronize with the coordinator after a failed
// collective.
func (c *Coordinator) fail(err error) {
	c.err = err
	c.transport.abort(backgroundcontext.Get(), err)
}

func (c *Coordinator) save(ctx context.Context, res *Result, name string) error {
	if name == "" || c.store == nil || c.persist == PersistNone {
		return nil
	}
	var err error
	switch c.persist {
	case PersistSingle:
		res.Record, err = c.store.SaveSingle(ctx, name, res.Matrix, c.compress)
	case PersistDistributed:
		parts := c.Size()
		if parts > res.Matrix.Rows {
			parts = res.Matrix.Rows
		}
		res.Record, err = c.store.SaveDistributed(ctx, name, res.Matrix, parts)
	default:
		err = errors.E(errors.Invalid, fmt.Sprintf("exec: unknown persistence mode %q", c.persist))
	}
	if err != nil {
		return err
	}
	res.Name = name
	return nil
}

func (c *Coordinator) log(res *Result, n int) {
	if c.logs == nil {
		return
	}
	err := c.logs.AppendPerf(runlog.Perf{
		Operation:  res.Op,
		Processors: res.Processors,
		Elapsed:    res.Elapsed,
		MatrixSize: n,
		Time:       time.Now(),
	})
	if err != nil {
		log.Error.Printf("exec: performance log: %v", err)
	}
}

// StartTask starts a status task in the coordinator's group. Status
// groups and tasks are nil-safe.
func (c *Coordinator) startTask(format string, args ...interface{}) *status.Task {
	return c.status.Startf(format, args...)
}
