// Copyright 2018 GRAIL, Inc. All rights reserved.
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
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmatrix"
	"github.com/grailbio/bigmatrix/kernel"
	"github.com/grailbio/bigmatrix/monitor"
	"github.com/grailbio/bigmatrix/runlog"
	"github.com/grailbio/bigmatrix/store"
)

// Session represents a bigmatrix compute session: a process group of
// a fixed number of participants, of which the session's process is
// the coordinator. A session is valid for the run of the binary.
//
// When the session uses bigmachine, the session's binary is also run
// on each worker machine. In those worker processes, Start does not
// return: the process instead serves its participant until the
// coordinator exits.
//
//	func main() {
//		sess, err := exec.Start(exec.Parallelism(4), exec.Storage("data"))
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer sess.Shutdown()
//		res, err := sess.Multiply(ctx, "matrix_C", a, b)
//		...
//	}
type Session struct {
	context.Context

	p         int
	system    bigmachine.System
	params    []bigmachine.Param
	kernel    string
	storage   string
	chunkRows int
	compress  bool
	persist   string
	results   string
	monitor   time.Duration
	status    *status.Status
	eventer   eventlog.Eventer
	tracePath string

	b       *bigmachine.B
	coord   *Coordinator
	store   *store.Store
	tracer  *tracer
	sampler *monitor.Monitor
	workers sync.WaitGroup
	started time.Time

	shutdownOnce sync.Once
}

func newSession() *Session {
	return &Session{
		Context:   backgroundcontext.Get(),
		persist:   PersistDistributed,
		compress:  true,
		chunkRows: store.DefaultChunkRows,
		eventer:   eventlog.Nop{},
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session whose participants are goroutines in
// the session's process.
var Local Option = func(s *Session) {
	s.system = nil
}

// Bigmachine configures a session whose workers each run on their
// own machine of the provided bigmachine system. If any params are
// provided, they are applied to each machine.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.system = system
		s.params = params
	}
}

// Parallelism configures the session with the provided number of
// participants, including the coordinator.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Kernel configures the local kernel run by every participant.
func Kernel(name string) Option {
	return func(s *Session) {
		s.kernel = name
	}
}

// Storage configures the storage root in which results are persisted.
// Results are not persisted if no storage root is configured.
func Storage(root string) Option {
	return func(s *Session) {
		s.storage = root
	}
}

// Compress configures whether single-file results are compressed.
func Compress(compress bool) Option {
	return func(s *Session) {
		s.compress = compress
	}
}

// ChunkRows configures the number of rows per compressed chunk.
func ChunkRows(n int) Option {
	if n <= 0 {
		panic("exec.ChunkRows: n <= 0")
	}
	return func(s *Session) {
		s.chunkRows = n
	}
}

// Persist configures how results are persisted: PersistDistributed
// (one part per participant), PersistSingle, or PersistNone.
func Persist(mode string) Option {
	return func(s *Session) {
		s.persist = mode
	}
}

// Results configures the local directory to which the performance
// and bottleneck logs, and resource monitoring output, are written.
func Results(dir string) Option {
	return func(s *Session) {
		s.results = dir
	}
}

// Monitor configures the session to sample the resources of the
// coordinator's host at the provided interval for the life of the
// session. The samples
// are saved to the results directory on shutdown.
func Monitor(interval time.Duration) Option {
	return func(s *Session) {
		s.monitor = interval
	}
}

// Status configures the session with a status object to which
// group and operation statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Eventer configures the session with an Eventer that will be used to log
// session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// TracePath configures the path to which a trace event file for the session
// will be written on shutdown.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// Start creates and starts a new bigmatrix session, configuring it
// according to the provided options. Start forms the session's
// process group: it returns once every participant has joined. If no
// parallelism is configured, the group has a single participant.
func Start(options ...Option) (*Session, error) {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.p == 0 {
		s.p = 1
	}
	switch s.persist {
	case PersistNone, PersistSingle, PersistDistributed:
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec.Start: unknown persistence mode %q", s.persist))
	}
	k, err := kernel.Lookup(s.kernel)
	if err != nil {
		return nil, err
	}
	if err := s.start(k); err != nil {
		s.Shutdown()
		return nil, err
	}
	return s, nil
}

func (s *Session) start(k kernel.Kernel) error {
	s.started = time.Now()
	s.tracer = newTracer()
	var (
		transport *coordTransport
		group     *status.Group
		executor  = "local"
	)
	if s.status != nil {
		group = s.status.Group("bigmatrix")
	}
	if s.system != nil {
		executor = "bigmachine"
		// In worker processes, bigmachine.Start does not return.
		s.b = bigmachine.Start(s.system)
		var err error
		transport, err = startGroup(s, s.b, group, s.p, s.kernel, s.params...)
		if err != nil {
			return err
		}
	} else {
		var workers []*workerTransport
		transport, workers = newLocalGroup(s.p)
		for rank := 1; rank < s.p; rank++ {
			w := newWorker(workers[rank], k)
			s.workers.Add(1)
			go func(rank int) {
				defer s.workers.Done()
				if err := w.Serve(s); err != nil {
					log.Error.Printf("exec: rank %d: %v", rank, err)
				}
			}(rank)
		}
	}
	s.coord = newCoordinator(transport, k)
	s.coord.status = group
	s.coord.eventer = s.eventer
	s.coord.tracer = s.tracer
	s.coord.persist = s.persist
	s.coord.compress = s.compress
	if s.storage != "" {
		var err error
		s.store, err = store.Open(s, s.storage, store.ChunkRows(s.chunkRows))
		if err != nil {
			return err
		}
		s.coord.store = s.store
	}
	if s.results != "" {
		logs, err := runlog.Open(s.results)
		if err != nil {
			return err
		}
		s.coord.logs = logs
	}
	if s.monitor > 0 {
		s.sampler = monitor.Start(s.monitor)
	}
	s.eventer.Event("bigmatrix:sessionStart",
		"command", command(),
		"executorType", executor,
		"parallelism", s.p,
		"persist", s.persist)
	log.Printf("exec: session started: %d participants (%s)", s.p, executor)
	return nil
}

// Multiply computes the product a·b of n×n matrices across the
// session's group, persisting it under name if name is not empty and
// the session has a storage root.
func (s *Session) Multiply(ctx context.Context, name string, a, b *bigmatrix.Matrix) (*Result, error) {
	return s.coord.Multiply(ctx, name, a, b)
}

// Invert computes the inverse of a on the coordinator, persisting it
// under name if name is not empty and the session has a storage root.
func (s *Session) Invert(ctx context.Context, name string, a *bigmatrix.Matrix) (*Result, error) {
	return s.coord.Invert(ctx, name, a)
}

// Parallelism returns the number of participants in the session's
// group.
func (s *Session) Parallelism() int {
	return s.p
}

// Store returns the session's store, or nil if the session has no
// storage root.
func (s *Session) Store() *store.Store {
	return s.store
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// Coordinator returns the session's coordinator.
func (s *Session) Coordinator() *Coordinator {
	return s.coord
}

// Shutdown releases the session's workers and writes the session's
// monitoring and trace output. It should be called when the session
// is discarded; it is safe to call more than once.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Session) shutdown() {
	ctx := backgroundcontext.Get()
	if s.coord != nil {
		traffic := s.coord.Traffic()
		if err := s.coord.Shutdown(ctx); err != nil {
			log.Error.Printf("exec: shutdown: %v", err)
		}
		log.Printf("exec: coordinator traffic: %s", traffic)
	}
	s.workers.Wait()
	if s.b != nil {
		s.b.Shutdown()
	}
	if s.sampler != nil {
		summary := s.sampler.Stop()
		if s.results != "" {
			prefix := fmt.Sprintf("bigmatrix_np%d", s.p)
			if _, err := s.sampler.Save(ctx, s.results, prefix); err != nil {
				log.Error.Printf("exec: saving monitor output: %v", err)
			}
		}
		s.eventer.Event("bigmatrix:monitor",
			"duration", summary.DurationSeconds,
			"cpuAvgPercent", summary.CPU.AvgPercent,
			"peakMemoryUsedMB", summary.Memory.PeakUsedMB,
			"networkSentMB", summary.Network.SentMB,
			"diskWriteMB", summary.Disk.WriteMB,
			"peakHeapMB", summary.Runtime.PeakHeapMB)
	}
	if s.tracePath != "" && s.tracer != nil {
		writeTraceFile(ctx, s.tracer, s.tracePath)
	}
	log.Printf("exec: session shut down after %s", time.Since(s.started))
}
