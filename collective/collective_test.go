// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmatrix"
	"github.com/grailbio/bigmatrix/collective"
	"github.com/grailbio/bigmatrix/exec"
	"github.com/grailbio/bigmatrix/stats"
	"golang.org/x/sync/errgroup"
)

// runGroup runs fn for every rank of an in-process group of p
// participants.
func runGroup(t *testing.T, p int, fn func(ctx context.Context, ex *collective.Exchange) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, transport := range exec.LocalGroup(p) {
		ex := collective.NewExchange(transport)
		g.Go(func() error { return fn(ctx, ex) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestScatterGather(t *testing.T) {
	for _, c := range []struct{ n, p int }{
		{8, 3}, {8, 4}, {10, 4}, {7, 7}, {5, 1}, {100, 7},
	} {
		c := c
		t.Run(fmt.Sprintf("n=%d,p=%d", c.n, c.p), func(t *testing.T) {
			m := bigmatrix.Random(rand.New(rand.NewSource(int64(c.n))), c.n, c.n)
			ranges, err := bigmatrix.Partition(c.n, c.p)
			if err != nil {
				t.Fatal(err)
			}
			var (
				mu     sync.Mutex
				blocks = make([]*bigmatrix.Matrix, c.p)
				result *bigmatrix.Matrix
			)
			runGroup(t, c.p, func(ctx context.Context, ex *collective.Exchange) error {
				var in *bigmatrix.Matrix
				if ex.IsRoot() {
					in = m
				}
				block, err := collective.ScatterRows(ctx, ex, in, c.n)
				if err != nil {
					return err
				}
				out, err := collective.GatherRows(ctx, ex, block, c.n)
				if err != nil {
					return err
				}
				if !ex.IsRoot() && out != nil {
					return fmt.Errorf("rank %d: got %v, want nil", ex.Rank(), out)
				}
				mu.Lock()
				blocks[ex.Rank()] = block
				if ex.IsRoot() {
					result = out
				}
				mu.Unlock()
				return nil
			})
			for rank, block := range blocks {
				if want := m.Slice(ranges[rank]); !block.Equal(want) {
					t.Errorf("rank %d: got block %v, want rows %v", rank, block, ranges[rank])
				}
			}
			if !result.Equal(m) {
				t.Error("scatter/gather round trip changed the matrix")
			}
		})
	}
}

func TestBroadcastFull(t *testing.T) {
	const n, p = 9, 4
	m := bigmatrix.Random(rand.New(rand.NewSource(1)), n, n)
	replicas := make([]*bigmatrix.Matrix, p)
	runGroup(t, p, func(ctx context.Context, ex *collective.Exchange) error {
		var in *bigmatrix.Matrix
		if ex.IsRoot() {
			in = m
		}
		out, err := collective.BroadcastFull(ctx, ex, in)
		replicas[ex.Rank()] = out
		return err
	})
	for rank, r := range replicas {
		if !r.Equal(m) {
			t.Errorf("rank %d: replica differs", rank)
		}
	}
}

func TestGatherTimings(t *testing.T) {
	const p = 5
	var got []stats.Timing
	runGroup(t, p, func(ctx context.Context, ex *collective.Exchange) error {
		rank := time.Duration(ex.Rank())
		timings, err := collective.GatherTimings(ctx, ex, stats.Timing{Comp: rank * time.Second, Comm: rank * time.Millisecond})
		if ex.IsRoot() {
			got = timings
		} else if timings != nil {
			return fmt.Errorf("rank %d: got %v, want nil", ex.Rank(), timings)
		}
		return err
	})
	if len(got) != p {
		t.Fatalf("got %v, want %d timings", got, p)
	}
	for rank, timing := range got {
		want := stats.Timing{Comp: time.Duration(rank) * time.Second, Comm: time.Duration(rank) * time.Millisecond}
		if timing != want {
			t.Errorf("rank %d: got %v, want %v", rank, timing, want)
		}
	}
}

func TestExchangeAccounting(t *testing.T) {
	const n, p = 8, 3
	m := bigmatrix.Random(rand.New(rand.NewSource(2)), n, n)
	counts := make([]stats.Values, p)
	runGroup(t, p, func(ctx context.Context, ex *collective.Exchange) error {
		var in *bigmatrix.Matrix
		if ex.IsRoot() {
			in = m
		}
		if _, err := collective.ScatterRows(ctx, ex, in, n); err != nil {
			return err
		}
		if err := ex.Barrier(ctx); err != nil {
			return err
		}
		if ex.Comm() <= 0 {
			return fmt.Errorf("rank %d: no communication time accounted", ex.Rank())
		}
		counts[ex.Rank()] = ex.Stats()
		ex.Reset()
		if ex.Comm() != 0 {
			return fmt.Errorf("rank %d: reset did not clear communication time", ex.Rank())
		}
		if n := len(ex.Stats()); n != 0 {
			return fmt.Errorf("rank %d: reset left %d byte counters", ex.Rank(), n)
		}
		return nil
	})
	// Rows [0,2), [2,4), [4,8).
	for rank, want := range []int64{2 * n * 8, 2 * n * 8, 4 * n * 8} {
		if got := counts[rank]["scatter"]; got != want {
			t.Errorf("rank %d: got %v, want %v", rank, got, want)
		}
	}
}

func TestScatterSizeMismatch(t *testing.T) {
	ex := collective.NewExchange(exec.LocalGroup(3)[0])
	_, err := collective.ScatterRows(context.Background(), ex, bigmatrix.New(7, 7), 8)
	if !bigmatrix.Is(err, bigmatrix.ErrScatterSizeMismatch) {
		t.Fatalf("got %v, want scatter size mismatch", err)
	}
	if !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want precondition error", err)
	}
	e, ok := err.(*errors.Error)
	if !ok || e.Severity != errors.Fatal {
		t.Errorf("got %v, want fatal error", err)
	}
}

func TestNonCoordinatorRoot(t *testing.T) {
	for _, transport := range exec.LocalGroup(2) {
		err := transport.Broadcast(context.Background(), 1, make([]float64, 1))
		if !errors.Is(errors.NotSupported, err) {
			t.Errorf("rank %d: got %v, want not supported", transport.Rank(), err)
		}
	}
}
