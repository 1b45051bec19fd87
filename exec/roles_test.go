// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"math/rand"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmatrix"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestCoordinatorShutdown(t *testing.T) {
	coord, workers := newLocalGroup(3)
	c := newCoordinator(coord, nil)
	ctx := context.Background()
	errc := make(chan error, 2)
	for rank := 1; rank < 3; rank++ {
		w := newWorker(workers[rank], nil)
		go func() { errc <- w.Serve(ctx) }()
	}
	assert.NoError(t, c.Shutdown(ctx))
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-errc)
	}
	assert.NoError(t, c.Shutdown(ctx))
	_, err := c.Multiply(ctx, "", bigmatrix.Identity(4), bigmatrix.Identity(4))
	expect.True(t, errors.Is(errors.Precondition, err))
}

func TestCoordinatorShutdownFailure(t *testing.T) {
	coord, workers := newLocalGroup(3)
	c := newCoordinator(coord, nil)
	ctx := context.Background()
	// Rank 2 is gone: its mailboxes are closed.
	workers[2].close(errors.E(errors.Canceled, "worker exited"))

	err := c.Shutdown(ctx)
	if err == nil {
		t.Fatal("shutdown of a broken group succeeded")
	}
	expect.True(t, errors.Is(errors.Canceled, err))
	// The rest of the group is aborted.
	err = workers[1].outbox.put(1, nil)
	expect.True(t, errors.Is(errors.Canceled, err))
	_, err = c.Multiply(ctx, "", bigmatrix.Identity(4), bigmatrix.Identity(4))
	expect.True(t, errors.Is(errors.Precondition, err))
	// The failure is reported once.
	assert.NoError(t, c.Shutdown(ctx))
}

func TestCoordinatorTraffic(t *testing.T) {
	const n, p = 8, 3
	sess := startSession(t, Parallelism(p), Persist(PersistNone))
	defer sess.Shutdown()
	var (
		ctx = context.Background()
		r   = rand.New(rand.NewSource(3))
		c   = sess.Coordinator()
	)
	expect.EQ(t, len(c.Traffic()), 0)
	var want int64
	for i := 0; i < 2; i++ {
		res, err := sess.Multiply(ctx, "", bigmatrix.Random(r, n, n), bigmatrix.Random(r, n, n))
		assert.NoError(t, err)
		// The dimension of b and b itself.
		expect.EQ(t, res.Traffic["broadcast"], int64((n*n+1)*bigmatrix.ElemSize))
		// Rows [0,2) are the coordinator's block.
		expect.EQ(t, res.Traffic["scatter"], int64(2*n*bigmatrix.ElemSize))
		for _, v := range res.Traffic {
			want += v
		}
	}
	var got int64
	for _, v := range c.Traffic() {
		got += v
	}
	expect.EQ(t, got, want)
	expect.EQ(t, c.Traffic()["scatter"], int64(2*2*n*bigmatrix.ElemSize))
}
