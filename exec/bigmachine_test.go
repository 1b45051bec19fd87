// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"math/rand"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigmatrix"
	"github.com/grailbio/bigmatrix/collective"
	"github.com/grailbio/bigmatrix/kernel"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestBigmachineSession(t *testing.T) {
	sess := startSession(t, Bigmachine(testsystem.New()), Parallelism(3), Persist(PersistNone))
	defer sess.Shutdown()
	var (
		ctx = context.Background()
		r   = rand.New(rand.NewSource(3))
		b   = bigmatrix.Random(r, 8, 8)
	)
	for i := 0; i < 2; i++ {
		res, err := sess.Multiply(ctx, "", bigmatrix.Identity(8), b)
		assert.NoError(t, err)
		expect.True(t, res.Matrix.Equal(b))
		expect.EQ(t, res.Summary.Processors, 3)
	}
}

func TestBigmachineGroup(t *testing.T) {
	system := testsystem.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bigmachine.Start(system)
	defer b.Shutdown()
	transport, err := startGroup(ctx, b, nil, 4, "naive")
	assert.NoError(t, err)
	expect.EQ(t, transport.Size(), 4)
	expect.EQ(t, system.N(), 3)

	c := newCoordinator(transport, kernel.Naive)
	m := bigmatrix.Random(rand.New(rand.NewSource(4)), 9, 9)
	res, err := c.Multiply(ctx, "", bigmatrix.Identity(9), m)
	assert.NoError(t, err)
	expect.True(t, res.Matrix.Equal(m))

	// An aborted group fails subsequent collectives on every side.
	transport.abort(ctx, errors.New("test abort"))
	err = transport.Broadcast(ctx, collective.Root, []float64{opMultiply})
	if err == nil {
		t.Error("expected error after abort")
	}
}
