// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestMailbox(t *testing.T) {
	m := newMailbox()
	ctx := context.Background()
	// Messages are matched by sequence number, not arrival order.
	assert.NoError(t, m.put(2, []float64{2}))
	assert.NoError(t, m.put(1, []float64{1}))
	expect.True(t, errors.Is(errors.Exists, m.put(1, nil)))
	for seq := uint64(1); seq <= 2; seq++ {
		data, err := m.take(ctx, seq)
		assert.NoError(t, err)
		expect.EQ(t, data, []float64{float64(seq)})
	}
	assert.NoError(t, m.put(3, nil))
	data, err := m.take(ctx, 3)
	assert.NoError(t, err)
	expect.EQ(t, len(data), 0)
}

func TestMailboxWait(t *testing.T) {
	m := newMailbox()
	done := make(chan []float64)
	go func() {
		data, err := m.take(context.Background(), 1)
		if err != nil {
			t.Error(err)
		}
		done <- data
	}()
	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, m.put(1, []float64{1, 2, 3}))
	expect.EQ(t, <-done, []float64{1, 2, 3})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.take(ctx, 2)
	expect.EQ(t, err, context.DeadlineExceeded)
}

func TestMailboxClose(t *testing.T) {
	m := newMailbox()
	assert.NoError(t, m.put(1, []float64{1}))
	errc := make(chan error)
	go func() {
		_, err := m.take(context.Background(), 2)
		errc <- err
	}()
	closeErr := errors.E(errors.Canceled, "aborted")
	m.close(closeErr)
	m.close(errors.New("ignored"))
	expect.EQ(t, <-errc, closeErr)
	_, err := m.take(context.Background(), 1)
	expect.EQ(t, err, closeErr)
	expect.EQ(t, m.put(4, nil), closeErr)
}

func TestWorkerAbort(t *testing.T) {
	coord, workers := newLocalGroup(3)
	var (
		ctx  = context.Background()
		errc = make(chan error, 2)
	)
	for rank := 1; rank < 3; rank++ {
		w := newWorker(workers[rank], nil)
		go func() { errc <- w.Serve(ctx) }()
	}
	cause := errors.New("coordinator failed")
	coord.abort(ctx, cause)
	for i := 0; i < 2; i++ {
		expect.True(t, errors.Is(errors.Canceled, <-errc))
	}
	// Further collectives fail on the coordinator's side too.
	err := coord.Broadcast(ctx, 0, []float64{opShutdown})
	expect.True(t, errors.Is(errors.Canceled, err))
}
