// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
)

// A mailbox holds the messages passed in one direction between the
// coordinator and a worker. Messages are keyed by the sequence
// number of the collective they belong to, so that they are matched
// by program order regardless of the order in which they arrive.
// A mailbox is closed with an error when its group is aborted;
// subsequent operations fail with that error.
type mailbox struct {
	mu   sync.Mutex
	cond *ctxsync.Cond
	msgs map[uint64][]float64
	err  error
}

func newMailbox() *mailbox {
	m := &mailbox{msgs: make(map[uint64][]float64)}
	m.cond = ctxsync.NewCond(&m.mu)
	return m
}

// Put deposits the message for collective seq. The mailbox takes
// ownership of data.
func (m *mailbox) put(seq uint64, data []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.msgs[seq]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("exec: duplicate message for collective %d", seq))
	}
	if data == nil {
		data = []float64{}
	}
	m.msgs[seq] = data
	m.cond.Broadcast()
	return nil
}

// Take removes and returns the message for collective seq, waiting
// for it to arrive if needed.
func (m *mailbox) take(ctx context.Context, seq uint64) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if data, ok := m.msgs[seq]; ok {
			delete(m.msgs, seq)
			return data, nil
		}
		if m.err != nil {
			return nil, m.err
		}
		if err := m.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Close closes the mailbox with the provided error. Pending messages
// are dropped. Only the first call to close has an effect.
func (m *mailbox) close(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return
	}
	m.err = err
	m.msgs = nil
	m.cond.Broadcast()
}
