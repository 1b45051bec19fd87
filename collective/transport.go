// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package collective implements the row-block exchange protocol of
// bigmatrix on top of a small set of collective operations. A
// Transport provides the collectives for one participant of a fixed
// process group; an Exchange wraps a transport to account for the
// time and bytes spent communicating. BroadcastFull, ScatterRows,
// GatherRows, and GatherTimings are the operations of the protocol
// proper: every participant of the group must call them in the same
// order.
package collective

import "context"

// A Transport provides the collective operations for one participant
// of a process group. Participants are identified by their rank in
// [0, Size()). Each collective must be called by every participant of
// the group, in the same order; calls block until the participant's
// contribution has been exchanged.
//
// Buffers are sized by the caller: receiving buffers must have
// exactly as many elements as are sent to them.
type Transport interface {
	// Rank returns the participant's rank within the group.
	Rank() int
	// Size returns the number of participants in the group.
	Size() int

	// Broadcast replicates the root's buf into the buf of every
	// other participant.
	Broadcast(ctx context.Context, root int, buf []float64) error
	// Scatterv sends send[displs[i]:displs[i]+counts[i]] from the
	// root to participant i, which receives it into recv. Send,
	// counts, and displs are significant only on the root.
	Scatterv(ctx context.Context, root int, send []float64, counts, displs []int, recv []float64) error
	// Gatherv is the inverse of Scatterv: each participant i sends
	// send, which the root places into recv[displs[i]:displs[i]+counts[i]].
	// Recv, counts, and displs are significant only on the root.
	Gatherv(ctx context.Context, root int, send []float64, recv []float64, counts, displs []int) error
	// Barrier returns after every participant has entered it.
	Barrier(ctx context.Context) error
}
