// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigmatrix implements distributed dense matrix computation
	and storage. An N×N computation is divided into contiguous row
	blocks that are distributed deterministically across a fixed group
	of P participants; each participant computes its block against a
	replicated operand, and the coordinator (rank 0) reassembles the
	result and persists it.

	This package defines the shared data model: the row-major Matrix,
	the RowRange assignment computed by Partition, and the error causes
	reported throughout the system. The collective exchange protocol is
	implemented by package collective, the process group and the
	coordinator and worker roles by package exec, the local kernels by
	package kernel, and durable storage by package store.

	Partitioning is fixed: for N rows and P participants, the first P-1
	participants each own floor(N/P) rows, and the last owns the
	remainder. Scatter and gather displacements, and the row ranges of
	stored parts, all derive from this rule, so that data exchanged and
	data stored can be reassembled byte-for-byte by rank alone.

	Bigmatrix sessions can run locally, with participants as goroutines,
	or use bigmachine to run each worker in its own process. In either
	case the computation and the exchange protocol are the same.
*/
package bigmatrix
