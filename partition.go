// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmatrix

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// A RowRange is a half-open interval [Start, End) of matrix rows.
type RowRange struct {
	Start, End int
}

// Len returns the number of rows in the range.
func (r RowRange) Len() int { return r.End - r.Start }

func (r RowRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Partition divides n rows among p participants. The first p-1
// participants are assigned n/p rows each; the last participant
// receives the remainder. The returned ranges are ordered by rank,
// disjoint, and cover [0, n) exactly. Partition returns an error
// unless 1 <= p <= n, since every participant must own at least one
// row.
//
// Scatter and gather layouts, and the part layouts of stored
// matrices, are derived from this assignment.
func Partition(n, p int) ([]RowRange, error) {
	if p < 1 || p > n {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("partition %d rows among %d participants", n, p), ErrInvalidPartition)
	}
	var (
		per    = n / p
		ranges = make([]RowRange, p)
	)
	for i := range ranges {
		ranges[i].Start = i * per
		ranges[i].End = (i + 1) * per
	}
	ranges[p-1].End = n
	return ranges, nil
}

// Layout returns the per-rank element counts and displacements used
// to scatter and gather the rows of an n×n matrix among p
// participants. Counts[i] is rowcount(i)*n; displacements are the
// prefix sums of counts.
func Layout(n, p int) (counts, displs []int, err error) {
	ranges, err := Partition(n, p)
	if err != nil {
		return nil, nil, err
	}
	counts = make([]int, p)
	displs = make([]int, p)
	var off int
	for i, r := range ranges {
		counts[i] = r.Len() * n
		displs[i] = off
		off += counts[i]
	}
	return counts, displs, nil
}
