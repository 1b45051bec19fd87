// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmatrix

import "github.com/grailbio/base/errors"

// Failure causes reported by bigmatrix packages. They are carried as
// the innermost cause of an *errors.Error whose kind classifies the
// failure; use Is to test for them.
var (
	// ErrInvalidPartition is reported when rows cannot be partitioned
	// among the requested number of participants.
	ErrInvalidPartition = errors.New("invalid partition")
	// ErrInvalidPartCount is reported when a matrix cannot be stored
	// in the requested number of parts.
	ErrInvalidPartCount = errors.New("invalid part count")
	// ErrScatterSizeMismatch is reported when the scattered element
	// count differs from the matrix size. It indicates disagreement
	// between the partitioner and the transport.
	ErrScatterSizeMismatch = errors.New("scatter size mismatch")
	// ErrSingular is reported when a matrix is not invertible.
	ErrSingular = errors.New("singular matrix")
	// ErrNotFound is reported when a name is absent from a catalog.
	ErrNotFound = errors.New("matrix not found")
	// ErrMissingData is reported when a catalog references a file
	// that does not exist.
	ErrMissingData = errors.New("missing data")
	// ErrIntegrity is reported when stored data fail verification.
	ErrIntegrity = errors.New("integrity check failed")
)

// Is tells whether err was caused by target. The chain of
// *errors.Error causes is traversed.
func Is(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		e, ok := err.(*errors.Error)
		if !ok {
			return false
		}
		err = e.Err
	}
	return false
}
