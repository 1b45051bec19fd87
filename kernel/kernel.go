// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kernel provides the local dense compute kernels run by
// each participant of a bigmatrix computation. A Kernel multiplies a
// participant's row block against a fully replicated operand, and
// inverts square matrices on a single participant. The default
// kernel, Dense, delegates to gonum's BLAS and LAPACK routines.
package kernel

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmatrix"
	"gonum.org/v1/gonum/mat"
)

// A Kernel implements the local matrix operations.
type Kernel interface {
	// Multiply returns the product of a (rows×n) block and a full
	// (n×n) operand. Elements follow IEEE-754 semantics: NaN and Inf
	// values propagate.
	Multiply(block, full *bigmatrix.Matrix) (*bigmatrix.Matrix, error)
	// Invert returns the inverse of a square matrix. An error with
	// cause bigmatrix.ErrSingular is returned if the matrix is not
	// invertible.
	Invert(a *bigmatrix.Matrix) (*bigmatrix.Matrix, error)
}

// Dense is the default Kernel, backed by gonum.
var Dense Kernel = denseKernel{}

type denseKernel struct{}

func (denseKernel) Multiply(block, full *bigmatrix.Matrix) (*bigmatrix.Matrix, error) {
	if err := checkMultiply(block, full); err != nil {
		return nil, err
	}
	out := bigmatrix.New(block.Rows, full.Cols)
	dst := mat.NewDense(out.Rows, out.Cols, out.Data)
	dst.Mul(mat.NewDense(block.Rows, block.Cols, block.Data), mat.NewDense(full.Rows, full.Cols, full.Data))
	return out, nil
}

func (denseKernel) Invert(a *bigmatrix.Matrix) (*bigmatrix.Matrix, error) {
	if a.Rows != a.Cols || a.Rows == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kernel.Invert: matrix is %dx%d, not square", a.Rows, a.Cols))
	}
	out := bigmatrix.New(a.Rows, a.Cols)
	inv := mat.NewDense(out.Rows, out.Cols, out.Data)
	err := inv.Inverse(mat.NewDense(a.Rows, a.Cols, a.Data))
	if err == nil {
		return out, nil
	}
	cond, ok := err.(mat.Condition)
	if !ok || math.IsInf(float64(cond), 1) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kernel.Invert: %v", err), bigmatrix.ErrSingular)
	}
	// The inverse was computed, but may be inaccurate.
	log.Printf("kernel.Invert: %dx%d matrix is ill-conditioned: %v", a.Rows, a.Cols, err)
	return out, nil
}

// Naive is a Kernel that multiplies with straightforward loops and
// inverts by Gauss-Jordan elimination with partial pivoting. It is
// used to cross-check Dense, and where a dependency-free kernel is
// preferred for small matrices.
var Naive Kernel = naiveKernel{}

type naiveKernel struct{}

func (naiveKernel) Multiply(block, full *bigmatrix.Matrix) (*bigmatrix.Matrix, error) {
	if err := checkMultiply(block, full); err != nil {
		return nil, err
	}
	var (
		n   = full.Cols
		out = bigmatrix.New(block.Rows, n)
	)
	for i := 0; i < block.Rows; i++ {
		var (
			arow = block.Row(i)
			crow = out.Row(i)
		)
		for k, aik := range arow {
			brow := full.Row(k)
			for j := range crow {
				crow[j] += aik * brow[j]
			}
		}
	}
	return out, nil
}

func (naiveKernel) Invert(a *bigmatrix.Matrix) (*bigmatrix.Matrix, error) {
	if a.Rows != a.Cols || a.Rows == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kernel.Invert: matrix is %dx%d, not square", a.Rows, a.Cols))
	}
	var (
		n    = a.Rows
		work = bigmatrix.FromData(n, n, append([]float64(nil), a.Data...))
		inv  = bigmatrix.Identity(n)
	)
	for col := 0; col < n; col++ {
		pivot := col
		for i := col + 1; i < n; i++ {
			if math.Abs(work.At(i, col)) > math.Abs(work.At(pivot, col)) {
				pivot = i
			}
		}
		if work.At(pivot, col) == 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("kernel.Invert: zero pivot in column %d", col), bigmatrix.ErrSingular)
		}
		if pivot != col {
			swapRows(work, pivot, col)
			swapRows(inv, pivot, col)
		}
		p := work.At(col, col)
		scaleRow(work.Row(col), 1/p)
		scaleRow(inv.Row(col), 1/p)
		for i := 0; i < n; i++ {
			if i == col {
				continue
			}
			f := work.At(i, col)
			if f == 0 {
				continue
			}
			axpy(work.Row(i), -f, work.Row(col))
			axpy(inv.Row(i), -f, inv.Row(col))
		}
	}
	return inv, nil
}

// Lookup returns the kernel with the provided name: "dense" or
// "naive".
func Lookup(name string) (Kernel, error) {
	switch name {
	case "", "dense":
		return Dense, nil
	case "naive":
		return Naive, nil
	}
	return nil, errors.E(errors.NotExist, fmt.Sprintf("kernel.Lookup: no kernel named %q", name))
}

func checkMultiply(block, full *bigmatrix.Matrix) error {
	if block.Rows == 0 || block.Cols == 0 || full.Cols == 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("kernel.Multiply: empty operand %v x %v", block, full))
	}
	if block.Cols != full.Rows {
		return errors.E(errors.Invalid, fmt.Sprintf("kernel.Multiply: shape mismatch %v x %v", block, full))
	}
	return nil
}

func swapRows(m *bigmatrix.Matrix, i, j int) {
	ri, rj := m.Row(i), m.Row(j)
	for k := range ri {
		ri[k], rj[k] = rj[k], ri[k]
	}
}

func scaleRow(row []float64, alpha float64) {
	for i := range row {
		row[i] *= alpha
	}
}

// axpy computes y += alpha*x.
func axpy(y []float64, alpha float64, x []float64) {
	for i := range y {
		y[i] += alpha * x[i]
	}
}
