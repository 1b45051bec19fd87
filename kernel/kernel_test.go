// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"math"
	"math/rand"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmatrix"
)

var kernels = map[string]Kernel{"dense": Dense, "naive": Naive}

func approxEqual(t *testing.T, got, want *bigmatrix.Matrix, tol float64) {
	t.Helper()
	if got.Shape() != want.Shape() {
		t.Fatalf("got shape %v, want %v", got.Shape(), want.Shape())
	}
	for i := range got.Data {
		if math.Abs(got.Data[i]-want.Data[i]) > tol {
			t.Fatalf("element %d: got %v, want %v", i, got.Data[i], want.Data[i])
		}
	}
}

func TestMultiplyIdentity(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	b := bigmatrix.Random(r, 8, 8)
	for name, k := range kernels {
		c, err := k.Multiply(bigmatrix.Identity(8), b)
		if err != nil {
			t.Fatal(name, err)
		}
		if !c.Equal(b) {
			t.Errorf("%s: I*B != B", name)
		}
	}
}

func TestMultiplyBlock(t *testing.T) {
	const n = 33
	r := rand.New(rand.NewSource(1))
	a, b := bigmatrix.Random(r, n, n), bigmatrix.Random(r, n, n)
	want, err := Naive.Multiply(a, b)
	if err != nil {
		t.Fatal(err)
	}
	// Multiplying a block of rows yields the same rows of the product.
	rows := bigmatrix.RowRange{Start: 10, End: 17}
	for name, k := range kernels {
		got, err := k.Multiply(a.Slice(rows), b)
		if err != nil {
			t.Fatal(name, err)
		}
		approxEqual(t, got, want.Slice(rows), 1e-12)
	}
}

func TestMultiplyShape(t *testing.T) {
	for name, k := range kernels {
		_, err := k.Multiply(bigmatrix.New(2, 3), bigmatrix.New(4, 4))
		if err == nil || !errors.Is(errors.Invalid, err) {
			t.Errorf("%s: got %v, want invalid", name, err)
		}
	}
}

func TestMultiplyNaN(t *testing.T) {
	a := bigmatrix.FromData(1, 2, []float64{math.NaN(), 1})
	b := bigmatrix.FromData(2, 2, []float64{1, 2, 3, 4})
	for name, k := range kernels {
		c, err := k.Multiply(a, b)
		if err != nil {
			t.Fatal(name, err)
		}
		for j := 0; j < 2; j++ {
			if !math.IsNaN(c.At(0, j)) {
				t.Errorf("%s: element %d: got %v, want NaN", name, j, c.At(0, j))
			}
		}
	}
}

func TestInvert(t *testing.T) {
	const n = 24
	r := rand.New(rand.NewSource(2))
	a := bigmatrix.Random(r, n, n)
	// Make the matrix diagonally dominant, and thus well conditioned.
	for i := 0; i < n; i++ {
		a.Set(i, i, a.At(i, i)+n)
	}
	for name, k := range kernels {
		inv, err := k.Invert(a)
		if err != nil {
			t.Fatal(name, err)
		}
		prod, err := Naive.Multiply(a, inv)
		if err != nil {
			t.Fatal(name, err)
		}
		approxEqual(t, prod, bigmatrix.Identity(n), 1e-9)
	}
}

func TestInvertSingular(t *testing.T) {
	a := bigmatrix.FromData(3, 3, []float64{
		1, 2, 3,
		2, 4, 6,
		0, 1, 1,
	})
	for name, k := range kernels {
		_, err := k.Invert(a)
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if !bigmatrix.Is(err, bigmatrix.ErrSingular) {
			t.Errorf("%s: unexpected error %v", name, err)
		}
	}
	for name, k := range kernels {
		if _, err := k.Invert(bigmatrix.New(2, 3)); err == nil || bigmatrix.Is(err, bigmatrix.ErrSingular) {
			t.Errorf("%s: got %v, want non-square error", name, err)
		}
	}
}

func TestLookup(t *testing.T) {
	for name, want := range kernels {
		got, err := Lookup(name)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("%s: got %v, want %v", name, got, want)
		}
	}
	if _, err := Lookup("blocked"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}
