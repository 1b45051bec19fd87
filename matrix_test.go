// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmatrix

import (
	"math"
	"math/rand"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestBytesRoundTrip(t *testing.T) {
	fz := fuzz.NewWithSeed(1)
	fz.NilChance(0)
	fz.NumElements(1, 1000)
	var elems []float64
	fz.Fuzz(&elems)
	b := AppendBytes(nil, elems)
	if got, want := len(b), len(elems)*ElemSize; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	decoded := make([]float64, len(elems))
	DecodeBytes(decoded, b)
	a, c := FromData(1, len(elems), elems), FromData(1, len(decoded), decoded)
	if !a.Equal(c) {
		t.Error("decoded elements differ")
	}
}

func TestChecksum(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	m := Random(r, 37, 41)
	sum := m.Checksum()
	if got, want := len(sum), 64; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := FromData(m.Rows, m.Cols, append([]float64(nil), m.Data...)).Checksum(), sum; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	m.Data[len(m.Data)-1] = math.Nextafter(m.Data[len(m.Data)-1], 2)
	if m.Checksum() == sum {
		t.Error("checksum did not change")
	}
}

func TestEqual(t *testing.T) {
	a := Identity(4)
	b := Identity(4)
	if !a.Equal(b) {
		t.Error("identities differ")
	}
	b.Set(3, 2, 1)
	if a.Equal(b) {
		t.Error("expected matrices to differ")
	}
	if a.Equal(New(2, 8)) {
		t.Error("matrices of different shape compare equal")
	}
	nan := FromData(1, 1, []float64{math.NaN()})
	if !nan.Equal(FromData(1, 1, []float64{math.NaN()})) {
		t.Error("identical NaNs compare unequal")
	}
}

func TestSlice(t *testing.T) {
	m := Random(rand.New(rand.NewSource(1)), 8, 3)
	s := m.Slice(RowRange{2, 5})
	if got, want := s.Shape(), [2]int{3, 3}; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := 0; i < s.Rows; i++ {
		for j := 0; j < s.Cols; j++ {
			if got, want := s.At(i, j), m.At(i+2, j); got != want {
				t.Errorf("(%d,%d): got %v, want %v", i, j, got, want)
			}
		}
	}
}
