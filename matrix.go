// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmatrix

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
)

// DType is the element type tag recorded for stored matrices.
const DType = "float64"

// ElemSize is the encoded size of a single matrix element, in bytes.
const ElemSize = 8

// A Matrix is a dense matrix of float64 values stored in row-major
// order. Row i occupies Data[i*Cols : (i+1)*Cols].
type Matrix struct {
	Rows, Cols int
	Data       []float64
}

// New returns a zero-valued rows×cols matrix.
func New(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromData returns a rows×cols matrix backed by data. FromData
// panics if len(data) != rows*cols.
func FromData(rows, cols int, data []float64) *Matrix {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("bigmatrix.FromData: %d elements for a %dx%d matrix", len(data), rows, cols))
	}
	return &Matrix{Rows: rows, Cols: cols, Data: data}
}

// Identity returns the n×n identity matrix.
func Identity(n int) *Matrix {
	m := New(n, n)
	for i := 0; i < n; i++ {
		m.Data[i*n+i] = 1
	}
	return m
}

// Random returns a rows×cols matrix with elements drawn uniformly
// from [0, 1) using r.
func Random(r *rand.Rand, rows, cols int) *Matrix {
	m := New(rows, cols)
	for i := range m.Data {
		m.Data[i] = r.Float64()
	}
	return m
}

// At returns the element at row i, column j.
func (m *Matrix) At(i, j int) float64 { return m.Data[i*m.Cols+j] }

// Set sets the element at row i, column j.
func (m *Matrix) Set(i, j int, v float64) { m.Data[i*m.Cols+j] = v }

// Row returns row i. The returned slice aliases the matrix.
func (m *Matrix) Row(i int) []float64 { return m.Data[i*m.Cols : (i+1)*m.Cols] }

// Slice returns the rows in r as a matrix that aliases m.
func (m *Matrix) Slice(r RowRange) *Matrix {
	return &Matrix{Rows: r.Len(), Cols: m.Cols, Data: m.Data[r.Start*m.Cols : r.End*m.Cols]}
}

// Size returns the raw size of the matrix elements in bytes.
func (m *Matrix) Size() int64 { return int64(len(m.Data)) * ElemSize }

// Shape returns the matrix dimensions.
func (m *Matrix) Shape() [2]int { return [2]int{m.Rows, m.Cols} }

// Equal tells whether m and other have the same shape and bitwise
// identical elements. Unlike ==, NaN elements with the same bit
// pattern compare equal.
func (m *Matrix) Equal(other *Matrix) bool {
	if m.Rows != other.Rows || m.Cols != other.Cols || len(m.Data) != len(other.Data) {
		return false
	}
	for i := range m.Data {
		if math.Float64bits(m.Data[i]) != math.Float64bits(other.Data[i]) {
			return false
		}
	}
	return true
}

// AppendBytes appends the little-endian encoding of elems to b.
func AppendBytes(b []byte, elems []float64) []byte {
	var buf [ElemSize]byte
	for _, v := range elems {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		b = append(b, buf[:]...)
	}
	return b
}

// DecodeBytes decodes little-endian elements from b into elems.
// DecodeBytes panics if len(b) != len(elems)*ElemSize.
func DecodeBytes(elems []float64, b []byte) {
	if len(b) != len(elems)*ElemSize {
		panic(fmt.Sprintf("bigmatrix.DecodeBytes: %d bytes for %d elements", len(b), len(elems)))
	}
	for i := range elems {
		elems[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*ElemSize:]))
	}
}

// Checksum returns the hex-encoded SHA-256 digest of the raw
// little-endian element bytes of m, in row-major order.
func (m *Matrix) Checksum() string {
	h := sha256.New()
	const elemsPerWrite = 1 << 10
	buf := make([]byte, 0, elemsPerWrite*ElemSize)
	for off := 0; off < len(m.Data); off += elemsPerWrite {
		end := off + elemsPerWrite
		if end > len(m.Data) {
			end = len(m.Data)
		}
		buf = AppendBytes(buf[:0], m.Data[off:end])
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Matrix) String() string {
	return fmt.Sprintf("matrix(%dx%d)", m.Rows, m.Cols)
}
