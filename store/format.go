// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmatrix"
	"github.com/spaolacci/murmur3"
)

// Matrix files begin with a fixed-size header:
//
//	magic     [4]byte "BMX1"
//	flags     uint32
//	rows      uint64
//	cols      uint64
//	chunkRows uint64
//
// All integers are little-endian. Uncompressed files follow the
// header with rows*cols float64 elements in row-major order.
// Compressed files follow it with ceil(rows/chunkRows) chunks, each
// of chunkRows rows (the last may be shorter):
//
//	length    uint32  length of the compressed chunk
//	sum       uint32  murmur3 hash of the uncompressed chunk
//	data      [length]byte  zstd-compressed chunk elements
const headerSize = 4 + 4 + 8 + 8 + 8

var magic = [4]byte{'B', 'M', 'X', '1'}

const flagCompressed = 1 << 0

type header struct {
	flags      uint32
	rows, cols int
	chunkRows  int
}

func (h header) compressed() bool { return h.flags&flagCompressed != 0 }

func (h header) marshal() []byte {
	b := make([]byte, headerSize)
	copy(b, magic[:])
	binary.LittleEndian.PutUint32(b[4:], h.flags)
	binary.LittleEndian.PutUint64(b[8:], uint64(h.rows))
	binary.LittleEndian.PutUint64(b[16:], uint64(h.cols))
	binary.LittleEndian.PutUint64(b[24:], uint64(h.chunkRows))
	return b
}

func (h *header) unmarshal(b []byte) error {
	if !bytes.Equal(b[:4], magic[:]) {
		return corrupt(fmt.Sprintf("bad magic %q", b[:4]))
	}
	h.flags = binary.LittleEndian.Uint32(b[4:])
	h.rows = int(binary.LittleEndian.Uint64(b[8:]))
	h.cols = int(binary.LittleEndian.Uint64(b[16:]))
	h.chunkRows = int(binary.LittleEndian.Uint64(b[24:]))
	if h.rows < 0 || h.cols < 0 || (h.compressed() && h.chunkRows <= 0) {
		return corrupt(fmt.Sprintf("bad header %+v", *h))
	}
	return nil
}

func corrupt(msg string) error {
	return errors.E(errors.Integrity, "store: corrupt matrix file: "+msg, bigmatrix.ErrIntegrity)
}

// WriteMatrix writes m to w in the matrix file format. If
// chunkRows > 0, the matrix is written as compressed chunks of
// chunkRows rows.
func writeMatrix(w io.Writer, m *bigmatrix.Matrix, chunkRows int) error {
	h := header{rows: m.Rows, cols: m.Cols}
	if chunkRows > 0 {
		h.flags |= flagCompressed
		h.chunkRows = chunkRows
	}
	if _, err := w.Write(h.marshal()); err != nil {
		return err
	}
	if !h.compressed() {
		return writeElems(w, m.Data)
	}
	var (
		raw, compressed []byte
		buf             bytes.Buffer
		prefix          [8]byte
	)
	for start := 0; start < m.Rows; start += chunkRows {
		end := start + chunkRows
		if end > m.Rows {
			end = m.Rows
		}
		raw = bigmatrix.AppendBytes(raw[:0], m.Data[start*m.Cols:end*m.Cols])
		buf.Reset()
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return err
		}
		if _, err := zw.Write(raw); err != nil {
			zw.Close()
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		compressed = buf.Bytes()
		binary.LittleEndian.PutUint32(prefix[:4], uint32(len(compressed)))
		binary.LittleEndian.PutUint32(prefix[4:], murmur3.Sum32(raw))
		if _, err := w.Write(prefix[:]); err != nil {
			return err
		}
		if _, err := w.Write(compressed); err != nil {
			return err
		}
	}
	return nil
}

// elemsPerWrite bounds the size of the buffer used to encode
// uncompressed elements.
const elemsPerWrite = 1 << 14

func writeElems(w io.Writer, elems []float64) error {
	var b []byte
	for len(elems) > 0 {
		n := len(elems)
		if n > elemsPerWrite {
			n = elemsPerWrite
		}
		b = bigmatrix.AppendBytes(b[:0], elems[:n])
		if _, err := w.Write(b); err != nil {
			return err
		}
		elems = elems[n:]
	}
	return nil
}

// ReadHeader reads and validates a matrix file header.
func readHeader(r io.Reader) (header, error) {
	var (
		h header
		b = make([]byte, headerSize)
	)
	if _, err := io.ReadFull(r, b); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return h, corrupt("short header")
		}
		return h, err
	}
	return h, h.unmarshal(b)
}

// ReadMatrix reads a matrix in the matrix file format from r into
// dst, which must have the shape recorded in the file. If verify is
// true, chunk checksums of compressed files are checked. Malformed
// files fail with an integrity error.
func readMatrix(r io.Reader, dst *bigmatrix.Matrix, verify bool) error {
	h, err := readHeader(r)
	if err != nil {
		return err
	}
	if h.rows != dst.Rows || h.cols != dst.Cols {
		return corrupt(fmt.Sprintf("file is %dx%d, expected %dx%d", h.rows, h.cols, dst.Rows, dst.Cols))
	}
	if !h.compressed() {
		return readElems(r, dst.Data)
	}
	var prefix [8]byte
	for start := 0; start < h.rows; start += h.chunkRows {
		end := start + h.chunkRows
		if end > h.rows {
			end = h.rows
		}
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			return truncated(err)
		}
		var (
			n   = binary.LittleEndian.Uint32(prefix[:4])
			sum = binary.LittleEndian.Uint32(prefix[4:])
		)
		elems := dst.Data[start*h.cols : end*h.cols]
		if bound := compressBound(len(elems) * bigmatrix.ElemSize); int64(n) > int64(bound) {
			return corrupt(fmt.Sprintf("chunk at row %d has length %d, exceeding bound %d", start, n, bound))
		}
		compressed := make([]byte, n)
		if _, err := io.ReadFull(r, compressed); err != nil {
			return truncated(err)
		}
		zr, err := zstd.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return corrupt(fmt.Sprintf("chunk at row %d: %v", start, err))
		}
		// Read one byte past the expected size so that oversized
		// chunks are detected without decoding them in full.
		raw, err := ioutil.ReadAll(io.LimitReader(zr, int64(len(elems)*bigmatrix.ElemSize)+1))
		zr.Close()
		if err != nil {
			return corrupt(fmt.Sprintf("chunk at row %d: %v", start, err))
		}
		if len(raw) != len(elems)*bigmatrix.ElemSize {
			return corrupt(fmt.Sprintf("chunk at row %d has %d bytes, expected %d", start, len(raw), len(elems)*bigmatrix.ElemSize))
		}
		if verify && murmur3.Sum32(raw) != sum {
			return corrupt(fmt.Sprintf("chunk at row %d: checksum mismatch", start))
		}
		bigmatrix.DecodeBytes(elems, raw)
	}
	return nil
}

// CompressBound returns the largest compressed size of a chunk of n
// bytes: zstd's worst-case expansion plus room for the frame header.
func compressBound(n int) int {
	return n + n>>8 + 4<<10
}

func readElems(r io.Reader, elems []float64) error {
	b := make([]byte, elemsPerWrite*bigmatrix.ElemSize)
	for len(elems) > 0 {
		n := len(elems)
		if n > elemsPerWrite {
			n = elemsPerWrite
		}
		if _, err := io.ReadFull(r, b[:n*bigmatrix.ElemSize]); err != nil {
			return truncated(err)
		}
		bigmatrix.DecodeBytes(elems[:n], b[:n*bigmatrix.ElemSize])
		elems = elems[n:]
	}
	return nil
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return corrupt("truncated file")
	}
	return err
}
