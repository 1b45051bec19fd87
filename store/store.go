// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package store persists matrices under a storage root, either as a
// single (optionally compressed) file or as a set of row-range parts,
// and maintains a catalog of the stored matrices from which they can
// be reconstructed and verified.
//
// Each save writes its files into a fresh generation directory and
// then replaces the catalog. A save that fails before the catalog is
// replaced leaves the catalog untouched, and files of a superseded
// or deleted matrix are removed only after the catalog no longer
// references them. Storage roots may be any path supported by
// github.com/grailbio/base/file, including S3 URLs.
//
// A Store is owned by a single coordinator: concurrent Stores over
// the same root are not supported.
package store

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/elastic/gosigar"
	"github.com/google/uuid"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmatrix"
)

// DefaultChunkRows is the default number of rows per compressed
// chunk.
const DefaultChunkRows = 1024

// maxParallel bounds the number of part files read or written
// concurrently.
const maxParallel = 16

// Store is a storage root and its catalog.
type Store struct {
	root      string
	chunkRows int

	// beforeCommit is called after data files have been written and
	// before the catalog is replaced. It is used by tests to inject
	// failures.
	beforeCommit func() error

	mu  sync.Mutex
	cat *catalog
}

// An Option configures a Store.
type Option func(*Store)

// ChunkRows sets the number of rows per chunk of compressed single
// files.
func ChunkRows(n int) Option {
	if n <= 0 {
		panic("store.ChunkRows: n <= 0")
	}
	return func(s *Store) {
		s.chunkRows = n
	}
}

// Open opens the storage root at the provided path, loading its
// catalog. Local roots are created if they do not exist.
func Open(ctx context.Context, root string, opts ...Option) (*Store, error) {
	s := &Store{root: root, chunkRows: DefaultChunkRows}
	for _, opt := range opts {
		opt(s)
	}
	if err := mkdirs(root); err != nil {
		return nil, err
	}
	var err error
	s.cat, err = loadCatalog(ctx, s.path(CatalogFile))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the storage root.
func (s *Store) Root() string { return s.root }

func (s *Store) path(rel string) string {
	return file.Join(s.root, rel)
}

// SaveSingle stores m under name in a single file. If compress is
// true, the file is written as zstd-compressed row chunks, each
// carrying a murmur3 checksum of its uncompressed bytes. Loading a
// compressed file without verification still fails on structural
// damage such as a truncated chunk, but chunk checksums and the
// whole-matrix SHA-256 are checked only when verifying. Any previous
// matrix stored under name is replaced.
func (s *Store) SaveSingle(ctx context.Context, name string, m *bigmatrix.Matrix, compress bool) (Record, error) {
	if err := checkMatrix(m); err != nil {
		return Record{}, err
	}
	gen := newGeneration()
	r := Record{
		Mode:       Single,
		Path:       file.Join(gen, "matrix.bmx"),
		Compressed: compress,
	}
	if compress {
		r.ChunkRows = s.chunkRows
		if r.ChunkRows > m.Rows {
			r.ChunkRows = m.Rows
		}
	}
	describe(&r, m)
	err := s.writeFile(ctx, r.Path, m, r.ChunkRows)
	if err != nil {
		s.removeFiles(ctx, []string{r.Path})
		return Record{}, errors.E(fmt.Sprintf("store.SaveSingle %s", name), err)
	}
	if err := s.commit(ctx, name, r); err != nil {
		return Record{}, errors.E(fmt.Sprintf("store.SaveSingle %s", name), err)
	}
	log.Printf("store: saved %s: %dx%d, %s, single file", name, m.Rows, m.Cols, data.Size(r.SizeBytes))
	return r, nil
}

// SaveDistributed stores m under name as numParts files, each holding
// a contiguous range of rows. Rows are assigned to parts as by
// bigmatrix.Partition. Any previous matrix stored under name is
// replaced.
func (s *Store) SaveDistributed(ctx context.Context, name string, m *bigmatrix.Matrix, numParts int) (Record, error) {
	if err := checkMatrix(m); err != nil {
		return Record{}, err
	}
	if numParts < 1 || numParts > m.Rows {
		return Record{}, errors.E(errors.Invalid,
			fmt.Sprintf("store.SaveDistributed %s: cannot store %d rows in %d parts", name, m.Rows, numParts),
			bigmatrix.ErrInvalidPartCount)
	}
	ranges, err := bigmatrix.Partition(m.Rows, numParts)
	if err != nil {
		return Record{}, err
	}
	gen := newGeneration()
	r := Record{Mode: Distributed, NumParts: numParts, Parts: make([]Part, numParts)}
	describe(&r, m)
	for i, rows := range ranges {
		r.Parts[i] = Part{
			PartID: i,
			Path:   file.Join(gen, fmt.Sprintf("part_%03d.bmx", i)),
			Rows:   [2]int{rows.Start, rows.End},
			Shape:  [2]int{rows.Len(), m.Cols},
			SizeMB: megabytes(int64(rows.Len()*m.Cols) * bigmatrix.ElemSize),
		}
	}
	err = traverse.Limit(maxParallel).Each(numParts, func(i int) error {
		return s.writeFile(ctx, r.Parts[i].Path, m.Slice(ranges[i]), 0)
	})
	if err != nil {
		s.removeFiles(ctx, r.Files())
		return Record{}, errors.E(fmt.Sprintf("store.SaveDistributed %s", name), err)
	}
	if err := s.commit(ctx, name, r); err != nil {
		return Record{}, errors.E(fmt.Sprintf("store.SaveDistributed %s", name), err)
	}
	log.Printf("store: saved %s: %dx%d, %s, %d parts", name, m.Rows, m.Cols, data.Size(r.SizeBytes), numParts)
	return r, nil
}

// Commit makes r the record for name, replacing the persisted
// catalog. On failure, the files of r are removed and the catalog is
// left unchanged. On success, the files of any superseded record are
// removed.
func (s *Store) commit(ctx context.Context, name string, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := func() error {
		if s.beforeCommit != nil {
			if err := s.beforeCommit(); err != nil {
				return err
			}
		}
		return s.cat.with(name, r).write(ctx, s.path(CatalogFile))
	}()
	if err != nil {
		s.removeFiles(ctx, r.Files())
		return err
	}
	old, replaced := s.cat.Matrices[name]
	s.cat = s.cat.with(name, r)
	if replaced {
		s.removeFiles(ctx, old.Files())
	}
	return nil
}

// Load reconstructs the matrix stored under name. If verify is true,
// the matrix checksum (and the chunk checksums of compressed files)
// are checked, and a mismatch fails with an error caused by
// bigmatrix.ErrIntegrity. Load fails with an error caused by
// bigmatrix.ErrNotFound if name is not cataloged, and by
// bigmatrix.ErrMissingData if a file it references does not exist.
func (s *Store) Load(ctx context.Context, name string, verify bool) (*bigmatrix.Matrix, error) {
	r, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	m := bigmatrix.New(r.Shape[0], r.Shape[1])
	switch r.Mode {
	case Single:
		err = s.readFile(ctx, r.Path, m, verify)
	case Distributed:
		if err := checkParts(r); err != nil {
			return nil, errors.E(fmt.Sprintf("store.Load %s", name), err)
		}
		// Parts are placed by their row ranges, regardless of the
		// order in which reads complete.
		err = traverse.Limit(maxParallel).Each(len(r.Parts), func(i int) error {
			p := r.Parts[i]
			return s.readFile(ctx, p.Path, m.Slice(bigmatrix.RowRange{Start: p.Rows[0], End: p.Rows[1]}), verify)
		})
	default:
		err = errors.E(errors.Integrity, fmt.Sprintf("unknown storage mode %q", r.Mode), bigmatrix.ErrIntegrity)
	}
	if err != nil {
		return nil, errors.E(fmt.Sprintf("store.Load %s", name), err)
	}
	if verify {
		if sum := m.Checksum(); sum != r.Checksum {
			return nil, errors.E(errors.Integrity,
				fmt.Sprintf("store.Load %s: checksum %s does not match recorded %s", name, sum, r.Checksum),
				bigmatrix.ErrIntegrity)
		}
	}
	return m, nil
}

// Delete removes the matrix stored under name. The catalog entry is
// removed first; its files are then removed on a best-effort basis.
// Delete fails with an error caused by bigmatrix.ErrNotFound if name
// is not cataloged.
func (s *Store) Delete(ctx context.Context, name string) error {
	r, err := s.lookup(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	cat := s.cat.without(name)
	if err := cat.write(ctx, s.path(CatalogFile)); err != nil {
		s.mu.Unlock()
		return errors.E(fmt.Sprintf("store.Delete %s", name), err)
	}
	s.cat = cat
	s.mu.Unlock()
	s.removeFiles(ctx, r.Files())
	log.Printf("store: deleted %s", name)
	return nil
}

// Lookup returns the record of the matrix stored under name.
func (s *Store) Lookup(name string) (Record, error) {
	return s.lookup(name)
}

func (s *Store) lookup(name string) (Record, error) {
	s.mu.Lock()
	r, ok := s.cat.Matrices[name]
	s.mu.Unlock()
	if !ok {
		return Record{}, errors.E(errors.NotExist, fmt.Sprintf("store: matrix %q not found in %s", name, s.root), bigmatrix.ErrNotFound)
	}
	return r, nil
}

// An Entry is a summary of a stored matrix.
type Entry struct {
	Name      string
	Mode      string
	Shape     [2]int
	SizeMB    float64
	Timestamp time.Time
}

// List returns a summary of every stored matrix, ordered by name.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, 0, len(s.cat.Matrices))
	for name, r := range s.cat.Matrices {
		entries = append(entries, Entry{name, r.Mode, r.Shape, r.SizeMB, r.Timestamp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Stats summarizes a storage root.
type Stats struct {
	Matrices   int
	TotalBytes int64
	TotalMB    float64
	Root       string
	// Compressed is the number of stored matrices saved as
	// compressed single files.
	Compressed int
	// Compression names the codec of the stored matrices: "zstd" if
	// any matrix is compressed, "none" otherwise.
	Compression string
	// ChunkRows is the chunk size used for new compressed saves.
	ChunkRows int
	// DiskTotal and DiskAvail are the size and available space of
	// the file system holding a local root. They are zero for object
	// stores.
	DiskTotal, DiskAvail uint64
}

// Stats returns a summary of the storage root.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Matrices:    len(s.cat.Matrices),
		Root:        s.root,
		Compression: "none",
		ChunkRows:   s.chunkRows,
	}
	for _, r := range s.cat.Matrices {
		st.TotalBytes += r.SizeBytes
		if r.Compressed {
			st.Compressed++
		}
	}
	if st.Compressed > 0 {
		st.Compression = "zstd"
	}
	st.TotalMB = megabytes(st.TotalBytes)
	if isLocal(s.root) {
		var usage gosigar.FileSystemUsage
		if err := usage.Get(s.root); err != nil {
			log.Error.Printf("store: file system usage of %s: %v", s.root, err)
		} else {
			st.DiskTotal, st.DiskAvail = usage.Total, usage.Avail
		}
	}
	return st
}

func (s *Store) writeFile(ctx context.Context, rel string, m *bigmatrix.Matrix, chunkRows int) error {
	path := s.path(rel)
	if err := mkdirs(dir(path)); err != nil {
		return err
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f.Writer(ctx))
	if err := writeMatrix(w, m, chunkRows); err != nil {
		f.Discard(ctx)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}

func (s *Store) readFile(ctx context.Context, rel string, m *bigmatrix.Matrix, verify bool) error {
	path := s.path(rel)
	f, err := file.Open(ctx, path)
	if errors.Is(errors.NotExist, err) {
		return errors.E(errors.NotExist, fmt.Sprintf("store: data file %s is missing", path), bigmatrix.ErrMissingData)
	}
	if err != nil {
		return err
	}
	defer f.Close(ctx) // nolint: errcheck
	if err := readMatrix(bufio.NewReader(f.Reader(ctx)), m, verify); err != nil {
		return errors.E(fmt.Sprintf("store: read %s", path), err)
	}
	return nil
}

// RemoveFiles removes the provided files. Failures are logged and
// otherwise ignored: files that are not referenced by the catalog are
// not stored data.
func (s *Store) removeFiles(ctx context.Context, rels []string) {
	dirs := make(map[string]bool)
	for _, rel := range rels {
		path := s.path(rel)
		if err := file.Remove(ctx, path); err != nil && !errors.Is(errors.NotExist, err) {
			log.Error.Printf("store: remove %s: %v", path, err)
		}
		dirs[dir(path)] = true
	}
	for d := range dirs {
		if isLocal(d) {
			// Generation directories are empty once their files are gone.
			_ = os.Remove(d)
		}
	}
}

// CheckParts verifies that a distributed record's parts are ordered
// and cover its rows without gaps.
func checkParts(r Record) error {
	if len(r.Parts) != r.NumParts || len(r.Parts) == 0 {
		return errors.E(errors.Integrity, fmt.Sprintf("record lists %d of %d parts", len(r.Parts), r.NumParts), bigmatrix.ErrIntegrity)
	}
	next := 0
	for i, p := range r.Parts {
		if p.PartID != i || p.Rows[0] != next || p.Rows[1] < p.Rows[0] {
			return errors.E(errors.Integrity, fmt.Sprintf("part %d has rows %v, expected to start at %d", i, p.Rows, next), bigmatrix.ErrIntegrity)
		}
		next = p.Rows[1]
	}
	if next != r.Shape[0] {
		return errors.E(errors.Integrity, fmt.Sprintf("parts cover %d of %d rows", next, r.Shape[0]), bigmatrix.ErrIntegrity)
	}
	return nil
}

func checkMatrix(m *bigmatrix.Matrix) error {
	if m == nil || m.Rows == 0 || m.Cols == 0 || len(m.Data) != m.Rows*m.Cols {
		return errors.E(errors.Invalid, fmt.Sprintf("store: cannot store matrix %v", m))
	}
	return nil
}

// Describe fills in the fields of r that describe the contents of m.
func describe(r *Record, m *bigmatrix.Matrix) {
	r.Shape = m.Shape()
	r.DType = bigmatrix.DType
	r.SizeBytes = m.Size()
	r.SizeMB = megabytes(r.SizeBytes)
	r.Checksum = m.Checksum()
	r.Timestamp = time.Now().UTC().Truncate(time.Second)
}

// NewGeneration returns a fresh directory, relative to the root, for
// the files of one save.
func newGeneration() string {
	return file.Join("data", uuid.New().String())
}

func megabytes(n int64) float64 {
	return float64(n) / (1 << 20)
}

func isLocal(path string) bool {
	scheme, _, err := file.ParsePath(path)
	return err == nil && scheme == ""
}

func dir(path string) string {
	if isLocal(path) {
		return filepath.Dir(path)
	}
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return path
	}
	return path[:i]
}

// Mkdirs creates a local directory and its parents. Object stores
// have no directories.
func mkdirs(path string) error {
	if !isLocal(path) {
		return nil
	}
	if err := os.MkdirAll(path, 0777); err != nil {
		return errors.E(fmt.Sprintf("store: mkdir %s", path), err)
	}
	return nil
}
