// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// CatalogFile is the name of the catalog in a storage root.
const CatalogFile = "storage_metadata.json"

// Storage modes.
const (
	// Single matrices are stored in one file.
	Single = "single"
	// Distributed matrices are stored in one file per row range.
	Distributed = "distributed"
)

// A Record is the catalog entry of a stored matrix. Paths are
// relative to the storage root.
type Record struct {
	Mode      string    `json:"mode"`
	Path      string    `json:"path,omitempty"`
	Shape     [2]int    `json:"shape"`
	DType     string    `json:"dtype"`
	SizeBytes int64     `json:"size_bytes"`
	SizeMB    float64   `json:"size_mb"`
	Checksum  string    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`

	Compressed bool `json:"compressed,omitempty"`
	ChunkRows  int  `json:"chunk_rows,omitempty"`

	NumParts int    `json:"num_parts,omitempty"`
	Parts    []Part `json:"parts,omitempty"`
}

// Files returns the paths of the files backing the record.
func (r Record) Files() []string {
	if r.Mode == Single {
		return []string{r.Path}
	}
	paths := make([]string, len(r.Parts))
	for i, p := range r.Parts {
		paths[i] = p.Path
	}
	return paths
}

// A Part is the catalog entry of one part of a distributed matrix.
// Rows is the half-open row range [start, end) held by the part.
type Part struct {
	PartID int     `json:"part_id"`
	Path   string  `json:"path"`
	Rows   [2]int  `json:"rows"`
	Shape  [2]int  `json:"shape"`
	SizeMB float64 `json:"size_mb"`
}

// A catalog maps names to records. It is persisted as a single JSON
// document.
type catalog struct {
	Matrices map[string]Record `json:"matrices"`
}

func newCatalog() *catalog {
	return &catalog{Matrices: make(map[string]Record)}
}

// With returns a copy of the catalog in which name maps to r.
func (c *catalog) with(name string, r Record) *catalog {
	d := c.without(name)
	d.Matrices[name] = r
	return d
}

// Without returns a copy of the catalog without name.
func (c *catalog) without(name string) *catalog {
	d := newCatalog()
	for k, v := range c.Matrices {
		if k != name {
			d.Matrices[k] = v
		}
	}
	return d
}

// LoadCatalog reads the catalog at path. A missing catalog is empty.
func loadCatalog(ctx context.Context, path string) (*catalog, error) {
	f, err := file.Open(ctx, path)
	if errors.Is(errors.NotExist, err) {
		return newCatalog(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx) // nolint: errcheck
	c := newCatalog()
	if err := json.NewDecoder(f.Reader(ctx)).Decode(c); err != nil {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("store: malformed catalog %s", path), err)
	}
	if c.Matrices == nil {
		c.Matrices = make(map[string]Record)
	}
	return c, nil
}

// Write replaces the catalog at path. The file is written in full
// and becomes visible only when closed, so that readers observe
// either the previous or the new catalog.
func (c *catalog) write(ctx context.Context, path string) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f.Writer(ctx))
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}
