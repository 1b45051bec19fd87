// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bufio"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmatrix"
	"github.com/grailbio/bigmatrix/internal/trace"
	"github.com/grailbio/bigmatrix/runlog"
	"github.com/grailbio/bigmatrix/store"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func init() {
	log.AddFlags()
}

func startSession(t *testing.T, options ...Option) *Session {
	t.Helper()
	sess, err := Start(options...)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestSessionMultiply(t *testing.T) {
	for _, p := range []int{1, 2, 3, 8} {
		sess := startSession(t, Local, Parallelism(p), Persist(PersistNone))
		var (
			ctx = context.Background()
			r   = rand.New(rand.NewSource(int64(p)))
			b   = bigmatrix.Random(r, 8, 8)
		)
		res, err := sess.Multiply(ctx, "", bigmatrix.Identity(8), b)
		assert.NoError(t, err)
		if !res.Matrix.Equal(b) {
			t.Errorf("p=%d: identity product differs from operand", p)
		}
		expect.EQ(t, res.Processors, p)
		expect.EQ(t, res.Summary.Processors, p)
		expect.EQ(t, res.Summary.MatrixSize, 8)
		expect.EQ(t, res.Op, runlog.Multiply)

		// The session may be reused.
		a := bigmatrix.Random(r, 8, 8)
		res, err = sess.Multiply(ctx, "", a, b)
		assert.NoError(t, err)
		want := bigmatrix.New(8, 8)
		for i := 0; i < 8; i++ {
			for j := 0; j < 8; j++ {
				var sum float64
				for k := 0; k < 8; k++ {
					sum += a.At(i, k) * b.At(k, j)
				}
				want.Set(i, j, sum)
			}
		}
		for i := range want.Data {
			if d := want.Data[i] - res.Matrix.Data[i]; d > 1e-9 || d < -1e-9 {
				t.Fatalf("p=%d: element %d: got %v, want %v", p, i, res.Matrix.Data[i], want.Data[i])
			}
		}
		sess.Shutdown()
		sess.Shutdown()
	}
}

func TestSessionNaiveKernel(t *testing.T) {
	sess := startSession(t, Parallelism(3), Kernel("naive"), Persist(PersistNone))
	defer sess.Shutdown()
	b := bigmatrix.Random(rand.New(rand.NewSource(1)), 10, 10)
	res, err := sess.Multiply(context.Background(), "", bigmatrix.Identity(10), b)
	assert.NoError(t, err)
	expect.True(t, res.Matrix.Equal(b))
}

func TestSessionOptions(t *testing.T) {
	_, err := Start(Persist("sometimes"))
	expect.True(t, errors.Is(errors.Invalid, err))
	_, err = Start(Kernel("quantum"))
	expect.True(t, errors.Is(errors.NotExist, err))
}

func TestSessionPersist(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	var (
		storage = filepath.Join(dir, "data")
		results = filepath.Join(dir, "results")
		ctx     = context.Background()
		r       = rand.New(rand.NewSource(2))
	)
	sess := startSession(t, Parallelism(3), Storage(storage), Results(results), Monitor(10*time.Millisecond))
	a, b := bigmatrix.Random(r, 8, 8), bigmatrix.Random(r, 8, 8)
	res, err := sess.Multiply(ctx, "matrix_C", a, b)
	assert.NoError(t, err)
	expect.EQ(t, res.Name, "matrix_C")
	expect.EQ(t, res.Record.Mode, store.Distributed)
	expect.EQ(t, res.Record.NumParts, 3)
	expect.EQ(t, res.Record.Checksum, res.Matrix.Checksum())

	inv, err := sess.Invert(ctx, "matrix_inv", bigmatrix.Identity(4))
	assert.NoError(t, err)
	for i, v := range bigmatrix.Identity(4).Data {
		if d := v - inv.Matrix.Data[i]; d > 1e-12 || d < -1e-12 {
			t.Errorf("inverse element %d: got %v, want %v", i, inv.Matrix.Data[i], v)
		}
	}
	expect.EQ(t, inv.Op, runlog.Invert)

	m, err := sess.Store().Load(ctx, "matrix_C", true)
	assert.NoError(t, err)
	expect.True(t, m.Equal(res.Matrix))
	sess.Shutdown()

	// Logs outlive the session: a second session appends to them.
	sess = startSession(t, Parallelism(2), Storage(storage), Results(results), Persist(PersistSingle))
	res, err = sess.Multiply(ctx, "matrix_C", a, b)
	assert.NoError(t, err)
	expect.EQ(t, res.Record.Mode, store.Single)
	m, err = sess.Store().Load(ctx, "matrix_C", true)
	assert.NoError(t, err)
	expect.True(t, m.Equal(res.Matrix))
	sess.Shutdown()

	lines := readLines(t, filepath.Join(results, runlog.PerfFile))
	assert.EQ(t, len(lines), 4)
	expect.EQ(t, lines[0], strings.Join(runlog.PerfHeader, ","))
	expect.True(t, strings.HasPrefix(lines[1], runlog.Multiply+",3,"))
	expect.True(t, strings.HasPrefix(lines[2], runlog.Invert+",3,"))
	expect.True(t, strings.HasPrefix(lines[3], runlog.Multiply+",2,"))

	var blocks int
	for _, line := range readLines(t, filepath.Join(results, runlog.BottleneckFile)) {
		if line == "=== Bottleneck Analysis ===" {
			blocks++
		}
	}
	expect.EQ(t, blocks, 2)

	matches, err := filepath.Glob(filepath.Join(results, "bigmatrix_np3_*"))
	assert.NoError(t, err)
	// CPU, memory, network, disk and runtime series, and a summary.
	expect.EQ(t, len(matches), 6)
}

func TestSessionFailure(t *testing.T) {
	sess := startSession(t, Parallelism(3), Persist(PersistNone))
	defer sess.Shutdown()
	ctx := context.Background()
	_, err := sess.Multiply(ctx, "", bigmatrix.New(7, 7), bigmatrix.New(8, 8))
	if !bigmatrix.Is(err, bigmatrix.ErrScatterSizeMismatch) {
		t.Fatalf("got %v, want scatter size mismatch", err)
	}
	// The group cannot be used after a failed collective.
	_, err = sess.Multiply(ctx, "", bigmatrix.Identity(8), bigmatrix.Identity(8))
	expect.True(t, errors.Is(errors.Precondition, err))
	// Inversion does not involve the group.
	if _, err := sess.Invert(ctx, "", bigmatrix.Identity(3)); err != nil {
		t.Error(err)
	}
}

func TestSessionSingular(t *testing.T) {
	sess := startSession(t, Parallelism(2), Persist(PersistNone))
	defer sess.Shutdown()
	_, err := sess.Invert(context.Background(), "", bigmatrix.New(3, 3))
	expect.True(t, bigmatrix.Is(err, bigmatrix.ErrSingular))
}

func TestSessionTrace(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "trace.json")
	sess := startSession(t, Parallelism(3), Persist(PersistNone), TracePath(path))
	_, err := sess.Multiply(context.Background(), "", bigmatrix.Identity(6), bigmatrix.Identity(6))
	assert.NoError(t, err)
	sess.Shutdown()

	f, err := os.Open(path)
	assert.NoError(t, err)
	defer f.Close()
	var tr trace.T
	assert.NoError(t, tr.Decode(f))
	phases := make(map[int]int)
	for _, e := range tr.Events {
		if e.Ph == trace.Complete {
			expect.EQ(t, e.Cat, runlog.Multiply)
			phases[e.Pid]++
		}
	}
	expect.EQ(t, phases, map[int]int{0: 2, 1: 2, 2: 2})
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	assert.NoError(t, err)
	defer f.Close()
	var lines []string
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		lines = append(lines, scan.Text())
	}
	assert.NoError(t, scan.Err())
	return lines
}
