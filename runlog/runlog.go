// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package runlog appends the records of completed bigmatrix
// operations to the run logs kept in a results directory: a CSV
// performance log with one row per operation, and a text bottleneck
// log with one block per multiplication. Logs accumulate across runs;
// records are only ever appended.
package runlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/bigmatrix/stats"
)

const (
	// PerfFile is the name of the performance log in a results
	// directory.
	PerfFile = "performance_log.csv"
	// BottleneckFile is the name of the bottleneck log in a results
	// directory.
	BottleneckFile = "bottleneck_analysis.txt"

	timeLayout = "2006-01-02 15:04:05"
	isoLayout  = "2006-01-02T15:04:05.000000"
)

// PerfHeader is the header row of the performance log.
var PerfHeader = []string{"Operation", "Processors", "Time(s)", "MatrixSize", "Timestamp"}

// Operation names as they appear in the performance log.
const (
	Multiply = "Matrix_Multiplication"
	Invert   = "Matrix_Inversion"
)

// A Perf is a row of the performance log.
type Perf struct {
	Operation  string
	Processors int
	Elapsed    time.Duration
	MatrixSize int
	Time       time.Time
}

func (p Perf) record() []string {
	return []string{
		p.Operation,
		strconv.Itoa(p.Processors),
		strconv.FormatFloat(p.Elapsed.Seconds(), 'f', 6, 64),
		strconv.Itoa(p.MatrixSize),
		p.Time.Format(timeLayout),
	}
}

// Logs appends records to the logs kept in a results directory.
type Logs struct {
	dir string
}

// Open returns the logs kept in the local directory dir, creating
// the directory if it does not exist. Logs are appended in place, so
// object-store paths such as S3 URLs are not supported.
func Open(dir string) (*Logs, error) {
	if scheme, _, err := file.ParsePath(dir); err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("runlog.Open %s", dir), err)
	} else if scheme != "" {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("runlog.Open %s: results directory must be local, not %s", dir, scheme))
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.E(fmt.Sprintf("runlog.Open %s", dir), err)
	}
	return &Logs{dir}, nil
}

// PerfPath returns the path of the performance log.
func (l *Logs) PerfPath() string { return filepath.Join(l.dir, PerfFile) }

// BottleneckPath returns the path of the bottleneck log.
func (l *Logs) BottleneckPath() string { return filepath.Join(l.dir, BottleneckFile) }

// AppendPerf appends a row to the performance log. The header is
// written when the log is first created.
func (l *Logs) AppendPerf(p Perf) (err error) {
	f, header, err := openAppend(l.PerfPath())
	if err != nil {
		return err
	}
	defer fileio.CloseAndReport(f, &err)
	w := csv.NewWriter(f)
	if header {
		if err := w.Write(PerfHeader); err != nil {
			return err
		}
	}
	if err := w.Write(p.record()); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// AppendBottleneck appends a bottleneck analysis block to the
// bottleneck log.
func (l *Logs) AppendBottleneck(s stats.Summary) (err error) {
	f, _, err := openAppend(l.BottleneckPath())
	if err != nil {
		return err
	}
	defer fileio.CloseAndReport(f, &err)
	_, err = io.WriteString(f, FormatBottleneck(s))
	return err
}

// FormatBottleneck renders a bottleneck analysis block.
func FormatBottleneck(s stats.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n=== Bottleneck Analysis ===\n")
	fmt.Fprintf(&b, "Processors: %d\n", s.Processors)
	fmt.Fprintf(&b, "Matrix Size: %dx%d\n", s.MatrixSize, s.MatrixSize)
	fmt.Fprintf(&b, "Avg Computation Time: %.6f seconds\n", s.AvgComp.Seconds())
	fmt.Fprintf(&b, "Avg Communication Time: %.6f seconds\n", s.AvgComm.Seconds())
	fmt.Fprintf(&b, "Max Computation Time: %.6f seconds\n", s.MaxComp.Seconds())
	fmt.Fprintf(&b, "Max Communication Time: %.6f seconds\n", s.MaxComm.Seconds())
	fmt.Fprintf(&b, "Communication Overhead: %.2f%%\n", s.Overhead)
	fmt.Fprintf(&b, "Load Imbalance: %.2f%%\n", s.Imbalance)
	fmt.Fprintf(&b, "Timestamp: %s\n", s.Time.Format(isoLayout))
	b.WriteString(strings.Repeat("-", 50) + "\n")
	return b.String()
}

// OpenAppend opens path for appending, creating it if needed. It
// also reports whether the file was empty.
func openAppend(path string) (f *os.File, empty bool, err error) {
	f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
	if err != nil {
		return nil, false, errors.E(fmt.Sprintf("runlog: open %s", path), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, errors.E(fmt.Sprintf("runlog: stat %s", path), err)
	}
	return f, info.Size() == 0, nil
}
