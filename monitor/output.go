// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package monitor

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/file"
)

// A Summary summarizes a monitoring session.
type Summary struct {
	DurationSeconds float64        `json:"duration_seconds"`
	Samples         int            `json:"samples_collected"`
	CPU             CPUSummary     `json:"cpu"`
	Memory          MemorySummary  `json:"memory"`
	Network         NetworkSummary `json:"network"`
	Disk            DiskSummary    `json:"disk"`
	Runtime         RuntimeSummary `json:"runtime"`
}

// CPUSummary summarizes the CPU series.
type CPUSummary struct {
	Cores      int     `json:"num_cores"`
	AvgPercent float64 `json:"avg_percent"`
	MaxPercent float64 `json:"max_percent"`
}

// MemorySummary summarizes the memory series.
type MemorySummary struct {
	TotalMB    float64 `json:"total_mb"`
	PeakUsedMB float64 `json:"peak_used_mb"`
	AvgPercent float64 `json:"avg_percent"`
	MaxPercent float64 `json:"max_percent"`
}

// NetworkSummary holds the network traffic of the session.
type NetworkSummary struct {
	SentMB      float64 `json:"total_sent_mb"`
	RecvMB      float64 `json:"total_recv_mb"`
	PacketsSent uint64  `json:"total_packets_sent"`
	PacketsRecv uint64  `json:"total_packets_recv"`
}

// DiskSummary holds the disk traffic of the session.
type DiskSummary struct {
	ReadMB   float64 `json:"total_read_mb"`
	WriteMB  float64 `json:"total_write_mb"`
	ReadOps  uint64  `json:"total_read_ops"`
	WriteOps uint64  `json:"total_write_ops"`
}

// RuntimeSummary summarizes the Go runtime series.
type RuntimeSummary struct {
	PeakHeapMB     float64 `json:"peak_heap_mb"`
	PeakGoroutines int     `json:"peak_goroutines"`
	NumGC          uint32  `json:"num_gc"`
	GCPauseMillis  float64 `json:"gc_pause_ms"`
}

// Summary returns the summary of the samples taken so far.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.end
	if end.IsZero() {
		end = time.Now()
	}
	s := Summary{
		DurationSeconds: end.Sub(m.start).Seconds(),
		Samples:         len(m.cpu),
	}
	s.CPU.Cores = m.cores
	for _, c := range m.cpu {
		s.CPU.AvgPercent += c.Total
		if c.Total > s.CPU.MaxPercent {
			s.CPU.MaxPercent = c.Total
		}
	}
	for _, mm := range m.memory {
		s.Memory.AvgPercent += mm.Percent
		if mm.Percent > s.Memory.MaxPercent {
			s.Memory.MaxPercent = mm.Percent
		}
		if used := megabytes(mm.Used); used > s.Memory.PeakUsedMB {
			s.Memory.PeakUsedMB = used
		}
	}
	if n := len(m.cpu); n > 0 {
		s.CPU.AvgPercent /= float64(n)
	}
	if n := len(m.memory); n > 0 {
		s.Memory.AvgPercent /= float64(n)
		s.Memory.TotalMB = megabytes(m.memory[0].Total)
	}
	if n := len(m.network); n > 0 {
		last := m.network[n-1]
		s.Network = NetworkSummary{megabytes(last.BytesSent), megabytes(last.BytesRecv), last.PacketsSent, last.PacketsRecv}
	}
	if n := len(m.disk); n > 0 {
		last := m.disk[n-1]
		s.Disk = DiskSummary{megabytes(last.ReadBytes), megabytes(last.WriteBytes), last.ReadCount, last.WriteCount}
	}
	for _, r := range m.runtime {
		if h := megabytes(r.HeapAlloc); h > s.Runtime.PeakHeapMB {
			s.Runtime.PeakHeapMB = h
		}
		if r.Goroutines > s.Runtime.PeakGoroutines {
			s.Runtime.PeakGoroutines = r.Goroutines
		}
	}
	if n := len(m.runtime); n > 0 {
		first, last := m.runtime[0], m.runtime[n-1]
		s.Runtime.NumGC = last.NumGC - first.NumGC
		s.Runtime.GCPauseMillis = float64(last.PauseTotal-first.PauseTotal) / float64(time.Millisecond)
	}
	return s
}

// Series names, in the order in which Save writes them.
var series = []string{"cpu", "memory", "network", "disk", "runtime"}

// Save writes each series as a CSV file and the summary as a JSON
// document to directory dir, which may be any path supported by
// github.com/grailbio/base/file. File names are
// <prefix>_<series>_<start time>; Save returns the paths written.
func (m *Monitor) Save(ctx context.Context, dir, prefix string) ([]string, error) {
	m.mu.Lock()
	stamp := m.start.Format("20060102_150405")
	tables := map[string][][]string{
		"cpu":     {{"timestamp", "cpu_percent_total", "cpu_percent_per_core", "cpu_freq_current", "num_cores", "load_avg_1", "load_avg_5", "load_avg_15"}},
		"memory":  {{"timestamp", "total_mb", "available_mb", "used_mb", "percent", "swap_total_mb", "swap_used_mb", "swap_percent"}},
		"network": {{"timestamp", "bytes_sent", "bytes_recv", "packets_sent", "packets_recv", "errin", "errout"}},
		"disk":    {{"timestamp", "read_bytes", "write_bytes", "read_count", "write_count"}},
		"runtime": {{"timestamp", "goroutines", "heap_alloc_mb", "num_gc", "gc_pause_ms"}},
	}
	for _, c := range m.cpu {
		perCore := make([]string, len(c.PerCore))
		for i, p := range c.PerCore {
			perCore[i] = pct(p)
		}
		tables["cpu"] = append(tables["cpu"], []string{
			seconds(c.Elapsed), pct(c.Total), strings.Join(perCore, " "), pct(c.FreqMHz),
			strconv.Itoa(c.Cores), pct(c.Load1), pct(c.Load5), pct(c.Load15),
		})
	}
	for _, s := range m.memory {
		tables["memory"] = append(tables["memory"], []string{
			seconds(s.Elapsed), mb(s.Total), mb(s.Available), mb(s.Used), pct(s.Percent),
			mb(s.SwapTotal), mb(s.SwapUsed), pct(s.SwapPercent),
		})
	}
	for _, s := range m.network {
		tables["network"] = append(tables["network"], []string{
			seconds(s.Elapsed), u64(s.BytesSent), u64(s.BytesRecv), u64(s.PacketsSent),
			u64(s.PacketsRecv), u64(s.ErrIn), u64(s.ErrOut),
		})
	}
	for _, s := range m.disk {
		tables["disk"] = append(tables["disk"], []string{
			seconds(s.Elapsed), u64(s.ReadBytes), u64(s.WriteBytes), u64(s.ReadCount), u64(s.WriteCount),
		})
	}
	for _, s := range m.runtime {
		tables["runtime"] = append(tables["runtime"], []string{
			seconds(s.Elapsed), strconv.Itoa(s.Goroutines), mb(s.HeapAlloc),
			strconv.FormatUint(uint64(s.NumGC), 10),
			strconv.FormatFloat(float64(s.PauseTotal)/float64(time.Millisecond), 'f', 3, 64),
		})
	}
	m.mu.Unlock()

	var paths []string
	for _, name := range series {
		path := file.Join(dir, fmt.Sprintf("%s_%s_%s.csv", prefix, name, stamp))
		if err := writeCSV(ctx, path, tables[name]); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	path := file.Join(dir, fmt.Sprintf("%s_summary_%s.json", prefix, stamp))
	if err := writeJSON(ctx, path, m.Summary()); err != nil {
		return paths, err
	}
	paths = append(paths, path)
	return paths, nil
}

func writeCSV(ctx context.Context, path string, records [][]string) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f.Writer(ctx))
	if err := w.WriteAll(records); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}

func writeJSON(ctx context.Context, path string, v interface{}) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f.Writer(ctx))
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}

func megabytes(n uint64) float64 { return float64(n) / (1 << 20) }

func mb(n uint64) string { return strconv.FormatFloat(megabytes(n), 'f', 3, 64) }

func pct(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

func u64(n uint64) string { return strconv.FormatUint(n, 10) }

func seconds(d time.Duration) string { return strconv.FormatFloat(d.Seconds(), 'f', 3, 64) }
