// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package monitor samples the resources of the coordinator's host
// while a computation runs. CPU, memory and swap, network and disk
// I/O, and Go runtime statistics are polled on an interval; each
// series is saved as a CSV file, and a summary as a JSON document,
// to a results directory when monitoring stops.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// DefaultInterval is the default sampling interval.
const DefaultInterval = 500 * time.Millisecond

// A CPUSample is one sample of the CPU series.
type CPUSample struct {
	Elapsed time.Duration
	// Total is the utilization of all cores, in percent.
	Total float64
	// PerCore is the utilization of each core, in percent.
	PerCore []float64
	FreqMHz float64
	Cores   int
	Load1   float64
	Load5   float64
	Load15  float64
}

// A MemorySample is one sample of the memory series.
type MemorySample struct {
	Elapsed     time.Duration
	Total       uint64
	Available   uint64
	Used        uint64
	Percent     float64
	SwapTotal   uint64
	SwapUsed    uint64
	SwapPercent float64
}

// A NetworkSample holds the network counters accumulated since
// monitoring started, over all interfaces.
type NetworkSample struct {
	Elapsed     time.Duration
	BytesSent   uint64
	BytesRecv   uint64
	PacketsSent uint64
	PacketsRecv uint64
	ErrIn       uint64
	ErrOut      uint64
}

// A DiskSample holds the disk counters accumulated since monitoring
// started, over all devices.
type DiskSample struct {
	Elapsed    time.Duration
	ReadBytes  uint64
	WriteBytes uint64
	ReadCount  uint64
	WriteCount uint64
}

// A RuntimeSample is one sample of the Go runtime of the process.
type RuntimeSample struct {
	Elapsed    time.Duration
	Goroutines int
	HeapAlloc  uint64
	NumGC      uint32
	PauseTotal time.Duration
}

// A Monitor samples the host from Start until Stop.
type Monitor struct {
	interval time.Duration
	start    time.Time
	cancel   func()
	done     chan struct{}

	// Counters at the start of monitoring, from which the network
	// and disk series are measured.
	net0  NetworkSample
	disk0 DiskSample
	freq  float64
	cores int
	// failed records the series whose sampling failed, so that each
	// failure is logged once.
	failed map[string]bool

	mu      sync.Mutex
	cpu     []CPUSample
	memory  []MemorySample
	network []NetworkSample
	disk    []DiskSample
	runtime []RuntimeSample
	end     time.Time
}

// Start starts a monitor that samples the host every interval.
func Start(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		interval: interval,
		start:    time.Now(),
		cancel:   cancel,
		done:     make(chan struct{}),
		failed:   make(map[string]bool),
	}
	m.net0 = m.readNetwork()
	m.disk0 = m.readDisk()
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		m.freq = infos[0].Mhz
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		m.cores = n
	} else {
		m.cores = runtime.NumCPU()
	}
	// Prime the utilization counters: the first reading is measured
	// from boot.
	_, _ = cpu.Percent(0, false)
	_, _ = cpu.Percent(0, true)
	m.sample()
	go m.loop(ctx)
	log.Printf("monitor: started (interval %s, %d cores)", interval, m.cores)
	return m
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	tick := time.NewTicker(m.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			m.sample()
		}
	}
}

// Fail logs the first sampling failure of a series.
func (m *Monitor) fail(series string, err error) {
	if m.failed[series] {
		return
	}
	m.failed[series] = true
	log.Error.Printf("monitor: sampling %s: %v", series, err)
}

func (m *Monitor) readNetwork() NetworkSample {
	var s NetworkSample
	counters, err := net.IOCounters(false)
	if err != nil || len(counters) == 0 {
		if err == nil {
			err = fmt.Errorf("no interfaces")
		}
		m.fail("network", err)
		return s
	}
	c := counters[0]
	s.BytesSent, s.BytesRecv = c.BytesSent, c.BytesRecv
	s.PacketsSent, s.PacketsRecv = c.PacketsSent, c.PacketsRecv
	s.ErrIn, s.ErrOut = c.Errin, c.Errout
	return s
}

func (m *Monitor) readDisk() DiskSample {
	var s DiskSample
	counters, err := disk.IOCounters()
	if err != nil {
		m.fail("disk", err)
		return s
	}
	for _, c := range counters {
		s.ReadBytes += c.ReadBytes
		s.WriteBytes += c.WriteBytes
		s.ReadCount += c.ReadCount
		s.WriteCount += c.WriteCount
	}
	return s
}

// Since returns the counter increase from start to now. Counters
// that were reset read as zero.
func since(now, start uint64) uint64 {
	if now < start {
		return 0
	}
	return now - start
}

// Sample takes one sample of every series. Sample is called only by
// Start, the sampling loop, and Stop, which never run concurrently.
func (m *Monitor) sample() {
	elapsed := time.Since(m.start)

	c := CPUSample{Elapsed: elapsed, FreqMHz: m.freq, Cores: m.cores}
	if total, err := cpu.Percent(0, false); err != nil {
		m.fail("cpu", err)
	} else if len(total) > 0 {
		c.Total = total[0]
	}
	if perCore, err := cpu.Percent(0, true); err == nil {
		c.PerCore = perCore
	}
	if avg, err := load.Avg(); err == nil {
		c.Load1, c.Load5, c.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	mm := MemorySample{Elapsed: elapsed}
	if vm, err := mem.VirtualMemory(); err != nil {
		m.fail("memory", err)
	} else {
		mm.Total, mm.Available, mm.Used, mm.Percent = vm.Total, vm.Available, vm.Used, vm.UsedPercent
	}
	if swap, err := mem.SwapMemory(); err != nil {
		m.fail("swap", err)
	} else {
		mm.SwapTotal, mm.SwapUsed, mm.SwapPercent = swap.Total, swap.Used, swap.UsedPercent
	}

	n := m.readNetwork()
	n.Elapsed = elapsed
	n.BytesSent = since(n.BytesSent, m.net0.BytesSent)
	n.BytesRecv = since(n.BytesRecv, m.net0.BytesRecv)
	n.PacketsSent = since(n.PacketsSent, m.net0.PacketsSent)
	n.PacketsRecv = since(n.PacketsRecv, m.net0.PacketsRecv)

	d := m.readDisk()
	d.Elapsed = elapsed
	d.ReadBytes = since(d.ReadBytes, m.disk0.ReadBytes)
	d.WriteBytes = since(d.WriteBytes, m.disk0.WriteBytes)
	d.ReadCount = since(d.ReadCount, m.disk0.ReadCount)
	d.WriteCount = since(d.WriteCount, m.disk0.WriteCount)

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	r := RuntimeSample{
		Elapsed:    elapsed,
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  stats.HeapAlloc,
		NumGC:      stats.NumGC,
		PauseTotal: time.Duration(stats.PauseTotalNs),
	}

	m.mu.Lock()
	m.cpu = append(m.cpu, c)
	m.memory = append(m.memory, mm)
	m.network = append(m.network, n)
	m.disk = append(m.disk, d)
	m.runtime = append(m.runtime, r)
	m.mu.Unlock()
}

// Stop stops sampling, taking a final sample. It returns the summary
// of the session. Stop may be called more than once.
func (m *Monitor) Stop() Summary {
	m.cancel()
	<-m.done
	m.mu.Lock()
	stopped := !m.end.IsZero()
	m.mu.Unlock()
	if !stopped {
		m.sample()
		m.mu.Lock()
		m.end = time.Now()
		m.mu.Unlock()
	}
	s := m.Summary()
	log.Printf("monitor: stopped after %.2fs: %d samples, cpu avg %.1f%% peak %.1f%%, peak memory used %s, peak heap %s",
		s.DurationSeconds, s.Samples, s.CPU.AvgPercent, s.CPU.MaxPercent,
		data.Size(int64(s.Memory.PeakUsedMB*(1<<20))), data.Size(int64(s.Runtime.PeakHeapMB*(1<<20))))
	return s
}
