// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"math"
	"testing"
	"time"
)

func TestMap(t *testing.T) {
	m := NewMap()
	var (
		x = m.Int("x")
		_ = m.Int("y")
	)
	x.Add(123)
	x.Add(123)
	if got, want := x.Get(), int64(123*2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := m.Snapshot()
	all.Merge(m.Snapshot())
	if got, want := len(all), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["x"], int64(123*4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all.String(), "x:492 y:0"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var nilMap *Map
	nilMap.Int("z").Add(1)
	if got, want := len(nilMap.Snapshot()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReduce(t *testing.T) {
	s := Reduce(8, []Timing{
		{Comp: 1 * time.Second, Comm: 1 * time.Second},
		{Comp: 2 * time.Second, Comm: 0},
		{Comp: 3 * time.Second, Comm: 2 * time.Second},
	})
	if got, want := s.Processors, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.AvgComp, 2*time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.MaxComp, 3*time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.AvgComm, time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.MaxComm, 2*time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// 1/(2+1)
	if got, want := s.Overhead, 100.0/3; math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
	// (3-2)/2
	if got, want := s.Imbalance, 50.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReduceZero(t *testing.T) {
	s := Reduce(4, []Timing{{}, {}})
	if s.Overhead != 0 || s.Imbalance != 0 {
		t.Errorf("got overhead %v, imbalance %v, want 0, 0", s.Overhead, s.Imbalance)
	}
	if got, want := Reduce(4, nil).Processors, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTimingFloats(t *testing.T) {
	timings := []Timing{
		{Comp: 1500 * time.Millisecond, Comm: 250 * time.Millisecond},
		{Comp: 2 * time.Second, Comm: time.Second},
	}
	var f []float64
	for _, tm := range timings {
		f = append(f, tm.Floats()...)
	}
	got := TimingsFromFloats(f)
	if len(got) != len(timings) {
		t.Fatalf("got %v, want %v", got, timings)
	}
	for i := range got {
		if got[i] != timings[i] {
			t.Errorf("got %v, want %v", got[i], timings[i])
		}
	}
}
