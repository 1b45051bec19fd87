// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"fmt"
	"time"
)

// Timing is the time one participant spent in an operation, split
// into time spent in the local kernel and time spent in collectives.
type Timing struct {
	Comp, Comm time.Duration
}

// Floats returns the timing as seconds, in the order (comp, comm).
// This is the form in which timings are gathered to the coordinator.
func (t Timing) Floats() []float64 {
	return []float64{t.Comp.Seconds(), t.Comm.Seconds()}
}

// TimingsFromFloats decodes the timings of consecutive participants
// as produced by Timing.Floats.
func TimingsFromFloats(f []float64) []Timing {
	timings := make([]Timing, len(f)/2)
	for i := range timings {
		timings[i] = Timing{
			Comp: seconds(f[2*i]),
			Comm: seconds(f[2*i+1]),
		}
	}
	return timings
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// A Summary is the bottleneck analysis of one operation across all
// participants.
type Summary struct {
	// Processors is the number of participants.
	Processors int
	// MatrixSize is the dimension N of the N×N operands.
	MatrixSize int

	AvgComp, MaxComp time.Duration
	AvgComm, MaxComm time.Duration

	// Overhead is the share of communication in the average
	// participant's time, in percent.
	Overhead float64
	// Imbalance is how much longer the slowest participant computed
	// than the average participant, in percent of the average.
	Imbalance float64

	Time time.Time
}

// Reduce computes the bottleneck summary of an operation on an n×n
// matrix from the timings of all participants, indexed by rank.
// Overhead is zero when no time was measured, and imbalance is zero
// when no computation time was measured.
func Reduce(n int, timings []Timing) Summary {
	s := Summary{Processors: len(timings), MatrixSize: n, Time: time.Now()}
	if len(timings) == 0 {
		return s
	}
	var comp, comm time.Duration
	for _, t := range timings {
		comp += t.Comp
		comm += t.Comm
		if t.Comp > s.MaxComp {
			s.MaxComp = t.Comp
		}
		if t.Comm > s.MaxComm {
			s.MaxComm = t.Comm
		}
	}
	s.AvgComp = comp / time.Duration(len(timings))
	s.AvgComm = comm / time.Duration(len(timings))
	if total := s.AvgComp + s.AvgComm; total > 0 {
		s.Overhead = s.AvgComm.Seconds() / total.Seconds() * 100
	}
	if s.AvgComp > 0 {
		s.Imbalance = (s.MaxComp - s.AvgComp).Seconds() / s.AvgComp.Seconds() * 100
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("processors:%d n:%d comp(avg/max):%s/%s comm(avg/max):%s/%s overhead:%.2f%% imbalance:%.2f%%",
		s.Processors, s.MatrixSize, s.AvgComp, s.MaxComp, s.AvgComm, s.MaxComm, s.Overhead, s.Imbalance)
}
