// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmatrix/monitor"
	"github.com/grailbio/bigmatrix/store"
)

func init() {
	config.Register("bigmatrix", func(inst *config.Constructor) {
		var (
			p         int
			system    bigmachine.System
			kernel    string
			storage   string
			compress  bool
			chunkRows int
			persist   string
			results   string
			monitorOn bool
			trace     string
		)
		inst.IntVar(&p, "parallelism", 4, "number of participants in the process group, including the coordinator")
		inst.InstanceVar(&system, "system", "", "the bigmachine system on which workers run; workers are local goroutines if empty")
		inst.StringVar(&kernel, "kernel", "dense", "the local compute kernel: dense or naive")
		inst.StringVar(&storage, "store", "data/distributed", "the storage root in which results are persisted")
		inst.BoolVar(&compress, "compress", true, "compress single-file results")
		inst.IntVar(&chunkRows, "chunk-rows", store.DefaultChunkRows, "rows per compressed chunk")
		inst.StringVar(&persist, "persist", PersistDistributed, "how results are persisted: distributed, single, or none")
		inst.StringVar(&results, "results", "results", "the directory of the performance, bottleneck, and monitoring logs")
		inst.BoolVar(&monitorOn, "monitor", true, "sample the coordinator's runtime while the session runs")
		inst.StringVar(&trace, "trace", "", "path to which a trace of the session is written on shutdown")
		inst.Doc = "bigmatrix configures the bigmatrix runtime"
		inst.New = func() (interface{}, error) {
			options := []Option{
				Parallelism(p),
				Kernel(kernel),
				Storage(storage),
				Compress(compress),
				ChunkRows(chunkRows),
				Persist(persist),
				Results(results),
				TracePath(trace),
			}
			if system != nil {
				options = append(options, Bigmachine(system))
			} else {
				options = append(options, Local)
			}
			if monitorOn {
				options = append(options, Monitor(monitor.DefaultInterval))
			}
			return Start(options...)
		}
	})
}
