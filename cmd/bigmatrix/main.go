// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigmatrix multiplies and inverts dense matrices across a
// bigmatrix process group, and manages the matrices it stores.
// The session is configured through the bigmatrix profile; see
// package github.com/grailbio/bigmatrix/matconfig.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigmatrix/matconfig"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Bigmatrix computes with dense matrices on a process group.

Usage:

	bigmatrix [flags] <command> [arguments]

The commands are:

	run           multiply, then invert, and print a summary
	multiply      multiply two random matrices
	invert        invert a random matrix
	store list    list the stored matrices
	store stats   print storage statistics
	store verify  load a stored matrix and verify its checksums
	store delete  delete a stored matrix

Flags:

`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("bigmatrix: ")
	must.Func = log.Fatal
	flag.Usage = usage
	// In bigmachine worker processes, Parse does not return.
	sess, shutdown := matconfig.Parse()
	defer shutdown()
	if flag.NArg() == 0 {
		flag.Usage()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "run":
		runCmd(sess, args)
	case "multiply":
		multiplyCmd(sess, args)
	case "invert":
		invertCmd(sess, args)
	case "store":
		storeCmd(sess, args)
	}
}
