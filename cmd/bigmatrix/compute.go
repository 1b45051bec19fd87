// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmatrix"
	"github.com/grailbio/bigmatrix/exec"
	"github.com/grailbio/bigmatrix/runlog"
)

const (
	productName = "matrix_C"
	inverseName = "matrix_inv"
)

func multiplyCmd(sess *exec.Session, args []string) {
	flags := flag.NewFlagSet("multiply", flag.ExitOnError)
	n := flags.Int("n", 4096, "dimension of the square operands")
	seed := flags.Int64("seed", time.Now().UnixNano(), "seed of the random operands")
	name := flags.String("name", productName, "name under which the product is stored")
	flags.Parse(args)
	res := multiply(sess, *n, *seed, *name)
	printResult(os.Stdout, sess, res)
}

func invertCmd(sess *exec.Session, args []string) {
	flags := flag.NewFlagSet("invert", flag.ExitOnError)
	n := flags.Int("n", 512, "dimension of the square operand")
	seed := flags.Int64("seed", time.Now().UnixNano(), "seed of the random operand")
	name := flags.String("name", inverseName, "name under which the inverse is stored")
	flags.Parse(args)
	res := invert(sess, *n, *seed, *name)
	printResult(os.Stdout, sess, res)
}

func runCmd(sess *exec.Session, args []string) {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	n := flags.Int("n", 4096, "dimension of the multiplied matrices")
	ninv := flags.Int("ninv", 512, "dimension of the inverted matrix")
	seed := flags.Int64("seed", time.Now().UnixNano(), "seed of the random operands")
	flags.Parse(args)
	start := time.Now()
	mult := multiply(sess, *n, *seed, productName)
	printResult(os.Stdout, sess, mult)
	inv := invert(sess, *ninv, *seed+1, inverseName)
	printResult(os.Stdout, sess, inv)

	fmt.Println("execution summary:")
	fmt.Printf("\ttotal time: %s\n", time.Since(start))
	fmt.Printf("\tmatrix multiplication: %.4fs\n", mult.Elapsed.Seconds())
	fmt.Printf("\tmatrix inversion: %.4fs\n", inv.Elapsed.Seconds())
	fmt.Printf("\tcommunication overhead: %.1f%%\n", mult.Summary.Overhead)
}

func multiply(sess *exec.Session, n int, seed int64, name string) *exec.Result {
	r := rand.New(rand.NewSource(seed))
	a, b := bigmatrix.Random(r, n, n), bigmatrix.Random(r, n, n)
	log.Printf("multiplying %dx%d matrices on %d participants", n, n, sess.Parallelism())
	res, err := sess.Multiply(sess, name, a, b)
	if err != nil {
		log.Fatal(err)
	}
	return res
}

func invert(sess *exec.Session, n int, seed int64, name string) *exec.Result {
	a := bigmatrix.Random(rand.New(rand.NewSource(seed)), n, n)
	log.Printf("inverting %dx%d matrix", n, n)
	res, err := sess.Invert(sess, name, a)
	if err != nil {
		log.Fatal(err)
	}
	return res
}

func printResult(w *os.File, sess *exec.Session, res *exec.Result) {
	fmt.Fprintf(w, "%s: %dx%d on %d participants in %.4fs\n",
		res.Op, res.Matrix.Rows, res.Matrix.Cols, res.Processors, res.Elapsed.Seconds())
	if res.Op == runlog.Multiply {
		fmt.Fprint(w, runlog.FormatBottleneck(res.Summary))
	}
	if res.Name != "" {
		fmt.Fprintf(w, "stored as %s (%s, %.2f MB) in %s\n", res.Name, res.Record.Mode, res.Record.SizeMB, sess.Store().Root())
	}
}
