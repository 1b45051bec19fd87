// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package matconfig provides a mechanism to create a bigmatrix
// session from a shared configuration. Matconfig uses the
// configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.bigmatrix/config. Storage roots may be S3 URLs; results
// directories, to which run logs are appended, must be local.
package matconfig

import (
	"flag"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigmatrix/exec"
)

// Path determines the location of the bigmatrix profile read
// by Parse.
var Path = os.ExpandEnv("$HOME/.bigmatrix/config")

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

// Parse registers configuration flags and calls flag.Parse. It reads
// bigmatrix configuration from Path defined in this package. Parse
// returns the session as configured by the configuration and any
// flags provided. Parse panics if session creation fails. The
// returned shutdown function releases the session's workers and
// writes its logs; it should be called before the program exits.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("bigmatrix", &sess)
	return sess, sess.Shutdown
}
