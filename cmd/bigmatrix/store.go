// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmatrix/exec"
)

func storeCmd(sess *exec.Session, args []string) {
	if len(args) == 0 {
		flag.Usage()
	}
	st := sess.Store()
	if st == nil {
		log.Fatal("session has no storage root")
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown store command", cmd)
		flag.Usage()
	case "list":
		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "name\tmode\tshape\tsize\tcreated")
		for _, e := range st.List() {
			fmt.Fprintf(tw, "%s\t%s\t%dx%d\t%.2f MB\t%s\n",
				e.Name, e.Mode, e.Shape[0], e.Shape[1], e.SizeMB, e.Timestamp.Format(time.RFC3339))
		}
		tw.Flush()
	case "stats":
		s := st.Stats()
		fmt.Printf("root: %s\n", s.Root)
		fmt.Printf("matrices: %d\n", s.Matrices)
		fmt.Printf("total size: %s\n", data.Size(s.TotalBytes))
		fmt.Printf("compression: %s (%d of %d matrices, %d rows per chunk)\n", s.Compression, s.Compressed, s.Matrices, s.ChunkRows)
		if s.DiskTotal > 0 {
			fmt.Printf("disk: %s available of %s\n", data.Size(s.DiskAvail), data.Size(s.DiskTotal))
		}
	case "verify":
		for _, name := range args {
			m, err := st.Load(sess, name, true)
			if err != nil {
				log.Fatal(err)
			}
			fmt.Printf("%s: %dx%d ok (sha256 %s)\n", name, m.Rows, m.Cols, m.Checksum())
		}
	case "delete":
		for _, name := range args {
			if err := st.Delete(sess, name); err != nil {
				log.Fatal(err)
			}
			fmt.Printf("%s: deleted\n", name)
		}
	}
}
