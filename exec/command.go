// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"os"
	"strings"
)

// shellQuote quotes a string to be used as an argument in an sh
// command line. Strings made only of characters that need no quoting
// are returned as is.
func shellQuote(s string) string {
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_=./:,@") == "" {
		return s
	}
	// Single quotes are closed, escaped, and reopened.
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// command returns the command line of the current process, in a form
// that can be pasted into sh. It is attached to session events.
func command() string {
	args := make([]string, len(os.Args))
	for i, arg := range os.Args {
		args[i] = shellQuote(arg)
	}
	return strings.Join(args, " ")
}
