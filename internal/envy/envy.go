// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

// Package envy lets environment variables supply values for command line
// flags.  A flag named "maxDownloads" with prefix "IMAGEFETCH" is read from
// IMAGEFETCH_MAXDOWNLOADS.  Flags given explicitly on the command line
// always win over the environment.
package envy

import (
	"flag"
	"fmt"
	"strings"
)

// VarName returns the environment variable consulted for the flag name.
func VarName(prefix, name string) string {
	v := strings.ToUpper(name)
	if prefix != "" {
		v = strings.ToUpper(prefix) + "_" + v
	}
	return strings.ReplaceAll(v, "-", "_")
}

// Update sets every flag in fs that was not set explicitly to the value
// of its environment variable, as reported by lookup (usually
// os.LookupEnv).  It must be called after fs.Parse.  Empty variables
// are ignored.  The variable name is appended to each flag's usage.
func Update(prefix string, fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		name := VarName(prefix, f.Name)
		f.Usage = fmt.Sprintf("%s [%s]", f.Usage, name)

		if explicit[f.Name] || err != nil {
			return
		}
		if val, ok := lookup(name); ok && val != "" {
			if serr := fs.Set(f.Name, val); serr != nil {
				err = fmt.Errorf("invalid value %q for %s: %w", val, name, serr)
			}
		}
	})
	return err
}
