// Package main is the homestock sync server: the household store, the
// change log, and the change feed behind a gin HTTP API.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
