// Package main is the homestock client: a local household cache that works
// offline and syncs with the homestock server.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
