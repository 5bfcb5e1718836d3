// Package main provides the harvest sidecar. It reads JSON-lines commands on
// stdin, runs connectors in browser sessions and writes events to stdout.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
