//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	if _, err := parseOptions(os.Args[1:]); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "sandbox-init: %v\n", err)
		os.Exit(exitCodeOf(err))
	}
	_, _ = fmt.Fprintln(os.Stderr, "sandbox-init: namespaces are only supported on linux")
	os.Exit(exitNamespace)
}
