// Package main provides the entry point for the themectl CLI.
package main

import (
	"fmt"
	"os"

	"github.com/mlehnert/themectl/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
