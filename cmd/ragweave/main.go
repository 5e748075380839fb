// Package main provides the entry point for the ragweave CLI.
package main

import (
	"os"

	"github.com/ragweave/ragweave/cmd/ragweave/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
