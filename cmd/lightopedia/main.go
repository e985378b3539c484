// Package main provides the entry point for the lightopedia CLI.
package main

import (
	"os"

	"github.com/uselight/lightopedia/cmd/lightopedia/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
