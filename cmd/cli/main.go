// Package main is the entry point for mailctl.
// mailctl is the operator terminal tool for the bulk-mail queue API.
package main

import (
	"os"

	"bulkmail/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
