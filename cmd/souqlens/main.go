// Package main is the entry point for the souqlens CLI.
package main

import (
	"os"

	"github.com/souqlens/souqlens/cmd/souqlens/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
