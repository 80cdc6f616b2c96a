// Package main is the entry point for the auralens CLI.
//
// Usage:
//
//	auralens [flags] <command> [args]
//
// Commands:
//
//	serve     - Run the live orchestration server
//	simulate  - Play a scripted session against a server
//	sessions  - Inspect archived sessions
//	version   - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/auralens/auralens/cmd/auralens/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
