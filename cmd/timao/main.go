// Package main is the entry point for the timao CLI.
//
// Usage:
//
//	timao [flags] <command> [subcommand] [args]
//
// Commands:
//
//	serve      - Run the analysis server
//	sessions   - Manage live sessions (start, stop, push, danmu)
//	persona    - Inspect and edit stored host personas
//	monitor    - Follow an entity's advice stream in the terminal
//	config     - Client context management
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/cmd/timao/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
