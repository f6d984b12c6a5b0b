// Package main provides the voiceloop CLI tool.
//
// Usage:
//
//	voiceloop [flags] <command> [args]
//
// Commands:
//
//	run      - Start an interactive voice conversation
//	devices  - List audio devices
//	speakers - Manage registered speakers
//	config   - Configuration management
//
// Configuration:
//
//	The CLI stores configuration in ~/.voiceloop/
//	Use 'voiceloop config' commands to manage contexts.
package main

import (
	"os"

	"github.com/voiceloop/voiceloop/cmd/voiceloop/commands"
	"github.com/voiceloop/voiceloop/pkg/cli"
)

func main() {
	if err := commands.Execute(); err != nil {
		cli.PrintError("%v", err)
		os.Exit(1)
	}
}
