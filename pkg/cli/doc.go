// Package cli provides common utilities for the voiceloop command-line
// tool.
//
// This package includes:
//   - Configuration management (named credential contexts)
//   - Output formatting (JSON, YAML, raw)
//   - Request file loading (YAML/JSON)
//   - Conversation transcript rendering
//
// Configuration is stored in ~/.voiceloop/, supporting multiple
// contexts similar to kubectl.
//
// Example usage:
//
//	cfg, err := cli.LoadConfig()
//
//	// Resolve a context by name, or the current one
//	ctx, err := cfg.ResolveContext("")
//
//	// Output result
//	cli.Output(result, cli.OutputOptions{
//	    Format: cli.FormatJSON,
//	    File:   outputPath,
//	})
package cli
