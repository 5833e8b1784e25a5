// Package cli provides common utilities for the timao command-line tool.
//
// This package includes:
//   - Configuration management (named server contexts)
//   - Output formatting (YAML, JSON, raw)
//   - Request file loading (YAML/JSON)
//   - jq-style output filtering
//   - Terminal UI building blocks for the live monitor
//
// Configuration is stored in ~/.timao/config.yaml, supporting multiple
// contexts similar to kubectl so one CLI can talk to several servers.
//
// Example usage:
//
//	// Load the CLI config
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
