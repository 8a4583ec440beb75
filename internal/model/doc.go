// Package model defines the domain types and value objects for the
// segeval CLI.
//
// This package contains pure data structures with no external dependencies:
// the parsed run options (RunOptions), per-sample inference results
// (Result), palette colors, exit codes (ExitCode), and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
//
// RunOptions is constructed once at startup from CLI flags and is read-only
// afterwards. Its Validate method enforces the usage contract before any
// expensive resource (config, dataset, model) is touched.
package model
