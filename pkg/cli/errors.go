/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cli

import (
	"fmt"
	"os"
)

// CLIError represents a CLI error with suggestions.
type CLIError struct {
	Message     string
	Detail      string
	Suggestions []string
	ExitCode    int
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	return e.Message
}

// Print prints the error with formatting.
func (e *CLIError) Print() {
	fmt.Printf("\n%s %s\n", ErrorIcon(), Error(e.Message))
	
	if e.Detail != "" {
		fmt.Printf("  %s\n", Dimmed(e.Detail))
	}
	
	if len(e.Suggestions) > 0 {
		fmt.Println()
		fmt.Printf("  %s\n", Highlight("Suggestions:"))
		for _, s := range e.Suggestions {
			fmt.Printf("    • %s\n", s)
		}
	}
	fmt.Println()
}

// Exit prints the error and exits with the error code.
func (e *CLIError) Exit() {
	e.Print()
	os.Exit(e.ExitCode)
}

// NewCLIError creates a new CLI error.
func NewCLIError(message string) *CLIError {
	return &CLIError{
		Message:  message,
		ExitCode: 1,
	}
}

// WithDetail adds detail to the error.
func (e *CLIError) WithDetail(detail string) *CLIError {
	e.Detail = detail
	return e
}

// WithSuggestion adds a suggestion to the error.
func (e *CLIError) WithSuggestion(suggestion string) *CLIError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithExitCode sets the exit code.
func (e *CLIError) WithExitCode(code int) *CLIError {
	e.ExitCode = code
	return e
}

// Common CLI errors with helpful suggestions, covering the failure
// modes an operator actually hits running a sweep (spec §7).

// ErrPhyUnreachable creates a PHY control-endpoint connection error.
func ErrPhyUnreachable(ctrlPort int, err error) *CLIError {
	return NewCLIError("Failed to reach the PHY control endpoint").
		WithDetail(fmt.Sprintf("127.0.0.1:%d - %v", ctrlPort, err)).
		WithSuggestion("Ensure the PHY simulator or SDR bridge process is running").
		WithSuggestion(fmt.Sprintf("Check that something is listening on UDP port %d", ctrlPort)).
		WithExitCode(1)
}

// ErrLinkBindFailed creates a data-link socket bind error. A bind failure
// is one of the two fatal cases named in wcerrors' package doc (the other
// is CategoryConfig), although CategoryTransport.Fatal() reports false.
func ErrLinkBindFailed(port int, err error) *CLIError {
	return NewCLIError("Failed to bind the node's UDP data link").
		WithDetail(fmt.Sprintf("127.0.0.1:%d - %v", port, err)).
		WithSuggestion("Check whether another wc-node process already owns that port").
		WithExitCode(1)
}

// ErrInvalidCommand creates an invalid shell-command error.
func ErrInvalidCommand(cmd string) *CLIError {
	return NewCLIError(fmt.Sprintf("Unknown command: %s", cmd)).
		WithSuggestion("Type 'help' for a list of available commands")
}

// ErrMissingArgument creates a missing flag error.
func ErrMissingArgument(arg, usage string) *CLIError {
	return NewCLIError(fmt.Sprintf("Missing required flag: %s", arg)).
		WithSuggestion(fmt.Sprintf("Usage: %s", usage))
}

// ErrInvalidValue creates an invalid config-value error (wcerrors'
// CategoryConfig, always fatal with exit code 1 per spec §6).
func ErrInvalidValue(field, value, reason string) *CLIError {
	return NewCLIError(fmt.Sprintf("Invalid value for %s: %s", field, value)).
		WithDetail(reason).
		WithExitCode(1)
}

// ErrConfigNotFound creates a config file not found error.
func ErrConfigNotFound(path string) *CLIError {
	return NewCLIError("Configuration file not found").
		WithDetail(fmt.Sprintf("Could not find: %s", path)).
		WithSuggestion("Pass the sweep parameters as flags instead").
		WithSuggestion("Run with --help to see available options").
		WithExitCode(1)
}

// ErrOutputDirNotWritable creates an artifact output-directory error.
func ErrOutputDirNotWritable(dir string, err error) *CLIError {
	return NewCLIError("Cannot write the result artifact").
		WithDetail(fmt.Sprintf("%s - %v", dir, err)).
		WithSuggestion("Check the output directory's permissions").
		WithSuggestion("Pass a different --out-dir").
		WithExitCode(1)
}

