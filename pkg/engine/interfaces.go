package engine

import (
	"context"
	"time"
)

// Reporter is the narrow presentation interface the core reports through.
// Phase and step transitions are announced here; the orchestrator must work
// identically when every method is a no-op, and control flow never depends
// on reporter output.
type Reporter interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	Success(msg string)
}

// NopReporter discards all output. Used in tests and as the default.
type NopReporter struct{}

func (NopReporter) Info(string)    {}
func (NopReporter) Warn(string)    {}
func (NopReporter) Error(string)   {}
func (NopReporter) Success(string) {}

// VerifiedFetcher is the external collaborator that resolves an installer
// reference (URL or identifier) to verified content. The core only requires
// that it returns verified bytes or fails; fetching and checksum
// verification are implemented elsewhere.
type VerifiedFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Command describes a subprocess invocation.
type Command struct {
	// Argv is the command and its arguments. When empty, Script is run
	// through the shell instead.
	Argv []string

	// Script is a shell command line, run via "sh -c" when Argv is empty.
	Script string

	// Env holds additional environment variables as KEY=VALUE pairs.
	Env []string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// Stdin is piped to the process when non-nil.
	Stdin []byte

	// Elevated runs the command under sudo.
	Elevated bool
}

// Result captures a completed subprocess.
type Result struct {
	// ExitCode is the process exit code. -1 when the process did not start
	// or was killed by a signal.
	ExitCode int

	// Output is the combined stdout and stderr.
	Output string

	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// Subprocess is the process-execution capability injected into the phase
// runner and the undo engine. Injecting it keeps every mutating action
// mockable in tests.
type Subprocess interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}
