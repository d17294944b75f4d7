package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// ExecSubprocess runs commands with os/exec. Elevated commands are wrapped
// in sudo; callers are expected to have passwordless sudo configured for an
// unattended run, which the preflight phase verifies.
type ExecSubprocess struct {
	// Shell is the shell used for Script commands. Defaults to /bin/sh.
	Shell string
}

// NewExecSubprocess returns a subprocess executor using /bin/sh for scripts.
func NewExecSubprocess() *ExecSubprocess {
	return &ExecSubprocess{Shell: "/bin/sh"}
}

// Run executes the command, blocking until it exits or ctx is cancelled.
// A non-zero exit is not an error here: the caller inspects Result.ExitCode
// and classifies the failure. When ctx is cancelled the child is killed and
// ctx.Err() is returned, so callers see an interruption rather than a step
// failure. Otherwise an error means the process could not be started at all.
func (s *ExecSubprocess) Run(ctx context.Context, cmd Command) (Result, error) {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var argv []string
	switch {
	case len(cmd.Argv) > 0 && cmd.Elevated:
		argv = append([]string{"sudo", "-n"}, cmd.Argv...)
	case len(cmd.Argv) > 0:
		argv = cmd.Argv
	case cmd.Elevated:
		argv = []string{"sudo", "-n", shell, "-c", cmd.Script}
	default:
		argv = []string{shell, "-c", cmd.Script}
	}

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if cmd.Dir != "" {
		c.Dir = cmd.Dir
	}
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	start := time.Now()
	err := c.Run()
	res := Result{
		ExitCode: 0,
		Output:   out.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			res.ExitCode = -1
			return res, cerr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, Permanent(CodeStepFailed, "failed to start command", err)
	}

	return res, nil
}

// TruncateOutput bounds captured subprocess output for error reporting.
// The tail is kept because installers print the actionable failure last.
func TruncateOutput(out string, max int) string {
	if len(out) <= max {
		return out
	}
	return "... (truncated) ..." + out[len(out)-max:]
}
