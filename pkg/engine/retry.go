package engine

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Backoff schedule for transient failures: retry immediately, then after a
// few seconds, then after tens of seconds. Attempts are bounded; permanent
// errors never retry.
var retryDelays = [...]time.Duration{0, 3 * time.Second, 15 * time.Second}

// MaxAttempts is the total number of attempts for a retryable operation.
const MaxAttempts = len(retryDelays) + 1

// transientPatterns match subprocess/network output that indicates a
// failure worth retrying. HTTP 4xx and checksum failures are deliberately
// absent: those are permanent.
var transientPatterns = []string{
	"could not resolve",
	"temporary failure in name resolution",
	"connection refused",
	"connection reset",
	"connection timed out",
	"operation timed out",
	"tls handshake timeout",
	"network is unreachable",
	"temporarily unavailable",
	"timeout was reached",
}

// curl exit codes for DNS, connect, and timeout failures.
var transientExitCodes = map[int]bool{
	6:  true, // could not resolve host
	7:  true, // failed to connect
	28: true, // operation timeout
	35: true, // TLS connect error
	56: true, // recv failure
}

// ClassifyStepFailure turns a non-zero subprocess exit into a classified
// STEP_FAILED error, transient or permanent depending on exit code and
// output pattern.
func ClassifyStepFailure(step string, exitCode int, output string) *Error {
	msg := "step exited with code " + strconv.Itoa(exitCode)
	if isTransientFailure(exitCode, output) {
		return Transient(CodeStepFailed, msg, nil).WithStep(step).WithExitCode(exitCode)
	}
	return Permanent(CodeStepFailed, msg, nil).WithStep(step).WithExitCode(exitCode)
}

func isTransientFailure(exitCode int, output string) bool {
	if transientExitCodes[exitCode] {
		return true
	}
	lower := strings.ToLower(output)
	if strings.Contains(lower, "checksum") {
		return false
	}
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Retry runs fn up to MaxAttempts times, sleeping the backoff schedule
// between attempts. Only transient errors are retried; a permanent error or
// context cancellation returns immediately.
func Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !IsRetryable(last) {
			return last
		}
	}
	return last
}
