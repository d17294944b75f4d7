package engine

import (
	"context"
	"testing"
)

func TestClassifyStepFailure(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		output   string
		wantClass Class
	}{
		{"curl dns failure", 6, "curl: (6) Could not resolve host", ClassTransient},
		{"curl connect failure", 7, "curl: (7) Failed to connect", ClassTransient},
		{"curl timeout", 28, "", ClassTransient},
		{"connection refused in output", 1, "connect: connection refused", ClassTransient},
		{"name resolution", 1, "Temporary failure in name resolution", ClassTransient},
		{"plain failure", 1, "E: Unable to locate package foo", ClassPermanent},
		{"http 404", 22, "The requested URL returned error: 404", ClassPermanent},
		{"checksum mismatch stays permanent", 1, "checksum verification failed: connection reset", ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyStepFailure("step", tt.exitCode, tt.output)
			if err.Class != tt.wantClass {
				t.Errorf("class = %s, want %s", err.Class, tt.wantClass)
			}
			if err.Code != CodeStepFailed {
				t.Errorf("code = %s, want %s", err.Code, CodeStepFailed)
			}
			if err.ExitCode != tt.exitCode {
				t.Errorf("exit code = %d, want %d", err.ExitCode, tt.exitCode)
			}
		})
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(CodeStepFailed, "permanent", nil)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (permanent errors never retry)", calls)
	}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return Transient(CodeStepFailed, "blip", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return Transient(CodeStepFailed, "blip", nil)
	})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryAttemptBound(t *testing.T) {
	// MaxAttempts is a constant, so it must be usable as an array length.
	var schedule [MaxAttempts]struct{}
	if len(schedule) != len(retryDelays)+1 {
		t.Errorf("MaxAttempts = %d, want %d", len(schedule), len(retryDelays)+1)
	}
}

func TestTruncateOutput(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}

	got := TruncateOutput(string(long), 100)
	if len(got) > 150 {
		t.Errorf("truncated output too long: %d", len(got))
	}

	short := "short output"
	if TruncateOutput(short, 100) != short {
		t.Error("short output should pass through unchanged")
	}
}
