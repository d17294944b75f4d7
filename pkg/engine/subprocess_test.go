package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExecSubprocessExitCodes(t *testing.T) {
	exec := NewExecSubprocess()

	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"success", "true", 0},
		{"failure", "exit 3", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := exec.Run(context.Background(), Command{Script: tt.script})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.ExitCode != tt.want {
				t.Errorf("exit code = %d, want %d", res.ExitCode, tt.want)
			}
		})
	}
}

func TestExecSubprocessCapturesOutput(t *testing.T) {
	exec := NewExecSubprocess()

	res, err := exec.Run(context.Background(), Command{Script: "echo out; echo err 1>&2"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Errorf("output missing streams: %q", res.Output)
	}
}

func TestExecSubprocessStdin(t *testing.T) {
	exec := NewExecSubprocess()

	res, err := exec.Run(context.Background(), Command{Script: "cat", Stdin: []byte("payload")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "payload" {
		t.Errorf("output = %q, want %q", res.Output, "payload")
	}
}

func TestExecSubprocessSurfacesCancellation(t *testing.T) {
	exec := NewExecSubprocess()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := exec.Run(ctx, Command{Script: "sleep 5"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
	// The kill must not be dressed up as a step failure.
	if CodeOf(err) != "" {
		t.Errorf("cancellation classified as %s, want unclassified", CodeOf(err))
	}
}
