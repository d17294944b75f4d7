// Package commands wires the caldera CLI: plan resolution, the install
// run, undo surfaces, and inspection commands.
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/calderahq/caldera/pkg/registry"
	"github.com/calderahq/caldera/pkg/telemetry"
)

// Process exit codes: 0 success, 1 run failure (rollback attempted) or
// interruption, 2 hard error before execution began.
const (
	exitOK   = 0
	exitRun  = 1
	exitHard = 2
)

var (
	// Persistent flags
	stateDir  string
	overlay   string
	policyDir string
	logLevel  string
	logFormat string

	toolVersion string
)

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) int {
	toolVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// RunE implementations print their own diagnostics and encode the
		// exit code in the returned error.
		if ec, ok := err.(exitError); ok {
			return int(ec)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitHard
	}
	return exitOK
}

// exitError carries a process exit code through cobra's error return.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit code %d", int(e)) }

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "caldera",
		Short: "Caldera - resumable machine provisioning",
		Long: `Caldera provisions a development machine from a declarative module graph.

Every run is crash-safe and resumable: progress is tracked in a versioned
state file, every mutation lands in an append-only change journal with
content-addressed backups, and a failed run rolls its changes back in
reverse order. Interrupting a run never rolls back; re-running resumes
where it stopped.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", defaultStateDir(), "state directory")
	rootCmd.PersistentFlags().StringVar(&overlay, "overlay", "", "YAML module overlay file")
	rootCmd.PersistentFlags().StringVar(&policyDir, "policy-dir", "", "directory of extra .rego policies")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json; default auto-detect)")

	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newUndoCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}

func defaultStateDir() string {
	if dir := os.Getenv("CALDERA_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".caldera"
	}
	return filepath.Join(home, ".local", "state", "caldera")
}

func newLogger() (zerolog.Logger, error) {
	return telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  logLevel,
		Format: logFormat,
	})
}

func loadRegistry() (*registry.Registry, error) {
	if overlay != "" {
		return registry.LoadWithOverlay(overlay)
	}
	return registry.LoadBuiltin()
}

// fail prints the error and returns the exit code wrapped for Execute.
func fail(code int, err error) error {
	fmt.Fprintln(os.Stderr, "error:", err)
	return exitError(code)
}
