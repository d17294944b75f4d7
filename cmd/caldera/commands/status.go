package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/registry"
	"github.com/calderahq/caldera/pkg/state"
)

func newStatusCommand() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show installation state",
		Long: `Print the persisted installation state: mode, completed and pending
phases, the failure context if the last run failed, and per-phase
durations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return fail(exitHard, err)
			}

			mgr := state.NewManager(stateDir, registry.PhaseIDs(), logger, engine.NopReporter{})
			verdict, st := mgr.Validate()

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"verdict": verdict,
					"state":   st,
				})
			}

			switch verdict {
			case state.VerdictFresh:
				fmt.Println("no installation state; nothing has run yet")
				return nil
			case state.VerdictValid, state.VerdictLegacySchema:
				printState(st, verdict)
				return nil
			default:
				fmt.Printf("state file is %s: %s\n", verdict, mgr.Path())
				fmt.Println("run `caldera install` to back it up and start fresh, or inspect it manually")
				return exitError(exitHard)
			}
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func printState(st *state.InstallationState, verdict state.Verdict) {
	fmt.Printf("mode: %s (tool %s, schema v%d)\n", st.Mode, st.ToolVersion, st.SchemaVersion)
	fmt.Printf("started: %s, last updated: %s\n",
		st.StartedAt.Format("2006-01-02 15:04:05"), st.LastUpdated.Format("2006-01-02 15:04:05"))
	if verdict == state.VerdictLegacySchema {
		fmt.Println("note: state uses a legacy schema; it will be migrated on the next run")
	}

	done := make(map[string]bool, len(st.CompletedPhases))
	for _, id := range st.CompletedPhases {
		done[id] = true
	}
	skipped := make(map[string]bool, len(st.SkippedPhases))
	for _, id := range st.SkippedPhases {
		skipped[id] = true
	}

	for _, phase := range registry.Phases {
		switch {
		case done[phase.ID]:
			fmt.Printf("  [done]    %-16s %.1fs\n", phase.ID, st.PhaseDurations[phase.ID])
		case skipped[phase.ID]:
			fmt.Printf("  [skipped] %s\n", phase.ID)
		case st.FailedPhase != nil && *st.FailedPhase == phase.ID:
			fmt.Printf("  [FAILED]  %s\n", phase.ID)
		default:
			fmt.Printf("  [pending] %s\n", phase.ID)
		}
	}

	if st.FailedPhase != nil {
		fmt.Printf("last failure: phase %s", *st.FailedPhase)
		if st.FailedStep != nil && *st.FailedStep != "" {
			fmt.Printf(", step %q", *st.FailedStep)
		}
		fmt.Println()
		if st.FailedError != nil {
			fmt.Printf("  %s\n", *st.FailedError)
		}
		fmt.Println("resume with: caldera install --resume")
	}
}
