package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/ledger"
)

func newVerifyCommand() *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify change journal integrity",
		Long: `Re-parse every journal entry, recompute its checksum, and confirm every
referenced backup exists with matching content.

--repair rewrites the journal without its unparseable lines. Entries whose
checksum no longer matches are kept and reported: they mark tampering or
corruption an operator should look at, and discarding them would hide it.`,
		Example: `  caldera verify
  caldera verify --repair`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return fail(exitHard, err)
			}

			led, err := ledger.Open(filepath.Join(stateDir, "ledger"), ledger.NewSession(), engine.NewExecSubprocess(), logger)
			if err != nil {
				return fail(exitHard, err)
			}

			problems, err := led.VerifyIntegrity()
			if err != nil {
				return fail(exitHard, err)
			}
			if len(problems) == 0 {
				fmt.Println("journal verified: no problems found")
				return nil
			}

			for _, p := range problems {
				fmt.Println("problem:", p)
			}

			if !repair {
				fmt.Printf("%d problems found; re-run with --repair to drop unparseable lines\n", len(problems))
				return exitError(exitRun)
			}

			dropped, kept, err := led.Repair()
			if err != nil {
				return fail(exitHard, err)
			}
			fmt.Printf("repair complete: %d lines dropped, %d records kept\n", dropped, kept)
			return nil
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "rewrite the journal without unparseable lines")
	return cmd
}
