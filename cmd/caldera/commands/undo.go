package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/ledger"
)

func newUndoCommand() *cobra.Command {
	var (
		all      bool
		list     bool
		category string
		dryRun   bool
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "undo [change-id]",
		Short: "Revert recorded changes",
		Long: `Revert changes from the change journal. A single change is reverted by
ID; dependent changes must be undone first unless --force. Undo is
idempotent: reverting an already-reverted change is a no-op.

--all undoes every recorded change in reverse order.`,
		Example: `  # List recorded changes
  caldera undo --list

  # Revert one change
  caldera undo chg-000042

  # Revert everything from the shell category
  caldera undo --all --category shell

  # Show what would be undone
  caldera undo --all --dry-run`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return fail(exitHard, err)
			}

			lock, err := engine.AcquireSessionLock(stateDir)
			if err != nil {
				return fail(exitHard, err)
			}
			defer lock.Release()

			led, err := ledger.Open(filepath.Join(stateDir, "ledger"), ledger.NewSession(), engine.NewExecSubprocess(), logger)
			if err != nil {
				return fail(exitHard, err)
			}

			switch {
			case list:
				return listChanges(led)
			case len(args) == 1:
				return undoOne(cmd, led, args[0], force, dryRun)
			case all:
				return undoAll(cmd.Context(), led, category, force, dryRun)
			default:
				return fail(exitHard, fmt.Errorf("specify a change ID, --all, or --list"))
			}
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "undo every recorded change, newest first")
	cmd.Flags().BoolVar(&list, "list", false, "list recorded changes")
	cmd.Flags().StringVar(&category, "category", "", "with --all, only undo changes of this category")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be undone without executing")
	cmd.Flags().BoolVar(&force, "force", false, "skip checksum, dependency, and backup gates")

	return cmd
}

func listChanges(led *ledger.Ledger) error {
	records, err := led.List()
	if err != nil {
		return fail(exitHard, err)
	}
	if len(records) == 0 {
		fmt.Println("no changes recorded")
		return nil
	}
	for _, rec := range records {
		marker := " "
		if rec.Undone {
			marker = "u"
		}
		rev := ""
		if !rec.Reversible {
			rev = " [irreversible]"
		}
		fmt.Printf("%s %s  %-9s %-8s %s%s\n",
			marker, rec.ID, rec.Category, rec.Severity, rec.Description, rev)
	}
	return nil
}

func undoOne(cmd *cobra.Command, led *ledger.Ledger, changeID string, force, dryRun bool) error {
	if dryRun {
		records, err := led.List()
		if err != nil {
			return fail(exitHard, err)
		}
		for _, rec := range records {
			if rec.ID == changeID {
				fmt.Printf("would undo %s: %s\n  command: %s\n", rec.ID, rec.Description, rec.UndoCommand)
				return nil
			}
		}
		return fail(exitHard, fmt.Errorf("unknown change: %s", changeID))
	}

	if err := led.Undo(cmd.Context(), changeID, force, false); err != nil {
		return fail(exitRun, err)
	}
	fmt.Printf("undone: %s\n", changeID)
	return nil
}

// undoAll reverts recorded changes in reverse journal order, optionally
// filtered by category. Failures are reported and counted, not fatal to the
// remaining undos.
func undoAll(ctx context.Context, led *ledger.Ledger, category string, force, dryRun bool) error {
	records, err := led.List()
	if err != nil {
		return fail(exitHard, err)
	}

	// An unfiltered pass visits every record in reverse order, which already
	// satisfies dependencies. A category filter can leave dependents from
	// other categories applied, so filtered runs keep the dependency gate.
	skipDeps := category == ""

	failed := 0
	attempted := 0
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Undone || !rec.Reversible {
			continue
		}
		if category != "" && string(rec.Category) != category {
			continue
		}

		if dryRun {
			fmt.Printf("would undo %s: %s\n", rec.ID, rec.Description)
			continue
		}

		attempted++
		if err := led.Undo(ctx, rec.ID, force, skipDeps); err != nil {
			failed++
			fmt.Printf("failed to undo %s: %v\n", rec.ID, err)
			continue
		}
		fmt.Printf("undone: %s (%s)\n", rec.ID, rec.Description)
	}

	if failed > 0 {
		return fail(exitRun, fmt.Errorf("%d of %d undos failed; inspect %s", failed, attempted, led.ChangesPath()))
	}
	return nil
}
