package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/calderahq/caldera/pkg/history"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		Long:  `List recent provisioning runs recorded in the local history database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(cmd.Context(), filepath.Join(stateDir, "history.db"))
			if err != nil {
				return fail(exitHard, err)
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return fail(exitHard, err)
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}

			for _, run := range runs {
				dur := ""
				if run.CompletedAt != nil {
					dur = run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()
				}
				fmt.Printf("%s  %-11s %-9s %2d phases  %3d changes  %6s  %s\n",
					run.StartedAt.Format("2006-01-02 15:04"),
					run.Status, run.Mode,
					run.PhasesCompleted, run.ChangesRecorded, dur,
					run.ID[:8])
				if run.Error != nil {
					fmt.Printf("    %s\n", *run.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}
