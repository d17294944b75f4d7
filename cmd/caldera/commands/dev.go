package commands

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/calderahq/caldera/pkg/resolver"
)

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Development helpers",
		Long:  `Commands for iterating on module overlay files.`,
	}
	cmd.AddCommand(newDevWatchCommand())
	return cmd
}

// newDevWatchCommand re-validates the module graph and re-prints the plan
// whenever the overlay file changes. Useful while authoring an overlay.
func newDevWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the overlay file and re-resolve the plan on change",
		Example: `  caldera dev watch --overlay my-modules.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if overlay == "" {
				return fail(exitHard, fmt.Errorf("dev watch requires --overlay"))
			}

			resolveAndPrint := func() {
				reg, err := loadRegistry()
				if err != nil {
					fmt.Println("overlay invalid:", err)
					return
				}
				plan, err := resolver.Resolve(reg, resolver.Intent{})
				if err != nil {
					fmt.Println("plan unresolvable:", err)
					return
				}
				printPlan(reg, plan)
			}
			resolveAndPrint()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fail(exitHard, err)
			}
			defer watcher.Close()
			if err := watcher.Add(overlay); err != nil {
				return fail(exitHard, err)
			}
			fmt.Println("watching", overlay)

			// Editors produce bursts of events per save; debounce them.
			var reloadTimer *time.Timer
			for {
				select {
				case <-cmd.Context().Done():
					return nil

				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					if reloadTimer != nil {
						reloadTimer.Stop()
					}
					reloadTimer = time.AfterFunc(500*time.Millisecond, func() {
						fmt.Printf("\n%s changed:\n", event.Name)
						resolveAndPrint()
					})

				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					fmt.Println("watch error:", err)
				}
			}
		},
	}
	return cmd
}
