package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/calderahq/caldera/pkg/registry"
	"github.com/calderahq/caldera/pkg/resolver"
)

func newPlanCommand() *cobra.Command {
	var (
		only           []string
		onlyPhases     []string
		skip           []string
		skipTags       []string
		skipCategories []string
		noDeps         bool
		jsonOutput     bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the execution plan without running it",
		Long: `Resolve the module selection the same way install would and print the
resulting plan: which modules run in which phase, why each one is included,
and why everything else is excluded.`,
		Example: `  # Full default plan
  caldera plan

  # What would --only rust pull in?
  caldera plan --only rust

  # Machine-readable
  caldera plan --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return fail(exitHard, err)
			}
			plan, err := resolver.Resolve(reg, resolver.Intent{
				OnlyModules:    only,
				OnlyPhases:     onlyPhases,
				SkipModules:    skip,
				SkipTags:       skipTags,
				SkipCategories: skipCategories,
				NoDeps:         noDeps,
			})
			if err != nil {
				return fail(exitHard, err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}
			printPlan(reg, plan)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&only, "only", nil, "plan only these modules (plus dependencies)")
	cmd.Flags().StringSliceVar(&onlyPhases, "only-phase", nil, "plan only modules of these phases")
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "skip these modules")
	cmd.Flags().StringSliceVar(&skipTags, "skip-tag", nil, "skip modules carrying these tags")
	cmd.Flags().StringSliceVar(&skipCategories, "skip-category", nil, "skip modules of these categories")
	cmd.Flags().BoolVar(&noDeps, "no-deps", false, "do not pull in dependencies")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}

func printPlan(reg *registry.Registry, plan *resolver.ExecutionPlan) {
	for _, w := range plan.Warnings {
		fmt.Println("warning:", w)
	}

	for _, phase := range registry.Phases {
		mods := plan.ModulesForPhase(reg, phase.ID)
		if len(mods) == 0 {
			continue
		}
		fmt.Printf("%s (%s)\n", phase.Name, phase.ID)
		for _, id := range mods {
			inc := plan.Included[id]
			switch inc.Reason {
			case resolver.IncludedDependency:
				fmt.Printf("  + %-18s (required by %s)\n", id, inc.RequiredBy)
			default:
				fmt.Printf("  + %-18s (%s)\n", id, inc.Reason)
			}
		}
	}

	if len(plan.Excluded) > 0 {
		fmt.Println("excluded:")
		for _, m := range reg.All() {
			if reason, ok := plan.Excluded[m.ID]; ok {
				fmt.Printf("  - %-18s (%s)\n", m.ID, reason)
			}
		}
	}
	fmt.Printf("%d modules planned\n", len(plan.Modules))
}
