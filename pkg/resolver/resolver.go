// Package resolver turns run intent (run everything, only X, skip Y) into a
// conflict-free, ordered execution plan over the module graph. Resolution
// is deterministic: the same graph and the same intent always produce the
// identical plan, because every observable ordering comes from the graph's
// declared canonical order, never from map iteration.
package resolver

import (
	"fmt"
	"strings"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/registry"
)

// Intent is the caller's selection, mapped from CLI flags.
type Intent struct {
	// OnlyModules selects an explicit module set. Wins over OnlyPhases when
	// both are given.
	OnlyModules []string

	// OnlyPhases selects every module belonging to the named phases.
	OnlyPhases []string

	// SkipModules, SkipTags, and SkipCategories exclude modules. A skip
	// wins over default-enabled but not over an explicit request by ID.
	SkipModules    []string
	SkipTags       []string
	SkipCategories []string

	// NoDeps disables dependency closure expansion. The resulting plan may
	// be functionally incomplete; Resolve adds a prominent warning.
	NoDeps bool
}

// InclusionReason explains why a module is in the plan.
type InclusionReason string

const (
	IncludedExplicit   InclusionReason = "explicit"
	IncludedDependency InclusionReason = "dependency"
	IncludedDefault    InclusionReason = "default"
)

// ExclusionReason explains why a module is not in the plan.
type ExclusionReason string

const (
	ExcludedNotSelected     ExclusionReason = "not-selected"
	ExcludedSkipped         ExclusionReason = "explicitly-skipped"
	ExcludedDefaultDisabled ExclusionReason = "disabled-by-default"
	ExcludedPhaseFiltered   ExclusionReason = "filtered-by-phase"
)

// Inclusion tags one selected module.
type Inclusion struct {
	Reason InclusionReason

	// RequiredBy is the requesting module for dependency inclusions.
	RequiredBy string
}

// ExecutionPlan is the resolver output: the modules to run in canonical
// order, a reason per included module, a reason per excluded module, and
// any warnings. Built fresh per run; never persisted.
type ExecutionPlan struct {
	Modules  []string
	Included map[string]Inclusion
	Excluded map[string]ExclusionReason
	Warnings []string
}

// ModulesForPhase returns the plan's modules belonging to a phase, in plan
// order.
func (p *ExecutionPlan) ModulesForPhase(reg *registry.Registry, phaseID string) []string {
	var out []string
	for _, id := range p.Modules {
		if m, ok := reg.Get(id); ok && m.Phase == phaseID {
			out = append(out, id)
		}
	}
	return out
}

// Resolve computes the execution plan for the given intent.
func Resolve(reg *registry.Registry, intent Intent) (*ExecutionPlan, error) {
	if err := validateIntent(reg, intent); err != nil {
		return nil, err
	}

	explicit := len(intent.OnlyModules) > 0
	phaseFiltered := !explicit && len(intent.OnlyPhases) > 0

	skipSet := buildSkipSet(reg, intent)

	// A module both explicitly requested by ID and explicitly skipped by ID
	// is a contradiction: silently choosing one side would surprise the
	// caller, so fail fast naming both rules.
	if explicit {
		byIDSkips := toSet(intent.SkipModules)
		for _, id := range intent.OnlyModules {
			if byIDSkips[id] {
				return nil, engine.Permanent(engine.CodeContradictorySelection,
					fmt.Sprintf("module %q is both requested (--only %s) and skipped (--skip %s)", id, id, id), nil)
			}
		}
	}

	// Desired set with inclusion reasons.
	included := map[string]Inclusion{}
	switch {
	case explicit:
		for _, id := range intent.OnlyModules {
			included[id] = Inclusion{Reason: IncludedExplicit}
		}
	case phaseFiltered:
		phases := toSet(intent.OnlyPhases)
		for _, m := range reg.All() {
			if phases[m.Phase] && !skipSet[m.ID] {
				included[m.ID] = Inclusion{Reason: IncludedExplicit}
			}
		}
	default:
		for _, m := range reg.All() {
			if m.DefaultEnabled && !skipSet[m.ID] {
				included[m.ID] = Inclusion{Reason: IncludedDefault}
			}
		}
	}

	plan := &ExecutionPlan{
		Included: included,
		Excluded: map[string]ExclusionReason{},
	}

	if intent.NoDeps {
		plan.Warnings = append(plan.Warnings, noDepsWarning(reg, included))
	} else if err := expandClosure(reg, included, skipSet); err != nil {
		return nil, err
	}

	// Emit modules in the graph's declared canonical order, not discovery
	// order.
	for _, m := range reg.All() {
		if _, ok := included[m.ID]; ok {
			plan.Modules = append(plan.Modules, m.ID)
			continue
		}
		plan.Excluded[m.ID] = exclusionReason(&m, skipSet, explicit, phaseFiltered, toSet(intent.OnlyPhases))
	}

	return plan, nil
}

// validateIntent rejects references to modules, phases, tags, or categories
// that do not exist in the graph.
func validateIntent(reg *registry.Registry, intent Intent) error {
	for _, id := range append(append([]string{}, intent.OnlyModules...), intent.SkipModules...) {
		if _, ok := reg.Get(id); !ok {
			return engine.Permanent(engine.CodeUnknownModule,
				fmt.Sprintf("unknown module: %s", id), nil)
		}
	}
	for _, p := range intent.OnlyPhases {
		if !registry.IsPhase(p) {
			return engine.Permanent(engine.CodeValidation,
				fmt.Sprintf("unknown phase: %s", p), nil)
		}
	}
	for _, c := range intent.SkipCategories {
		if err := registry.Category(c).Validate(); err != nil {
			return engine.Permanent(engine.CodeValidation, "bad --skip-category", err)
		}
	}
	return nil
}

// buildSkipSet unions explicit skips with tag and category matches.
func buildSkipSet(reg *registry.Registry, intent Intent) map[string]bool {
	skip := toSet(intent.SkipModules)
	tags := toSet(intent.SkipTags)
	cats := toSet(intent.SkipCategories)

	for _, m := range reg.All() {
		if cats[string(m.Category)] {
			skip[m.ID] = true
			continue
		}
		for _, t := range m.Tags {
			if tags[t] {
				skip[m.ID] = true
				break
			}
		}
	}
	return skip
}

// expandClosure grows the included set to the transitive dependency closure
// by breadth-first expansion. Reaching a skipped module fails with the full
// requirement chain: dropping the dependency or the requester silently
// would both produce a broken machine.
func expandClosure(reg *registry.Registry, included map[string]Inclusion, skipSet map[string]bool) error {
	type queued struct {
		id    string
		chain []string
	}

	var queue []queued
	for _, m := range reg.All() {
		if _, ok := included[m.ID]; ok {
			queue = append(queue, queued{id: m.ID, chain: []string{m.ID}})
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		mod, _ := reg.Get(cur.id)
		for _, dep := range mod.Dependencies {
			if _, ok := included[dep]; ok {
				continue
			}
			chain := append(append([]string{}, cur.chain...), dep)
			if skipSet[dep] {
				return engine.Permanent(engine.CodeUnsatisfiableDependency,
					fmt.Sprintf("module %s requires %s, which is skipped (chain: %s)",
						cur.id, dep, strings.Join(chain, " -> ")), nil)
			}
			included[dep] = Inclusion{Reason: IncludedDependency, RequiredBy: cur.id}
			queue = append(queue, queued{id: dep, chain: chain})
		}
	}
	return nil
}

// noDepsWarning names the dependencies the plan will not run.
func noDepsWarning(reg *registry.Registry, included map[string]Inclusion) string {
	var missing []string
	for _, m := range reg.All() {
		if _, ok := included[m.ID]; !ok {
			continue
		}
		for _, dep := range m.Dependencies {
			if _, ok := included[dep]; !ok {
				missing = append(missing, fmt.Sprintf("%s (required by %s)", dep, m.ID))
			}
		}
	}
	if len(missing) == 0 {
		return "--no-deps: dependency expansion disabled"
	}
	return fmt.Sprintf("--no-deps: plan may be functionally incomplete, unresolved dependencies: %s",
		strings.Join(missing, ", "))
}

func exclusionReason(m *registry.Module, skipSet map[string]bool, explicit, phaseFiltered bool, phases map[string]bool) ExclusionReason {
	switch {
	case skipSet[m.ID]:
		return ExcludedSkipped
	case explicit:
		return ExcludedNotSelected
	case phaseFiltered && !phases[m.Phase]:
		return ExcludedPhaseFiltered
	case !m.DefaultEnabled:
		return ExcludedDefaultDisabled
	default:
		return ExcludedNotSelected
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
