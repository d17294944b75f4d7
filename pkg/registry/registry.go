// Package registry holds the declarative module graph: the closed set of
// provisioning phases and the modules that run inside them. The graph ships
// as a built-in CUE document, optionally extended by a YAML overlay, and is
// fully validated at load time so nothing downstream ever string-matches an
// unknown category or discovers a cycle mid-run.
package registry

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/ledger"
)

// Category is the closed set of module categories. Categories partition
// modules; they are validated at graph-load time.
type Category string

const (
	CategorySystem  Category = "system"
	CategoryShell   Category = "shell"
	CategoryRuntime Category = "runtime"
	CategoryCLI     Category = "cli"
	CategoryAgent   Category = "agent"
	CategoryCloud   Category = "cloud"
)

// Validate checks the category against the closed set.
func (c Category) Validate() error {
	switch c {
	case CategorySystem, CategoryShell, CategoryRuntime, CategoryCLI, CategoryAgent, CategoryCloud:
		return nil
	default:
		return fmt.Errorf("invalid module category: %s", c)
	}
}

// PhaseDef is one entry in the fixed, strictly linear phase order.
type PhaseDef struct {
	// ID is the stable phase identifier. Never reused for a different
	// meaning.
	ID string

	// Name is the human-readable phase name.
	Name string
}

// Phases is the canonical phase order. Phases are not a graph: execution is
// strictly linear, though each phase runs a sub-plan of modules.
var Phases = []PhaseDef{
	{ID: "preflight", Name: "Preflight checks"},
	{ID: "system_packages", Name: "System packages"},
	{ID: "user_setup", Name: "User setup"},
	{ID: "filesystem", Name: "Filesystem layout"},
	{ID: "shell_setup", Name: "Shell setup"},
	{ID: "runtimes", Name: "Language runtimes"},
	{ID: "cli_tools", Name: "CLI tools"},
	{ID: "agents", Name: "Agents"},
	{ID: "cloud_clients", Name: "Cloud clients"},
	{ID: "finalize", Name: "Finalize"},
}

// PhaseIDs returns the canonical phase order as IDs.
func PhaseIDs() []string {
	ids := make([]string, len(Phases))
	for i, p := range Phases {
		ids[i] = p.ID
	}
	return ids
}

// PhaseName returns the human name for a phase ID, or the ID itself when
// unknown.
func PhaseName(id string) string {
	for _, p := range Phases {
		if p.ID == id {
			return p.Name
		}
	}
	return id
}

// IsPhase reports whether id names a known phase.
func IsPhase(id string) bool {
	for _, p := range Phases {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Step is one mutating action a module performs. The command itself is a
// thin installer wrapper; what matters here is the undo command and the
// paths it touches, which feed the change ledger.
type Step struct {
	Description string `json:"description" yaml:"description" validate:"required"`

	// Command is run through the subprocess capability.
	Command string `json:"command" yaml:"command" validate:"required"`

	// Undo reverses the step. Empty means the step is not reversible.
	Undo string `json:"undo,omitempty" yaml:"undo,omitempty"`

	// Elevated runs both command and undo under sudo.
	Elevated bool `json:"elevated,omitempty" yaml:"elevated,omitempty"`

	// Category and Severity feed the ledger record for this step.
	Category ledger.Category `json:"category" yaml:"category"`
	Severity ledger.Severity `json:"severity" yaml:"severity"`

	// FilesAffected lists paths the step may modify; existing ones are
	// backed up before the step runs.
	FilesAffected []string `json:"files_affected,omitempty" yaml:"files_affected,omitempty"`

	// FetchRef, when set, is resolved through the verified-content
	// collaborator and piped to the command's stdin.
	FetchRef string `json:"fetch_ref,omitempty" yaml:"fetch_ref,omitempty"`
}

// Module is a static node in the module graph.
type Module struct {
	ID             string   `json:"id" yaml:"id" validate:"required"`
	Category       Category `json:"category" yaml:"category" validate:"required"`
	Phase          string   `json:"phase" yaml:"phase" validate:"required"`
	Dependencies   []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Tags           []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	DefaultEnabled bool     `json:"default_enabled" yaml:"default_enabled"`
	Steps          []Step   `json:"steps" yaml:"steps"`
}

// HasTag reports tag membership.
func (m *Module) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RequiresElevation reports whether any step of the module needs sudo.
func (m *Module) RequiresElevation() bool {
	for _, s := range m.Steps {
		if s.Elevated {
			return true
		}
	}
	return false
}

// Registry is the validated module graph in declared (canonical) order.
type Registry struct {
	modules []Module
	index   map[string]*Module
}

// New validates modules and builds the registry. Validation is exhaustive:
// struct fields, closed-set categories and severities, phase existence,
// unique IDs, dependency targets that exist (a structurally absent
// dependency is a hard error, not a warning), and an acyclic dependency
// relation.
func New(modules []Module) (*Registry, error) {
	v := validator.New()
	r := &Registry{
		modules: modules,
		index:   make(map[string]*Module, len(modules)),
	}

	for i := range modules {
		m := &modules[i]

		if err := v.Struct(m); err != nil {
			return nil, engine.Permanent(engine.CodeValidation,
				fmt.Sprintf("module %q failed validation", m.ID), err)
		}
		if err := m.Category.Validate(); err != nil {
			return nil, engine.Permanent(engine.CodeValidation,
				fmt.Sprintf("module %q", m.ID), err)
		}
		if !IsPhase(m.Phase) {
			return nil, engine.Permanent(engine.CodeValidation,
				fmt.Sprintf("module %q references unknown phase %q", m.ID, m.Phase), nil)
		}
		for _, s := range m.Steps {
			if err := s.Category.Validate(); err != nil {
				return nil, engine.Permanent(engine.CodeValidation,
					fmt.Sprintf("module %q step %q", m.ID, s.Description), err)
			}
			if err := s.Severity.Validate(); err != nil {
				return nil, engine.Permanent(engine.CodeValidation,
					fmt.Sprintf("module %q step %q", m.ID, s.Description), err)
			}
		}

		if _, exists := r.index[m.ID]; exists {
			return nil, engine.Permanent(engine.CodeValidation,
				fmt.Sprintf("duplicate module ID: %s", m.ID), nil)
		}
		r.index[m.ID] = m
	}

	for i := range modules {
		for _, dep := range modules[i].Dependencies {
			if _, ok := r.index[dep]; !ok {
				return nil, engine.Permanent(engine.CodeValidation,
					fmt.Sprintf("module %q depends on unknown module %q", modules[i].ID, dep), nil)
			}
		}
	}

	if cycle := r.findCycle(); len(cycle) > 0 {
		return nil, engine.Permanent(engine.CodeValidation,
			fmt.Sprintf("module dependency cycle: %s", strings.Join(cycle, " -> ")), nil)
	}

	return r, nil
}

// Get returns the module with the given ID.
func (r *Registry) Get(id string) (*Module, bool) {
	m, ok := r.index[id]
	return m, ok
}

// All returns every module in declared canonical order.
func (r *Registry) All() []Module {
	return r.modules
}

// ByPhase returns the modules of a phase in canonical order.
func (r *Registry) ByPhase(phaseID string) []Module {
	var out []Module
	for _, m := range r.modules {
		if m.Phase == phaseID {
			out = append(out, m)
		}
	}
	return out
}

// findCycle runs DFS over the dependency relation and returns the cycle
// path when one exists.
func (r *Registry) findCycle() []string {
	visited := make(map[string]bool, len(r.modules))
	inStack := make(map[string]bool, len(r.modules))

	var walk func(id string, path []string) []string
	walk = func(id string, path []string) []string {
		visited[id] = true
		inStack[id] = true
		path = append(path, id)

		for _, dep := range r.index[id].Dependencies {
			if !visited[dep] {
				if cycle := walk(dep, path); cycle != nil {
					return cycle
				}
			} else if inStack[dep] {
				for i, p := range path {
					if p == dep {
						return append(path[i:], dep)
					}
				}
				return append(path, dep)
			}
		}

		inStack[id] = false
		return nil
	}

	for _, m := range r.modules {
		if !visited[m.ID] {
			if cycle := walk(m.ID, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
