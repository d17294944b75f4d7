// Package policy gates execution plans with Rego rules evaluated through
// OPA. Built-in policies ship in the binary; extra .rego files can be
// loaded from disk. An error-severity violation blocks the run, warnings
// are reported and the run proceeds.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/registry"
	"github.com/calderahq/caldera/pkg/resolver"
)

// Engine evaluates policies against execution plans.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	logger   zerolog.Logger
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*Policy),
		logger:   logger.With().Str("component", "policy").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		p := p
		if err := checkPolicy(&p); err != nil {
			return nil, fmt.Errorf("built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = &p
	}
	return e, nil
}

// LoadDir loads every .rego file under dir as an enabled error-severity
// policy named after its file. Missing dir is not an error.
func (e *Engine) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return engine.Permanent(engine.CodeValidation, "reading policy directory", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		src, err := os.ReadFile(path)
		if err != nil {
			return engine.Permanent(engine.CodeValidation, "reading policy file "+path, err)
		}
		p := &Policy{
			Name:     strings.TrimSuffix(ent.Name(), ".rego"),
			Severity: SeverityError,
			Enabled:  true,
			Rego:     string(src),
		}
		if err := checkPolicy(p); err != nil {
			return engine.Permanent(engine.CodeValidation, "policy "+path+" does not compile", err)
		}
		e.policies[p.Name] = p
		e.logger.Debug().Str("policy", p.Name).Msg("policy loaded")
	}
	return nil
}

// EvaluatePlan runs all enabled policies against the plan.
func (e *Engine) EvaluatePlan(ctx context.Context, reg *registry.Registry, plan *resolver.ExecutionPlan, pctx Context) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pctx.Timestamp = time.Now().UTC()
	input := buildInput(reg, plan, pctx)

	// Sorted-name order keeps violation output stable across runs.
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	res := &Result{Allowed: true, EvaluatedAt: pctx.Timestamp}
	for _, name := range names {
		p := e.policies[name]
		if !p.Enabled {
			continue
		}
		violations, err := e.evaluatePolicy(ctx, p, input)
		if err != nil {
			return nil, engine.Permanent(engine.CodeInternal,
				fmt.Sprintf("policy %s evaluation failed", p.Name), err)
		}
		for _, v := range violations {
			if v.Severity == SeverityError {
				res.Allowed = false
				res.Violations = append(res.Violations, v)
			} else {
				res.Warnings = append(res.Warnings, v)
			}
		}
	}

	e.logger.Debug().
		Bool("allowed", res.Allowed).
		Int("violations", len(res.Violations)).
		Int("warnings", len(res.Warnings)).
		Msg("plan policy evaluation completed")
	return res, nil
}

// Deny converts a blocked result into the run-aborting error.
func Deny(res *Result) error {
	if res.Allowed {
		return nil
	}
	msgs := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		msgs = append(msgs, v.Message)
	}
	return engine.Permanent(engine.CodePolicyDenied,
		"plan denied by policy: "+strings.Join(msgs, "; "), nil)
}

func buildInput(reg *registry.Registry, plan *resolver.ExecutionPlan, pctx Context) *Input {
	in := &Input{Context: pctx}
	for _, id := range plan.Modules {
		m, ok := reg.Get(id)
		if !ok {
			continue
		}
		inc := plan.Included[id]
		in.Modules = append(in.Modules, PlanModule{
			ID:          m.ID,
			Category:    string(m.Category),
			Phase:       m.Phase,
			Elevated:    m.RequiresElevation(),
			MaxSeverity: string(maxSeverity(m)),
			Reason:      string(inc.Reason),
			RequiredBy:  inc.RequiredBy,
		})
	}
	return in
}

func maxSeverity(m *registry.Module) string {
	rank := map[string]int{"low": 0, "medium": 1, "high": 2, "critical": 3}
	max := "low"
	for _, s := range m.Steps {
		if rank[string(s.Severity)] > rank[max] {
			max = string(s.Severity)
		}
	}
	return max
}

func (e *Engine) evaluatePolicy(ctx context.Context, p *Policy, input *Input) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", packageName(p.Rego))
	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
		rego.Input(input),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, makeViolation(p, d))
			}
		}
	}
	return violations, nil
}

func makeViolation(p *Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if mod, ok := r["module"].(string); ok {
			v.Module = mod
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// checkPolicy verifies the Rego parses and the deny query prepares.
func checkPolicy(p *Policy) error {
	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", packageName(p.Rego))),
	)
	_, err := r.PrepareForEval(context.Background())
	return err
}

func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 {
				return fields[1]
			}
		}
	}
	return "caldera.policies"
}
