package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/ledger"
	"github.com/calderahq/caldera/pkg/registry"
	"github.com/calderahq/caldera/pkg/resolver"
)

func testPlan(t *testing.T) (*registry.Registry, *resolver.ExecutionPlan) {
	t.Helper()
	reg, err := registry.New([]registry.Module{
		{
			ID: "base_packages", Category: registry.CategorySystem, Phase: "system_packages", DefaultEnabled: true,
			Steps: []registry.Step{{
				Description: "install base packages",
				Command:     "apt-get install -y curl",
				Elevated:    true,
				Category:    ledger.CategoryPackage,
				Severity:    ledger.SeverityMedium,
			}},
		},
		{
			ID: "default_shell", Category: registry.CategoryShell, Phase: "shell_setup", DefaultEnabled: true,
			Steps: []registry.Step{{
				Description: "switch login shell",
				Command:     "chsh -s /usr/bin/zsh",
				Category:    ledger.CategoryConfig,
				Severity:    ledger.SeverityCritical,
			}},
		},
		{
			ID: "docker", Category: registry.CategoryCLI, Phase: "cli_tools", DefaultEnabled: true,
			Steps: []registry.Step{{
				Description: "install docker",
				Command:     "install-docker",
				Category:    ledger.CategoryPackage,
				Severity:    ledger.SeverityLow,
			}},
		},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	plan, err := resolver.Resolve(reg, resolver.Intent{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return reg, plan
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestElevatedModulesDeniedWithoutPermission(t *testing.T) {
	reg, plan := testPlan(t)
	e := newTestEngine(t)

	res, err := e.EvaluatePlan(context.Background(), reg, plan, Context{AllowElevated: false})
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if res.Allowed {
		t.Fatal("plan with an elevated module should be denied when elevation is not allowed")
	}

	found := false
	for _, v := range res.Violations {
		if v.Module == "base_packages" && v.Severity == SeverityError {
			found = true
		}
	}
	if !found {
		t.Errorf("violations = %+v, want one naming base_packages", res.Violations)
	}

	derr := Deny(res)
	if !engine.IsCode(derr, engine.CodePolicyDenied) {
		t.Errorf("Deny error code = %s, want %s", engine.CodeOf(derr), engine.CodePolicyDenied)
	}
}

func TestElevatedModulesAllowedWithPermission(t *testing.T) {
	reg, plan := testPlan(t)
	e := newTestEngine(t)

	res, err := e.EvaluatePlan(context.Background(), reg, plan, Context{AllowElevated: true})
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if !res.Allowed {
		t.Errorf("plan should be allowed, violations: %+v", res.Violations)
	}
	if Deny(res) != nil {
		t.Error("Deny should be nil for an allowed result")
	}
}

func TestCriticalUnattendedWarns(t *testing.T) {
	reg, plan := testPlan(t)
	e := newTestEngine(t)

	res, err := e.EvaluatePlan(context.Background(), reg, plan, Context{AllowElevated: true, Unattended: true})
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("warnings must not block the plan, violations: %+v", res.Violations)
	}

	found := false
	for _, w := range res.Warnings {
		if w.Module == "default_shell" && w.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %+v, want one naming default_shell", res.Warnings)
	}
}

func TestNoDepsWarns(t *testing.T) {
	reg, plan := testPlan(t)
	e := newTestEngine(t)

	res, err := e.EvaluatePlan(context.Background(), reg, plan, Context{AllowElevated: true, NoDeps: true})
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if !res.Allowed {
		t.Fatal("no-deps should warn, not block")
	}

	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w.Message, "dependency expansion is disabled") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %+v, want the no-deps warning", res.Warnings)
	}
}

func TestLoadDirAddsUserPolicies(t *testing.T) {
	reg, plan := testPlan(t)
	e := newTestEngine(t)

	dir := t.TempDir()
	custom := `package caldera.policies.custom

import rego.v1

deny contains violation if {
	some m in input.modules
	m.id == "docker"
	violation := {
		"message": "docker is not permitted on this fleet",
		"severity": "error",
		"module": "docker",
	}
}
`
	if err := os.WriteFile(filepath.Join(dir, "no-docker.rego"), []byte(custom), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := e.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	res, err := e.EvaluatePlan(context.Background(), reg, plan, Context{AllowElevated: true})
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if res.Allowed {
		t.Fatal("custom policy should deny the plan")
	}

	found := false
	for _, v := range res.Violations {
		if v.Policy == "no-docker" && v.Module == "docker" {
			found = true
		}
	}
	if !found {
		t.Errorf("violations = %+v, want one from no-docker", res.Violations)
	}
}

func TestEvaluatePlanOrderIsStable(t *testing.T) {
	reg, plan := testPlan(t)
	e := newTestEngine(t)

	dir := t.TempDir()
	denyAll := func(pkg, msg string) string {
		return `package caldera.policies.` + pkg + `

import rego.v1

deny contains violation if {
	count(input.modules) > 0
	violation := {"message": "` + msg + `", "severity": "error"}
}
`
	}
	if err := os.WriteFile(filepath.Join(dir, "aaa-freeze.rego"), []byte(denyAll("freeze", "fleet is frozen")), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bbb-audit.rego"), []byte(denyAll("audit", "audit window open")), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := e.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	want := []string{"aaa-freeze", "bbb-audit"}
	for run := 0; run < 5; run++ {
		res, err := e.EvaluatePlan(context.Background(), reg, plan, Context{AllowElevated: true})
		if err != nil {
			t.Fatalf("EvaluatePlan: %v", err)
		}
		if len(res.Violations) != 2 {
			t.Fatalf("run %d: violations = %+v, want 2", run, res.Violations)
		}
		for i, v := range res.Violations {
			if v.Policy != want[i] {
				t.Fatalf("run %d: violation %d from %s, want %s", run, i, v.Policy, want[i])
			}
		}
	}
}

func TestLoadDirMissingIsNotAnError(t *testing.T) {
	e := newTestEngine(t)
	if err := e.LoadDir(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Errorf("LoadDir on missing directory: %v", err)
	}
}

func TestLoadDirRejectsBrokenRego(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("this is not rego {"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := e.LoadDir(dir); !engine.IsCode(err, engine.CodeValidation) {
		t.Errorf("error code = %s, want %s", engine.CodeOf(err), engine.CodeValidation)
	}
}
