package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/ledger"
)

func validModule(id string) Module {
	return Module{
		ID:             id,
		Category:       CategoryCLI,
		Phase:          "cli_tools",
		DefaultEnabled: true,
		Steps: []Step{{
			Description: "install " + id,
			Command:     "install " + id,
			Category:    ledger.CategoryPackage,
			Severity:    ledger.SeverityLow,
		}},
	}
}

func TestLoadBuiltin(t *testing.T) {
	reg, err := LoadBuiltin()
	if err != nil {
		t.Fatalf("LoadBuiltin: %v", err)
	}

	all := reg.All()
	if len(all) == 0 {
		t.Fatal("built-in graph is empty")
	}
	if _, ok := reg.Get("base_packages"); !ok {
		t.Error("built-in graph should ship base_packages")
	}

	// New already validated phases, categories, and dependency targets;
	// spot-check the canonical order is the declared order.
	if all[0].Phase != "preflight" {
		t.Errorf("first module phase = %s, want preflight", all[0].Phase)
	}
}

func TestNewRejectsCycle(t *testing.T) {
	a := validModule("a")
	a.Dependencies = []string{"b"}
	b := validModule("b")
	b.Dependencies = []string{"a"}

	_, err := New([]Module{a, b})
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("error code = %s, want %s", engine.CodeOf(err), engine.CodeValidation)
	}
	if !strings.Contains(err.Error(), "module dependency cycle: a -> b -> a") {
		t.Errorf("error should name the cycle path, got: %v", err)
	}
}

func TestNewRejectsUnknownDependency(t *testing.T) {
	m := validModule("a")
	m.Dependencies = []string{"does_not_exist"}

	_, err := New([]Module{m})
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("error code = %s, want %s", engine.CodeOf(err), engine.CodeValidation)
	}
	if !strings.Contains(err.Error(), "does_not_exist") {
		t.Errorf("error should name the missing dependency, got: %v", err)
	}
}

func TestNewRejectsDuplicateID(t *testing.T) {
	_, err := New([]Module{validModule("a"), validModule("a")})
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("error code = %s, want %s", engine.CodeOf(err), engine.CodeValidation)
	}
	if !strings.Contains(err.Error(), "duplicate module ID") {
		t.Errorf("error = %v, want duplicate ID message", err)
	}
}

func TestNewRejectsBadClosedSets(t *testing.T) {
	t.Run("unknown phase", func(t *testing.T) {
		m := validModule("a")
		m.Phase = "phase_42"
		if _, err := New([]Module{m}); !engine.IsCode(err, engine.CodeValidation) {
			t.Errorf("error code = %s, want %s", engine.CodeOf(err), engine.CodeValidation)
		}
	})
	t.Run("unknown category", func(t *testing.T) {
		m := validModule("a")
		m.Category = "games"
		if _, err := New([]Module{m}); !engine.IsCode(err, engine.CodeValidation) {
			t.Errorf("error code = %s, want %s", engine.CodeOf(err), engine.CodeValidation)
		}
	})
	t.Run("unknown step severity", func(t *testing.T) {
		m := validModule("a")
		m.Steps[0].Severity = "catastrophic"
		if _, err := New([]Module{m}); !engine.IsCode(err, engine.CodeValidation) {
			t.Errorf("error code = %s, want %s", engine.CodeOf(err), engine.CodeValidation)
		}
	})
}

func TestLoadWithOverlay(t *testing.T) {
	overlay := filepath.Join(t.TempDir(), "overlay.yaml")
	doc := `modules:
  - id: internal_vpn
    category: cli
    phase: cli_tools
    default_enabled: true
    tags: [network]
    steps:
      - description: install vpn client
        command: install-vpn
        undo: remove-vpn
        category: package
        severity: medium
`
	if err := os.WriteFile(overlay, []byte(doc), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	reg, err := LoadWithOverlay(overlay)
	if err != nil {
		t.Fatalf("LoadWithOverlay: %v", err)
	}

	m, ok := reg.Get("internal_vpn")
	if !ok {
		t.Fatal("overlay module not loaded")
	}
	if !m.HasTag("network") {
		t.Error("overlay tags not decoded")
	}
	if m.Steps[0].Undo != "remove-vpn" {
		t.Errorf("overlay step undo = %s, want remove-vpn", m.Steps[0].Undo)
	}

	// Overlay modules come after the built-ins in canonical order.
	all := reg.All()
	if all[len(all)-1].ID != "internal_vpn" {
		t.Errorf("last module = %s, want internal_vpn", all[len(all)-1].ID)
	}
}

func TestLoadWithOverlayCannotRedefineBuiltin(t *testing.T) {
	overlay := filepath.Join(t.TempDir(), "overlay.yaml")
	doc := `modules:
  - id: base_packages
    category: system
    phase: system_packages
    default_enabled: true
`
	if err := os.WriteFile(overlay, []byte(doc), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	_, err := LoadWithOverlay(overlay)
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("error code = %s, want %s", engine.CodeOf(err), engine.CodeValidation)
	}
	if !strings.Contains(err.Error(), "duplicate module ID") {
		t.Errorf("error = %v, want duplicate ID message", err)
	}
}

func TestModuleRequiresElevation(t *testing.T) {
	m := validModule("a")
	if m.RequiresElevation() {
		t.Error("module without elevated steps should not require elevation")
	}
	m.Steps = append(m.Steps, Step{
		Description: "system-level step",
		Command:     "apt-get install -y a",
		Elevated:    true,
		Category:    ledger.CategoryPackage,
		Severity:    ledger.SeverityMedium,
	})
	if !m.RequiresElevation() {
		t.Error("module with an elevated step should require elevation")
	}
}
