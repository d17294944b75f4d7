package registry

import (
	"fmt"
	"os"

	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/calderahq/caldera/pkg/engine"
)

// moduleDoc mirrors the top-level shape of a module document.
type moduleDoc struct {
	Modules []Module `json:"modules" yaml:"modules"`
}

// LoadBuiltin parses and validates the shipped module graph.
func LoadBuiltin() (*Registry, error) {
	modules, err := decodeCUE(builtinModules)
	if err != nil {
		return nil, err
	}
	return New(modules)
}

// LoadWithOverlay loads the built-in graph plus extra modules from a YAML
// overlay file. Overlay modules are appended after the built-ins, which
// also fixes their canonical position; an overlay cannot redefine a
// built-in ID.
func LoadWithOverlay(overlayPath string) (*Registry, error) {
	modules, err := decodeCUE(builtinModules)
	if err != nil {
		return nil, err
	}

	if overlayPath != "" {
		extra, err := decodeYAML(overlayPath)
		if err != nil {
			return nil, err
		}
		modules = append(modules, extra...)
	}

	return New(modules)
}

// decodeCUE compiles a module document, checks it against the schema, and
// decodes it.
func decodeCUE(doc string) ([]Module, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(moduleSchema)
	if err := schema.Err(); err != nil {
		return nil, engine.Permanent(engine.CodeInternal, "module schema does not compile", err)
	}

	val := ctx.CompileString(doc)
	if err := val.Err(); err != nil {
		return nil, engine.Permanent(engine.CodeValidation, "module document does not compile", err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(); err != nil {
		return nil, engine.Permanent(engine.CodeValidation, "module document violates schema", err)
	}

	var parsed moduleDoc
	if err := unified.Decode(&parsed); err != nil {
		return nil, engine.Permanent(engine.CodeValidation, "module document decode failed", err)
	}
	return parsed.Modules, nil
}

// decodeYAML reads an overlay module file.
func decodeYAML(path string) ([]Module, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.Permanent(engine.CodeValidation,
			fmt.Sprintf("cannot read module overlay %s", path), err)
	}

	var parsed moduleDoc
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, engine.Permanent(engine.CodeValidation,
			fmt.Sprintf("module overlay %s is not valid YAML", path), err)
	}
	return parsed.Modules, nil
}
