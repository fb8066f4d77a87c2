package loader

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/petal-labs/procflow/graph"
	"github.com/petal-labs/procflow/registry"
)

// LoadDefinition loads a definition file, validates it against the
// global registry and returns it.
func LoadDefinition(path string) (*graph.Definition, error) {
	def, diags, err := Load(path, registry.Global())
	if err != nil {
		return nil, err
	}
	if graph.HasErrors(diags) {
		return nil, &graph.DiagnosticError{Diagnostics: diags}
	}
	return def, nil
}

// Load reads and decodes a definition file and returns it with every
// validation diagnostic, errors included.
func Load(path string, reg *registry.Registry) (*graph.Definition, []graph.Diagnostic, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	def, err := Decode(data, path)
	if err != nil {
		return nil, nil, err
	}
	return def, def.ValidateWithRegistry(reg), nil
}

// Decode parses definition bytes. path only selects the format.
func Decode(data []byte, path string) (*graph.Definition, error) {
	format, err := DetectFormat(data, path)
	if err != nil {
		return nil, err
	}
	if format == FormatYAML {
		if data, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}

	var def graph.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing definition: %w", err)
	}
	return &def, nil
}
