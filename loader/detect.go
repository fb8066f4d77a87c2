// Package loader reads procflow process definition files. Definitions are
// accepted as JSON or YAML; YAML is converted to JSON before decoding so
// both formats share the json field names.
package loader

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a definition file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var extFormats = map[string]Format{
	".yaml": FormatYAML,
	".yml":  FormatYAML,
}

// formatOf picks the format by extension. Unknown extensions are JSON.
func formatOf(path string) Format {
	if f, ok := extFormats[strings.ToLower(filepath.Ext(path))]; ok {
		return f
	}
	return FormatJSON
}

// DetectFormat returns the format of a definition file and rejects
// documents that are not an object carrying an "elements" list.
func DetectFormat(data []byte, path string) (Format, error) {
	format := formatOf(path)
	var doc map[string]any
	unmarshal := json.Unmarshal
	if format == FormatYAML {
		unmarshal = yaml.Unmarshal
	}
	if err := unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parsing %s: %w", strings.ToUpper(string(format)), err)
	}
	if _, ok := doc["elements"].([]any); !ok {
		return "", fmt.Errorf("%s is not a process definition: no elements list", path)
	}
	return format, nil
}

// yamlToJSON re-encodes a YAML document as JSON. yaml.v3 decodes mappings
// into map[string]any, which encoding/json accepts as is.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(doc)
}
