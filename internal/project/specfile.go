package project

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSpecFile reads a run spec from a YAML or JSON file and returns it in the
// JSON form the queue stores.
func LoadSpecFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run spec: %w", err)
	}
	return ParseSpec(data)
}

// ParseSpec decodes YAML (or JSON, which YAML accepts) into a validated run spec.
func ParseSpec(data []byte) (json.RawMessage, error) {
	var spec RunSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse run spec: %w", err)
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode run spec: %w", err)
	}
	if err := ValidateRunSpec("", raw); err != nil {
		return nil, err
	}
	return raw, nil
}
