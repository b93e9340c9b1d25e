// Package project turns a run queue item's run spec into a validated Project,
// the unit of work handed to a backend.
package project

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/seantiz/launchpad/internal/model"
)

// runSpecSchema is the JSON schema every run spec must satisfy.
const runSpecSchema = `{
  "type": "object",
  "properties": {
    "name":         {"type": "string", "maxLength": 128},
    "runId":        {"type": "string", "pattern": "^[A-Za-z0-9_-]{1,64}$"},
    "entrypoint":   {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "image":        {"type": "string", "minLength": 1},
    "runtime":      {"type": "string"},
    "env":          {"type": "object", "additionalProperties": {"type": "string"}},
    "resource":     {"type": "string"},
    "resourceArgs": {"type": "object"},
    "timeoutS":     {"type": "integer", "minimum": 0}
  },
  "anyOf": [
    {"required": ["entrypoint"]},
    {"required": ["image"]}
  ]
}`

var schemaLoader = gojsonschema.NewStringLoader(runSpecSchema)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// RunSpec is the user-supplied description of a run.
type RunSpec struct {
	Name         string            `json:"name,omitempty" yaml:"name,omitempty"`
	RunID        string            `json:"runId,omitempty" yaml:"runId,omitempty"`
	Entrypoint   []string          `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Image        string            `json:"image,omitempty" yaml:"image,omitempty"`
	Runtime      string            `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Resource     string            `json:"resource,omitempty" yaml:"resource,omitempty"`
	ResourceArgs map[string]any    `json:"resourceArgs,omitempty" yaml:"resourceArgs,omitempty"`
	TimeoutS     int               `json:"timeoutS,omitempty" yaml:"timeoutS,omitempty"`
}

// Project is a validated run ready for launch.
type Project struct {
	RunID          string
	Name           string
	Entrypoint     []string
	Image          string
	Runtime        string
	Env            map[string]string
	Resource       string
	ResourceArgs   map[string]any
	TimeoutS       int
	JobSet         model.JobSet
	RunQueueItemID string

	// Labels are stamped onto the launched job by the backend.
	Labels map[string]string
}

// FieldError is one validation failure.
type FieldError struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

// ValidationError is returned when a run spec is rejected.
type ValidationError struct {
	ItemID string
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Description
	}
	return fmt.Sprintf("invalid run spec for item %s: %s", e.ItemID, strings.Join(parts, "; "))
}

// ValidateRunSpec checks raw against the run spec schema.
func ValidateRunSpec(itemID string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return &ValidationError{ItemID: itemID, Errors: []FieldError{{Field: "(root)", Description: "run spec is empty"}}}
	}
	res, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ValidationError{ItemID: itemID, Errors: []FieldError{{Field: "(root)", Description: err.Error()}}}
	}
	if res.Valid() {
		return nil
	}
	verr := &ValidationError{ItemID: itemID}
	for _, e := range res.Errors() {
		verr.Errors = append(verr.Errors, FieldError{Field: e.Field(), Description: e.Description()})
	}
	return verr
}

// FromSpec parses and validates a queue item's run spec.
func FromSpec(js model.JobSet, item model.QueueItem) (*Project, error) {
	if err := ValidateRunSpec(item.ID, item.RunSpec); err != nil {
		return nil, err
	}

	var spec RunSpec
	if err := json.Unmarshal(item.RunSpec, &spec); err != nil {
		return nil, &ValidationError{ItemID: item.ID, Errors: []FieldError{{Field: "(root)", Description: err.Error()}}}
	}

	p := &Project{
		RunID:          spec.RunID,
		Name:           spec.Name,
		Entrypoint:     spec.Entrypoint,
		Image:          spec.Image,
		Runtime:        spec.Runtime,
		Env:            maps.Clone(spec.Env),
		Resource:       spec.Resource,
		ResourceArgs:   spec.ResourceArgs,
		TimeoutS:       spec.TimeoutS,
		JobSet:         js,
		RunQueueItemID: item.ID,
		Labels:         make(map[string]string),
	}
	if p.RunID == "" {
		p.RunID = model.NewID()
	}
	if p.Name == "" {
		p.Name = p.RunID
	}
	if p.Env == nil {
		p.Env = make(map[string]string)
	}
	return p, nil
}

// Validate applies checks the schema cannot express.
func (p *Project) Validate() error {
	var errs []FieldError
	for k := range p.Env {
		if !envKeyPattern.MatchString(k) {
			errs = append(errs, FieldError{Field: "env." + k, Description: "not a valid environment variable name"})
		}
	}
	if len(errs) > 0 {
		return &ValidationError{ItemID: p.RunQueueItemID, Errors: errs}
	}
	return nil
}

// Label stamps key=value onto the project's labels.
func (p *Project) Label(key, value string) {
	if p.Labels == nil {
		p.Labels = make(map[string]string)
	}
	p.Labels[key] = value
}
