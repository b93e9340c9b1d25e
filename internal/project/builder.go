package project

import (
	"context"
	"fmt"

	"github.com/seantiz/launchpad/internal/model"
)

// Builder builds projects for one job-set and backend.
type Builder struct {
	JobSet   model.JobSet
	Resource string
}

// Build parses, validates, and binds an item's run spec to the builder's
// backend. It returns a *ValidationError for specs that can never launch.
func (b Builder) Build(_ context.Context, item model.QueueItem) (*Project, error) {
	p, err := FromSpec(b.JobSet, item)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Resource != "" && b.Resource != "" && p.Resource != b.Resource {
		return nil, &ValidationError{
			ItemID: item.ID,
			Errors: []FieldError{{
				Field:       "resource",
				Description: fmt.Sprintf("resource %q does not match this job-set's backend %q", p.Resource, b.Resource),
			}},
		}
	}
	if b.Resource != "" {
		p.Resource = b.Resource
	}
	return p, nil
}
