package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/validate"
)

// Templates maps an environment to the stages a deployment runs when the request names none.
type Templates map[domain.Environment][]domain.StageDefinition

// DefaultTemplates returns the built-in stage layouts.
func DefaultTemplates() Templates {
	return Templates{
		domain.EnvironmentDevelopment: {
			{Name: "Build"},
			{Name: "Unit Tests"},
			{Name: "Deploy"},
		},
		domain.EnvironmentStaging: {
			{Name: "Build"},
			{Name: "Unit Tests"},
			{Name: "Security Scan"},
			{Name: "Deploy to Staging"},
			{Name: "Integration Tests"},
		},
		domain.EnvironmentProduction: {
			{Name: "Build"},
			{Name: "Unit Tests"},
			{Name: "Security Scan"},
			{Name: "Deploy to Staging"},
			{Name: "Integration Tests"},
			{Name: "Deploy to Production"},
		},
	}
}

// For returns a copy of the template for env.
func (t Templates) For(env domain.Environment) ([]domain.StageDefinition, bool) {
	defs, ok := t[env]
	if !ok || len(defs) == 0 {
		return nil, false
	}
	return append([]domain.StageDefinition(nil), defs...), true
}

type templatesFile struct {
	Environments map[domain.Environment][]domain.StageDefinition `yaml:"environments"`
}

// LoadTemplates reads stage templates from YAML, layered over the defaults:
//
//	environments:
//	  production:
//	    - name: Build
//	    - name: Manual Approval
//	      external: true
func LoadTemplates(path string) (Templates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var file templatesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parse templates: %v", domain.ErrValidation, err)
	}
	out := DefaultTemplates()
	for env, defs := range file.Environments {
		if !env.Valid() {
			return nil, validate.Errorf("unknown environment %q in templates", env)
		}
		if len(defs) == 0 {
			return nil, validate.Errorf("template for %s has no stages", env)
		}
		for _, def := range defs {
			if err := validate.Struct(def); err != nil {
				return nil, fmt.Errorf("template for %s: %w", env, err)
			}
		}
		out[env] = defs
	}
	return out, nil
}
