package provider

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// override is one entry of the providers file. Unset fields keep the
// built-in value.
type override struct {
	WorkerType string   `yaml:"worker_type"`
	Command    []string `yaml:"command"`
	AllowedEnv []string `yaml:"allowed_env"`
	Scopes     []string `yaml:"scopes"`
	TokenURL   string   `yaml:"token_url"`
}

type overridesFile struct {
	Providers map[string]override `yaml:"providers"`
}

// LoadOverrides applies a YAML providers file to the registry, e.g.
//
//	providers:
//	  gmail:
//	    command: ["/opt/workers/gmail-mcp"]
//	    allowed_env: [GMAIL_MAX_RESULTS]
func (r *Registry) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading providers file: %w", err)
	}
	return r.ApplyOverrides(data)
}

// ApplyOverrides applies YAML providers content to the registry
func (r *Registry) ApplyOverrides(data []byte) error {
	var file overridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing providers file: %w", err)
	}

	for integrationType, o := range file.Providers {
		base, err := r.Lookup(integrationType)
		if err != nil {
			return err
		}
		p := base.clone()
		if o.WorkerType != "" {
			p.WorkerType = o.WorkerType
		}
		if len(o.Command) > 0 {
			p.Command = o.Command
		}
		if len(o.Scopes) > 0 {
			p.Scopes = o.Scopes
		}
		if o.TokenURL != "" {
			p.TokenURL = o.TokenURL
		}
		if o.AllowedEnv != nil {
			schema := make(EnvSchema, len(o.AllowedEnv))
			for _, key := range o.AllowedEnv {
				if v, ok := p.Schema[key]; ok {
					schema[key] = v
				} else {
					schema[key] = EnvVar{}
				}
			}
			p.Schema = schema
		}
		r.Register(p)
		log.Info().Str("integration_type", integrationType).Strs("command", p.Command).Msg("Applied provider override")
	}
	return nil
}
