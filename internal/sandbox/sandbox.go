// Package sandbox builds the environment a worker process runs with. The
// environment is assembled from scratch and never inherits from the service.
package sandbox

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
	"github.com/teresa-solution/integration-isolation-service/internal/provider"
)

const (
	DefaultPath = "/usr/local/bin:/usr/bin:/bin"

	ProcessNameEnv = "INTEGRATION_PROCESS_NAME"
	TypeEnv        = "INTEGRATION_TYPE"
	OwnerTypeEnv   = "INTEGRATION_OWNER_TYPE"
	OwnerIDEnv     = "INTEGRATION_OWNER_ID"
)

// deniedNames never reach a worker, whatever the provider schema says
var deniedNames = []string{
	"DATABASE_URL",
	"SQLALCHEMY_DATABASE_URI",
	"REDIS_URL",
	"REDIS_PASSWORD",
	"ENCRYPTION_KEY",
	"SECRET_KEY",
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"GOOGLE_APPLICATION_CREDENTIALS",
	"NODE_OPTIONS",
	"PATH",
	"HOME",
	"TMPDIR",
}

var deniedPrefixes = []string{"LD_", "DYLD_", "INTEGRATION_"}

// Denied reports whether a variable name may never be passed to a worker
func Denied(name string) bool {
	upper := strings.ToUpper(name)
	for _, d := range deniedNames {
		if upper == d {
			return true
		}
	}
	for _, p := range deniedPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}

// ValidateConfig rejects configuration keys the provider schema does not
// list, and denylisted names, at configuration time
func ValidateConfig(schema provider.EnvSchema, config map[string]string) error {
	var unknown []string
	for key := range config {
		if Denied(key) {
			return fmt.Errorf("configuration key %q is not allowed", key)
		}
		if _, ok := schema[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown configuration keys %s, allowed: %s",
			strings.Join(unknown, ", "), strings.Join(schema.Keys(), ", "))
	}
	for _, key := range schema.Keys() {
		if schema[key].Required && config[key] == "" {
			return fmt.Errorf("configuration key %q is required", key)
		}
	}
	return nil
}

// Sandbox builds worker environments
type Sandbox struct {
	path string
}

// New returns a sandbox whose workers search path for executables. An empty
// path uses DefaultPath.
func New(path string) *Sandbox {
	if path == "" {
		path = DefaultPath
	}
	return &Sandbox{path: path}
}

// BuildEnv returns the complete environment for the integration's worker
func (s *Sandbox) BuildEnv(integration *model.Integration, p *provider.Provider, dir string, config map[string]string) map[string]string {
	env := map[string]string{
		"PATH":         s.path,
		"LANG":         "C.UTF-8",
		"LC_ALL":       "C.UTF-8",
		"HOME":         dir,
		"TMPDIR":       filepath.Join(dir, "tmp"),
		ProcessNameEnv: integration.ProcessName(),
		TypeEnv:        integration.IntegrationType,
		OwnerTypeEnv:   string(integration.OwnerType),
		OwnerIDEnv:     integration.OwnerID,
	}
	for k, v := range p.WorkerEnv(dir) {
		env[k] = v
	}

	for key, value := range config {
		if Denied(key) {
			log.Warn().Str("process_name", integration.ProcessName()).Str("key", key).Msg("Dropping denylisted configuration key")
			continue
		}
		if _, ok := p.Schema[key]; !ok {
			log.Warn().Str("process_name", integration.ProcessName()).Str("key", key).Msg("Dropping configuration key outside the provider schema")
			continue
		}
		env[key] = value
	}
	return env
}

// Environ flattens env into KEY=VALUE pairs sorted by key
func Environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
