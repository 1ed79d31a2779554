// Package credfile writes decrypted credentials into owner-scoped directories
// for worker processes and removes them again.
package credfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-isolation-service/internal/credpath"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
	"github.com/teresa-solution/integration-isolation-service/internal/provider"
)

// Materializer writes and removes credential files
type Materializer struct {
	resolver  *credpath.Resolver
	providers *provider.Registry

	// afterWrite is invoked with each final file path, tests use it to
	// observe permissions immediately after a write
	afterWrite func(path string)
}

func NewMaterializer(resolver *credpath.Resolver, providers *provider.Registry) *Materializer {
	return &Materializer{resolver: resolver, providers: providers}
}

// Dir returns the owner directory of an integration
func (m *Materializer) Dir(integration *model.Integration) (credpath.OwnerDir, error) {
	return m.resolver.ForIntegration(integration)
}

// Write materializes the provider's credential files and returns the path of
// the primary one
func (m *Materializer) Write(integration *model.Integration, bundle *model.CredentialBundle) (string, error) {
	p, err := m.providers.Lookup(integration.IntegrationType)
	if err != nil {
		return "", err
	}
	dir, err := m.resolver.ForIntegration(integration)
	if err != nil {
		return "", err
	}
	if err := dir.Ensure(); err != nil {
		return "", err
	}
	if _, err := credpath.EnsureDirectory(filepath.Join(dir.Path(), "tmp"), credpath.DirMode); err != nil {
		return "", err
	}

	files, err := p.Files(bundle)
	if err != nil {
		return "", fmt.Errorf("rendering %s credentials: %w", integration.IntegrationType, err)
	}

	var primary string
	for i, f := range files {
		path, err := dir.File(f.Name)
		if err != nil {
			return "", err
		}
		if err := writeAtomic(path, f.Data); err != nil {
			return "", fmt.Errorf("writing %s: %w", f.Name, err)
		}
		if m.afterWrite != nil {
			m.afterWrite(path)
		}
		if i == 0 {
			primary = path
		}
	}

	log.Info().
		Str("integration_type", integration.IntegrationType).
		Str("owner_type", string(integration.OwnerType)).
		Str("owner_id", integration.OwnerID).
		Int("files", len(files)).
		Msg("Materialized credentials")
	return primary, nil
}

// writeAtomic never lets the file exist with a mode wider than 0600, even
// briefly, and never leaves a partially written file at path
func writeAtomic(path string, data []byte) (err error) {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, credpath.FileMode)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	// umask can only narrow the mode, pin it anyway
	if err = f.Chmod(credpath.FileMode); err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Cleanup removes the integration's credential directory. Failures are
// logged and never returned.
func (m *Materializer) Cleanup(integration *model.Integration) {
	dir, err := m.resolver.ForIntegration(integration)
	if err != nil {
		log.Error().Err(err).Str("integration_type", integration.IntegrationType).Msg("Failed to resolve credentials for cleanup")
		return
	}
	if err := os.RemoveAll(dir.Path()); err != nil {
		log.Error().Err(err).Str("path", dir.Path()).Msg("Failed to cleanup credentials")
		return
	}
	log.Info().Str("path", dir.Path()).Msg("Cleaned up credentials")
}

// SweepOrphans removes owner directories that no active integration claims.
// It returns the number of directories removed.
func (m *Materializer) SweepOrphans(ctx context.Context, active []model.Key) (int, error) {
	type dirKey struct {
		ownerType       model.OwnerType
		ownerID         string
		integrationType string
	}
	keep := make(map[dirKey]bool, len(active))
	for _, k := range active {
		keep[dirKey{k.OwnerType, k.OwnerID, k.IntegrationType}] = true
	}

	dirs, err := m.resolver.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if keep[dirKey{d.OwnerType(), d.OwnerID(), d.IntegrationType()}] {
			continue
		}
		if err := os.RemoveAll(d.Path()); err != nil {
			log.Error().Err(err).Str("path", d.Path()).Msg("Failed to remove orphaned credentials")
			continue
		}
		removed++
		log.Warn().Str("path", d.Path()).Msg("Removed orphaned credentials")
	}
	return removed, nil
}
