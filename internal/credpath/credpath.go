// Package credpath resolves where decrypted credentials may be written and
// hands out owner-scoped directories as capabilities. Nothing else in the
// service builds credential paths by hand.
package credpath

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-isolation-service/internal/errs"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
	"github.com/teresa-solution/integration-isolation-service/internal/monitoring"
)

const (
	DirMode  os.FileMode = 0o700
	FileMode os.FileMode = 0o600

	// OverrideEnv explicitly sets the credentials base path
	OverrideEnv = "INTEGRATION_CREDENTIALS_PATH"

	appDirName = "integration-isolation"
)

var (
	ErrUnsafeBasePath = errors.New("unsafe credentials base path")
	ErrInvalidSegment = errors.New("invalid credential path segment")

	// DefaultWebRoots are never acceptable as a credentials location
	DefaultWebRoots = []string{"/var/www", "/srv/www", "/srv/http", "/usr/share/nginx", "/usr/local/www"}

	segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._@-]{0,127}$`)
)

// LookupEnv matches os.LookupEnv
type LookupEnv func(key string) (string, bool)

// ResolveBasePath picks the credentials base directory: explicit override,
// then the platform's persistent state directory, then a user-local fallback.
func ResolveBasePath(lookup LookupEnv, webRoots []string) (string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var base string
	if v, ok := lookup(OverrideEnv); ok && v != "" {
		base = v
	} else if v, ok := lookup("STATE_DIRECTORY"); ok && v != "" {
		// systemd may pass several colon separated directories
		base = filepath.Join(strings.Split(v, ":")[0], "credentials")
	} else if v, ok := lookup("PERSISTENT_DATA_DIR"); ok && v != "" {
		base = filepath.Join(v, appDirName, "credentials")
	} else if v, ok := lookup("XDG_STATE_HOME"); ok && v != "" {
		base = filepath.Join(v, appDirName, "credentials")
	} else if v, ok := lookup("HOME"); ok && v != "" {
		base = filepath.Join(v, ".local", "state", appDirName, "credentials")
	} else {
		return "", fmt.Errorf("%w: no %s, state directory or home directory available", ErrUnsafeBasePath, OverrideEnv)
	}

	if !filepath.IsAbs(base) {
		return "", fmt.Errorf("%w: %q is not absolute", ErrUnsafeBasePath, base)
	}
	base = filepath.Clean(base)

	for _, root := range webRoots {
		if root == "" {
			continue
		}
		root = filepath.Clean(root)
		if base == root || strings.HasPrefix(base, root+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s is inside web root %s", ErrUnsafeBasePath, base, root)
		}
	}
	return base, nil
}

// EnsureDirectory creates path with mode if absent and corrects the mode when
// it has drifted. corrected is true when an existing directory had to be fixed.
func EnsureDirectory(path string, mode os.FileMode) (corrected bool, err error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(path, mode); err != nil {
			return false, fmt.Errorf("creating %s: %w", path, err)
		}
		// MkdirAll is subject to the umask, pin the exact mode
		return false, os.Chmod(path, mode)
	}
	if err != nil {
		return false, err
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		return false, fmt.Errorf("%w: %s is a symlink", ErrUnsafeBasePath, path)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%w: %s is not a directory", ErrUnsafeBasePath, path)
	}

	if info.Mode().Perm() == mode.Perm() {
		return false, nil
	}

	if err := os.Chmod(path, mode); err != nil {
		return false, fmt.Errorf("correcting permissions on %s: %w", path, err)
	}

	warning := errs.PermissionCorrectionWarning{Path: path, Was: uint32(info.Mode().Perm()), Want: uint32(mode.Perm())}
	log.Warn().
		Str("security", "permission_correction").
		Str("path", path).
		Msg(warning.Error())
	monitoring.PermissionCorrections.Inc()
	monitoring.Alert("Credential directory permissions drifted", map[string]interface{}{"path": path})
	return true, nil
}

// Resolver owns the credentials base directory
type Resolver struct {
	base string
}

// NewResolver ensures base exists with owner-only permissions
func NewResolver(base string) (*Resolver, error) {
	if !filepath.IsAbs(base) {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrUnsafeBasePath, base)
	}
	base = filepath.Clean(base)
	if _, err := EnsureDirectory(base, DirMode); err != nil {
		return nil, err
	}
	return &Resolver{base: base}, nil
}

// BasePath returns the resolved base directory
func (r *Resolver) BasePath() string {
	return r.base
}

// OwnerDir is the capability to one owner's credential directory. It can only
// be obtained from Resolver.OwnerDir.
type OwnerDir struct {
	base     string
	segments []string
}

// OwnerDir builds {base}/{owner_type}/{owner_id}/{integration_type}
func (r *Resolver) OwnerDir(ownerType model.OwnerType, ownerID, integrationType string) (OwnerDir, error) {
	if !ownerType.Valid() {
		return OwnerDir{}, fmt.Errorf("%w: owner type %q", ErrInvalidSegment, ownerType)
	}
	for _, seg := range []string{ownerID, integrationType} {
		if !segmentPattern.MatchString(seg) {
			return OwnerDir{}, fmt.Errorf("%w: %q", ErrInvalidSegment, seg)
		}
	}

	dir := OwnerDir{base: r.base, segments: []string{string(ownerType), ownerID, integrationType}}
	rel, err := filepath.Rel(r.base, dir.Path())
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return OwnerDir{}, fmt.Errorf("%w: escapes base path", ErrInvalidSegment)
	}
	return dir, nil
}

// ForIntegration is OwnerDir keyed by the integration's owner and type
func (r *Resolver) ForIntegration(integration *model.Integration) (OwnerDir, error) {
	return r.OwnerDir(integration.OwnerType, integration.OwnerID, integration.IntegrationType)
}

// Path returns the absolute directory path
func (d OwnerDir) Path() string {
	return filepath.Join(append([]string{d.base}, d.segments...)...)
}

// OwnerType, OwnerID and IntegrationType expose the location of the directory
func (d OwnerDir) OwnerType() model.OwnerType { return model.OwnerType(d.segments[0]) }
func (d OwnerDir) OwnerID() string            { return d.segments[1] }
func (d OwnerDir) IntegrationType() string    { return d.segments[2] }

// File returns the path of a file directly inside the directory
func (d OwnerDir) File(name string) (string, error) {
	if !segmentPattern.MatchString(strings.TrimPrefix(name, ".")) || strings.HasPrefix(name, "..") {
		return "", fmt.Errorf("%w: file %q", ErrInvalidSegment, name)
	}
	return filepath.Join(d.Path(), name), nil
}

// Ensure creates every level below base with owner-only permissions
func (d OwnerDir) Ensure() error {
	current := d.base
	for _, seg := range d.segments {
		current = filepath.Join(current, seg)
		if _, err := EnsureDirectory(current, DirMode); err != nil {
			return err
		}
	}
	return nil
}

// List returns every owner directory currently on disk
func (r *Resolver) List() ([]OwnerDir, error) {
	var dirs []OwnerDir
	for _, ownerType := range []model.OwnerType{model.OwnerTenant, model.OwnerUser} {
		owners, err := os.ReadDir(filepath.Join(r.base, string(ownerType)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, owner := range owners {
			if !owner.IsDir() {
				continue
			}
			types, err := os.ReadDir(filepath.Join(r.base, string(ownerType), owner.Name()))
			if err != nil {
				return nil, err
			}
			for _, t := range types {
				if !t.IsDir() {
					continue
				}
				dir, err := r.OwnerDir(ownerType, owner.Name(), t.Name())
				if err != nil {
					log.Warn().Err(err).Str("path", filepath.Join(r.base, string(ownerType), owner.Name(), t.Name())).
						Msg("Skipping unexpected entry in credentials directory")
					continue
				}
				dirs = append(dirs, dir)
			}
		}
	}
	return dirs, nil
}
