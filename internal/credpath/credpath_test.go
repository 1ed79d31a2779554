package credpath

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
)

func envOf(vars map[string]string) LookupEnv {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestResolveBasePath_Precedence(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "explicit override wins",
			env:  map[string]string{OverrideEnv: "/opt/creds", "STATE_DIRECTORY": "/var/lib/app", "HOME": "/home/u"},
			want: "/opt/creds",
		},
		{
			name: "systemd state directory",
			env:  map[string]string{"STATE_DIRECTORY": "/var/lib/app:/var/lib/other", "HOME": "/home/u"},
			want: "/var/lib/app/credentials",
		},
		{
			name: "platform persistent disk",
			env:  map[string]string{"PERSISTENT_DATA_DIR": "/data", "HOME": "/home/u"},
			want: "/data/integration-isolation/credentials",
		},
		{
			name: "xdg state home",
			env:  map[string]string{"XDG_STATE_HOME": "/home/u/.state", "HOME": "/home/u"},
			want: "/home/u/.state/integration-isolation/credentials",
		},
		{
			name: "home fallback",
			env:  map[string]string{"HOME": "/home/u"},
			want: "/home/u/.local/state/integration-isolation/credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveBasePath(envOf(tt.env), DefaultWebRoots)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// deterministic
			again, err := ResolveBasePath(envOf(tt.env), DefaultWebRoots)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestResolveBasePath_RejectsUnsafe(t *testing.T) {
	for _, base := range []string{"relative/creds", "/var/www/app/creds", "/var/www"} {
		_, err := ResolveBasePath(envOf(map[string]string{OverrideEnv: base}), DefaultWebRoots)
		assert.ErrorIs(t, err, ErrUnsafeBasePath, base)
	}

	_, err := ResolveBasePath(envOf(map[string]string{}), DefaultWebRoots)
	assert.ErrorIs(t, err, ErrUnsafeBasePath)

	// a sibling sharing the prefix is fine
	got, err := ResolveBasePath(envOf(map[string]string{OverrideEnv: "/var/www-private/creds"}), DefaultWebRoots)
	require.NoError(t, err)
	assert.Equal(t, "/var/www-private/creds", got)
}

func TestEnsureDirectory_CreatesAndCorrects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b")

	corrected, err := EnsureDirectory(path, DirMode)
	require.NoError(t, err)
	assert.False(t, corrected)
	assertMode(t, path, DirMode)

	require.NoError(t, os.Chmod(path, 0o755))
	corrected, err = EnsureDirectory(path, DirMode)
	require.NoError(t, err)
	assert.True(t, corrected)
	assertMode(t, path, DirMode)

	corrected, err = EnsureDirectory(path, DirMode)
	require.NoError(t, err)
	assert.False(t, corrected)
}

func TestEnsureDirectory_RejectsSymlinkAndFile(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "target")
	require.NoError(t, os.Mkdir(target, 0o700))
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(target, link))

	_, err := EnsureDirectory(link, DirMode)
	assert.ErrorIs(t, err, ErrUnsafeBasePath)

	file := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = EnsureDirectory(file, DirMode)
	assert.ErrorIs(t, err, ErrUnsafeBasePath)
}

func TestResolver_OwnerDir(t *testing.T) {
	r, err := NewResolver(filepath.Join(t.TempDir(), "creds"))
	require.NoError(t, err)
	assertMode(t, r.BasePath(), DirMode)

	dir, err := r.OwnerDir(model.OwnerUser, "5", "gmail")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.BasePath(), "user", "5", "gmail"), dir.Path())
	assert.Equal(t, model.OwnerUser, dir.OwnerType())
	assert.Equal(t, "5", dir.OwnerID())
	assert.Equal(t, "gmail", dir.IntegrationType())

	require.NoError(t, dir.Ensure())
	assertMode(t, filepath.Join(r.BasePath(), "user"), DirMode)
	assertMode(t, filepath.Join(r.BasePath(), "user", "5"), DirMode)
	assertMode(t, dir.Path(), DirMode)

	dirs, err := r.List()
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.Equal(t, dir.Path(), dirs[0].Path())
}

func TestResolver_OwnerDirRejectsTraversal(t *testing.T) {
	r, err := NewResolver(filepath.Join(t.TempDir(), "creds"))
	require.NoError(t, err)

	hostile := []struct {
		ownerType       model.OwnerType
		ownerID         string
		integrationType string
	}{
		{model.OwnerUser, "../5", "gmail"},
		{model.OwnerUser, "..", "gmail"},
		{model.OwnerUser, ".", "gmail"},
		{model.OwnerUser, "5/../../tenant/3", "gmail"},
		{model.OwnerUser, "5", "../../etc"},
		{model.OwnerUser, "", "gmail"},
		{model.OwnerUser, "5\x00", "gmail"},
		{model.OwnerUser, `..\5`, "gmail"},
		{model.OwnerUser, ".hidden", "gmail"},
		{model.OwnerType("../tenant"), "5", "gmail"},
		{model.OwnerType("admin"), "5", "gmail"},
	}
	for _, h := range hostile {
		_, err := r.OwnerDir(h.ownerType, h.ownerID, h.integrationType)
		assert.ErrorIs(t, err, ErrInvalidSegment, "%q/%q/%q", h.ownerType, h.ownerID, h.integrationType)
	}

	dir, err := r.OwnerDir(model.OwnerTenant, "3", "outlook")
	require.NoError(t, err)
	for _, name := range []string{"../x", "a/b", "..", ""} {
		_, err := dir.File(name)
		assert.ErrorIs(t, err, ErrInvalidSegment, name)
	}
	p, err := dir.File(".env")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir.Path(), ".env"), p)
}

func assertMode(t *testing.T, path string, want os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, want, info.Mode().Perm(), path)
}
