package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"librevault-go/internal/meta"
	"librevault-go/internal/secret"
)

func TestDefaultFolderParamsMatchOriginalSourceDefaults(t *testing.T) {
	p := DefaultFolderParams()
	require.EqualValues(t, 1000, p.IndexEventTimeoutMS)
	require.EqualValues(t, 600, p.FullRescanIntervalS)
	require.True(t, p.PreserveSymlinks)
	require.True(t, p.NormalizeUnicode)
	require.Equal(t, meta.StrongHashSHA3_224, p.StrongHashType())
}

func writeConfig(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "folder.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestLoadLayersOverDefaults(t *testing.T) {
	owner, err := secret.NewOwner()
	require.NoError(t, err)

	path := writeConfig(t, map[string]any{
		"secret":                owner.String(),
		"path":                  "/tmp/sync",
		"full_rescan_interval":  60,
		"chunk_strong_hash_type": "sha256",
		"ignore_paths":          []string{"*.tmp"},
	})

	p, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, owner.String(), p.Secret)
	require.Equal(t, "/tmp/sync", p.Path)
	require.Equal(t, "/tmp/sync/.librevault", p.SystemPath)
	require.EqualValues(t, 1000, p.IndexEventTimeoutMS) // default, not overridden
	require.EqualValues(t, 60, p.FullRescanIntervalS)
	require.Equal(t, meta.StrongHashSHA256, p.StrongHashType())
	require.Equal(t, []string{"*.tmp"}, p.IgnorePaths)

	got, err := p.DecodeSecret()
	require.NoError(t, err)
	require.Equal(t, owner.Level(), got.Level())
}

func TestLoadBlake3HashType(t *testing.T) {
	owner, err := secret.NewOwner()
	require.NoError(t, err)

	path := writeConfig(t, map[string]any{
		"secret":                 owner.String(),
		"path":                   "/tmp/sync",
		"chunk_strong_hash_type": "blake3",
	})

	p, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, meta.StrongHashBLAKE3, p.StrongHashType())
}

func TestLoadRequiresSecretAndPath(t *testing.T) {
	path := writeConfig(t, map[string]any{"path": "/tmp/sync"})
	_, err := Load(path)
	require.Error(t, err)

	path = writeConfig(t, map[string]any{"secret": "x"})
	_, err = Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
