package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8098", cfg.Remote.URL)
	assert.Equal(t, ":8098", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commentsync.toml")
	content := `
[remote]
url = "https://api.example.com"
token = "secret"

[log]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.Remote.URL)
	assert.Equal(t, "secret", cfg.Remote.Token)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":8098", cfg.Server.Addr, "untouched keys keep their defaults")
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	t.Setenv("COMMENTSYNC_REMOTE_URL", "https://env.example.com")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Remote.URL)
}

func TestLoadConfig_MissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestInitConfig_WritesSampleOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commentsync.toml")

	require.NoError(t, InitConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://content-api.example.com", cfg.Remote.URL)

	require.Error(t, InitConfig(path), "must not clobber an existing file")
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	cfg.Log.Level = "verbose"
	require.Error(t, Validate(cfg))

	cfg.Log.Level = "info"
	cfg.Remote.URL = ""
	require.Error(t, Validate(cfg))
}
