package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, "multiauth", cfg.AppName)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "http://127.0.0.1:8085/google/callback", cfg.Google.CallbackURL)
	assert.False(t, cfg.Google.Enabled())
	assert.True(t, cfg.Google.VerifyTokens)
	assert.False(t, cfg.Apple.Enabled())
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MULTIAUTH_BACKEND", "IdentityToolkit")
	t.Setenv("IDENTITYTOOLKIT_API_KEY", "key-1")
	t.Setenv("MULTIAUTH_LOG_LEVEL", "debug")
	t.Setenv("MULTIAUTH_HTTP_TIMEOUT", "5s")
	t.Setenv("OAUTH2_GOOGLE_CLIENT_ID", "google-id")
	t.Setenv("OAUTH2_GOOGLE_VERIFY_TOKENS", "false")
	t.Setenv("OAUTH2_APPLE_CLIENT_ID", "com.example.app")
	t.Setenv("OAUTH2_APPLE_TEAM_ID", "TEAM")
	t.Setenv("OAUTH2_APPLE_KEY_ID", "KEY")
	t.Setenv("OAUTH2_APPLE_PRIVATE_KEY_PATH", "/keys/apple.p8")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendIdentityToolkit, cfg.Backend)
	assert.Equal(t, "key-1", cfg.IdentityToolkit.APIKey)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.True(t, cfg.Google.Enabled())
	assert.False(t, cfg.Google.VerifyTokens)
	assert.True(t, cfg.Apple.Enabled())
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("MULTIAUTH_APP_NAME=fromfile\nMULTIAUTH_SESSION_SECRET=s3cret\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("MULTIAUTH_APP_NAME")
		os.Unsetenv("MULTIAUTH_SESSION_SECRET")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fromfile", cfg.AppName)
	assert.Equal(t, "s3cret", cfg.SessionSecret)

	_, err = Load(filepath.Join(dir, "missing.env"))
	assert.Error(t, err)
}

func TestLoadDefaultEnvFile(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		t.Chdir(t.TempDir())
		require.NoError(t, os.WriteFile(".env", []byte("MULTIAUTH_LOG_LEVEL=debug\n"), 0o600))
		t.Cleanup(func() { os.Unsetenv("MULTIAUTH_LOG_LEVEL") })

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("malformed", func(t *testing.T) {
		t.Chdir(t.TempDir())
		require.NoError(t, os.WriteFile(".env", []byte("MULTIAUTH_APP_NAME=\"unterminated\n"), 0o600))

		_, err := Load("")
		assert.ErrorContains(t, err, "load .env")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory", Config{Backend: "memory", LogLevel: "info", HTTPTimeout: time.Second}, false},
		{"toolkit without key", Config{Backend: "identitytoolkit", LogLevel: "info", HTTPTimeout: time.Second}, true},
		{"unknown backend", Config{Backend: "ldap", LogLevel: "info", HTTPTimeout: time.Second}, true},
		{"bad log level", Config{Backend: "memory", LogLevel: "loud", HTTPTimeout: time.Second}, true},
		{"zero timeout", Config{Backend: "memory", LogLevel: "info"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	level, err := ParseLogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLogLevel("verbose")
	assert.Error(t, err)
}
