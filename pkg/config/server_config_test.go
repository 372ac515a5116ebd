package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9090
finetune:
  endpoint: "http://backend:8090"
  request_timeout: 30s
  cancel_retry_delays: [5s, 10s]
auth:
  jwt_secret: "test-secret"
storage:
  type: "sqlite"
  sqlite:
    path: "data/test.db"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := LoadServerConfig(configPath, dir)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "http://backend:8090", cfg.Finetune.Endpoint)
	assert.Equal(t, Duration(30*time.Second), cfg.Finetune.RequestTimeout)
	assert.Equal(t, []Duration{Duration(5 * time.Second), Duration(10 * time.Second)}, cfg.Finetune.CancelRetryDelays)
	// 相对路径按工作目录展开
	assert.Equal(t, filepath.Join(dir, "data/test.db"), cfg.Storage.SQLite.Path)
	// 未覆盖的字段保留默认值
	assert.Len(t, cfg.Finetune.JobGoneCodes, 2)
}

func TestServerConfigValidate(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Auth.JWTSecret = "secret"
	assert.NoError(t, cfg.Validate())

	t.Run("MissingEndpoint", func(t *testing.T) {
		bad := *cfg
		bad.Finetune.Endpoint = ""
		assert.Error(t, bad.Validate())
	})

	t.Run("MissingJWTSecret", func(t *testing.T) {
		bad := *cfg
		bad.Auth.JWTSecret = ""
		assert.Error(t, bad.Validate())
	})

	t.Run("NoRetryDelays", func(t *testing.T) {
		bad := *cfg
		bad.Finetune.CancelRetryDelays = nil
		assert.Error(t, bad.Validate())
	})
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, Duration(15*time.Second), cfg.Finetune.RequestTimeout)
	assert.Equal(t, []Duration{Duration(10 * time.Second), Duration(20 * time.Second), Duration(30 * time.Second)},
		cfg.Finetune.CancelRetryDelays)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
}

func TestLoadServerConfigRejectsBadInput(t *testing.T) {
	write := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	t.Run("UnknownField", func(t *testing.T) {
		path := write(t, `
server:
  host: "127.0.0.1"
  port: 9090
  protcol: "http"
`)
		_, err := LoadServerConfig(path, filepath.Dir(path))
		assert.Error(t, err)
	})

	t.Run("UnparsableDuration", func(t *testing.T) {
		path := write(t, `
finetune:
  request_timeout: "fifteen seconds"
`)
		_, err := LoadServerConfig(path, filepath.Dir(path))
		assert.Error(t, err)
	})
}
