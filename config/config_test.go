package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "wanotify.yml")
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))
	return file
}

func TestLoadConfigMergesDefaults(t *testing.T) {
	workdir := t.TempDir()
	file := writeConfig(t, `
system:
  workdir: `+workdir+`
database:
  type: postgres
instance:
  connect_timeout: 45s
queue:
  drain_cron: "@every 1m"
`)

	cfg := LoadConfig(file)

	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, 45*time.Second, cfg.Instance.ConnectTimeout)
	assert.Equal(t, "@every 1m", cfg.Queue.DrainCron)
	// untouched sections keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Instance.InitWait)
	assert.Equal(t, 3*time.Second, cfg.Instance.SettleDelay)
	assert.Equal(t, 20, cfg.Dispatch.DefaultPerMinute)
	assert.Equal(t, "@s.whatsapp.net", cfg.Driver.RecipientSuffix)
	assert.DirExists(t, cfg.GetSessionsDir())
	assert.DirExists(t, cfg.GetLogDir())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	workdir := t.TempDir()
	file := writeConfig(t, "system:\n  workdir: "+workdir+"\n")

	t.Setenv("WANOTIFY_WEB_PORT", "8088")
	t.Setenv("WANOTIFY_DRIVER_TYPE", "mock")
	t.Setenv("WANOTIFY_INSTANCE_SETTLE_DELAY", "250ms")
	t.Setenv("WANOTIFY_LOGGER_FILE_ENABLE", "false")
	t.Setenv("WANOTIFY_DISPATCH_PER_MINUTE", "not-a-number")

	cfg := LoadConfig(file)

	assert.Equal(t, 8088, cfg.Web.Port)
	assert.Equal(t, "mock", cfg.Driver.Type)
	assert.Equal(t, 250*time.Millisecond, cfg.Instance.SettleDelay)
	assert.False(t, cfg.Logger.FileEnable)
	assert.Equal(t, 20, cfg.Dispatch.DefaultPerMinute, "invalid values are ignored")
}

func TestLoadConfigDoesNotMutateDefaults(t *testing.T) {
	file := writeConfig(t, "system:\n  workdir: "+t.TempDir()+"\nweb:\n  port: 9999\n")

	_ = LoadConfig(file)

	assert.Equal(t, 3001, DefaultAppConfig.Web.Port)
}
