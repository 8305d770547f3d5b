package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
server:
  port: 8044
database:
  host: db
  port: 5432
  user: pixl
  password: secret
  dbname: pixl
broker:
  host: rabbit
  user: guest
  password: guest
projects:
  dir: /etc/pixl/projects
raw_cache:
  url: http://orthanc-raw:8042
  aet: PIXLRAW
sources:
  primary:
    host: vna.example.org
    port: 104
    called_aet: VNA
    calling_aet: PIXL
  secondary:
    host: pacs.example.org
    port: 104
    called_aet: PACS
    calling_aet: PIXL
secrets:
  backend: local
  local_dir: /etc/pixl/secrets
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_DefaultsApplied(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Sources.QueryTimeout)
	assert.Equal(t, 600*time.Second, cfg.Sources.TransferTimeout)
	assert.Equal(t, 10, cfg.Scheduler.MaxMessagesInFlight)
	assert.Equal(t, 5.0, cfg.Sources.Primary.Rate)
	assert.Equal(t, 60, cfg.RawCache.StableSeconds)
	assert.Equal(t, "none", cfg.Export.XNAT.Overwrite)
	assert.Equal(t, "archive", cfg.Export.XNAT.Destination)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PIXL_MAX_MESSAGES_IN_FLIGHT", "25")
	t.Setenv("ORTHANC_RAW_STABLE_SECONDS", "120")
	t.Setenv("XNAT_OVERWRITE", "append")

	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Scheduler.MaxMessagesInFlight)
	assert.Equal(t, 120, cfg.RawCache.StableSeconds)
	assert.Equal(t, "append", cfg.Export.XNAT.Overwrite)
}

func TestLoadConfig_MissingSourceFails(t *testing.T) {
	minimal := `
broker:
  host: rabbit
database:
  host: db
projects:
  dir: /etc/pixl/projects
raw_cache:
  url: http://orthanc-raw:8042
secrets:
  backend: local
  local_dir: /tmp
`
	_, err := LoadConfig(writeConfig(t, minimal))
	assert.Error(t, err)
}

func TestLoadConfig_BadXNATOption(t *testing.T) {
	t.Setenv("XNAT_OVERWRITE", "maybe")
	_, err := LoadConfig(writeConfig(t, validConfig))
	assert.Error(t, err)
}
