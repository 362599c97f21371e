package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
api:
  host: 0.0.0.0
  port: 8080
  enable_cors: true
database:
  host: db.internal
  port: 3306
  username: flowdialer
  password: filepass
  database: flowdialer
signaling:
  host: pbx.internal
  port: 5038
  username: dialer
  secret: amisecret
dialer:
  max_concurrent_dials: 4
  test_call_ceiling: 30
auth:
  secret: jwtsecret
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowdialer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.API.Address())
	assert.True(t, cfg.API.EnableCORS)
	assert.Equal(t, "pbx.internal:5038", cfg.Signaling.Address())
	assert.Equal(t, "amisecret", cfg.Signaling.Secret)
	assert.Equal(t, "jwtsecret", cfg.Auth.Secret)

	assert.Equal(t, 4, cfg.Dialer.MaxConcurrentDials)
	assert.Equal(t, 30*time.Second, cfg.Dialer.TestCallCeiling())
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "api:\n  port: 8080\n"))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Dialer.MaxConcurrentDials)
	assert.Equal(t, 45*time.Second, cfg.Dialer.DialTimeout())
	assert.Equal(t, 60*time.Second, cfg.Dialer.TestCallCeiling())
	assert.Equal(t, 5*time.Minute, cfg.Dialer.ReclaimMaxAge())
	assert.Equal(t, 3, cfg.Dialer.ContactMaxAttempts)
	assert.Equal(t, 5, cfg.Signaling.ReconnectInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLOWDIALER_DB_PASSWORD", "envpass")
	t.Setenv("FLOWDIALER_AMI_SECRET", "envami")
	t.Setenv("FLOWDIALER_AUTH_SECRET", "envjwt")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "envpass", cfg.Database.Password)
	assert.Equal(t, "envami", cfg.Signaling.Secret)
	assert.Equal(t, "envjwt", cfg.Auth.Secret)
	// untouched values come from the file
	assert.Equal(t, "flowdialer", cfg.Database.Username)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{
		Host:     "db.internal",
		Port:     3306,
		Username: "flowdialer",
		Password: "pw",
		Database: "flowdialer",
	}
	assert.Equal(t,
		"flowdialer:pw@tcp(db.internal:3306)/flowdialer?parseTime=true&charset=utf8mb4",
		d.DSN())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "api: [not a map"))
	assert.Error(t, err)
}
