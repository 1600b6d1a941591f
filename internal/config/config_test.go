package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWhenFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8580", cfg.Listen)
	assert.Equal(t, "slideannot.db", cfg.DBPath)
	assert.True(t, cfg.History)
	assert.Equal(t, 30, cfg.GC.MinAgeDays)
	assert.Equal(t, 10, cfg.GC.KeepInactiveVersions)
}

func TestExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slideannot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: "127.0.0.1:9000"
db_path: /var/lib/slideannot/annotations.db
history: false
log_level: debug
gc:
  min_age_days: 14
  keep_inactive_versions: 3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "/var/lib/slideannot/annotations.db", cfg.DBPath)
	assert.False(t, cfg.History)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 14, cfg.GC.MinAgeDays)
	assert.Equal(t, 3, cfg.GC.KeepInactiveVersions)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slideannot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9000\"\n"), 0o644))
	t.Setenv("SLIDEANNOT_LISTEN", ":9001")
	t.Setenv("SLIDEANNOT_GC_MIN_AGE_DAYS", "21")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9001", cfg.Listen)
	assert.Equal(t, 21, cfg.GC.MinAgeDays)
}

func TestExampleIsLoadable(t *testing.T) {
	out, err := Example()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "slideannot.yaml")
	require.NoError(t, os.WriteFile(path, out, 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"gc age below floor", func(c *Config) { c.GC.MinAgeDays = 3 }},
		{"negative keep count", func(c *Config) { c.GC.KeepInactiveVersions = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
