package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beaverdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
path: /var/lib/beaverdb
columns:
  - ref_counted: false
  - ref_counted: true
sync_data: true
stats: true
metrics:
  enabled: true
  port: 9090
stress:
  commits: 500
  writers: 8
  value_size: 4KB
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/beaverdb", cfg.Path)
	require.Len(t, cfg.Columns, 2)
	assert.False(t, cfg.Columns[0].RefCounted)
	assert.True(t, cfg.Columns[1].RefCounted)
	assert.True(t, cfg.SyncData)
	assert.True(t, cfg.Stats)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, 500, cfg.Stress.Commits)
	assert.Equal(t, 8, cfg.Stress.Writers)
	assert.Equal(t, 4*datasize.KB, cfg.Stress.ValueSize)
}

func TestLoadConfigDefaultsColumns(t *testing.T) {
	path := writeConfig(t, "path: /tmp/db\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Columns, 1)
}

func TestLoadConfigMissingPath(t *testing.T) {
	path := writeConfig(t, "stats: true\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing the database path")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestBuildCLI(t *testing.T) {
	root := BuildCLI()
	names := make(map[string]bool)
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["stress"])
	assert.True(t, names["check"])
	assert.True(t, names["stats"])
}
