package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Managed())
	assert.Equal(t, 2500*time.Millisecond, cfg.CleanupDelay)
	assert.Equal(t, 5*time.Minute, cfg.ArchiveDelay)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livedoc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
threads: 4
region: us-east
machine: m7
database: /var/lib/livedoc/local.db
finder_database: /shared/finder.db
archive_database: /shared/archive.db
spaces_dir: /etc/livedoc/spaces
cleanup_delay: 10s
archive_delay: 1m
archive_retry: 5s
metrics_addr: ":9090"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Threads)
	assert.Equal(t, "us-east", cfg.Region)
	assert.Equal(t, "m7", cfg.Machine)
	assert.True(t, cfg.Managed())
	assert.Equal(t, "/shared/archive.db", cfg.ArchiveDatabase)
	assert.Equal(t, 10*time.Second, cfg.CleanupDelay)
	assert.Equal(t, 2500*time.Millisecond, cfg.ReconcileDelay, "unset keys keep defaults")
	assert.Equal(t, time.Minute, cfg.ArchiveDelay)
	assert.Equal(t, 5*time.Second, cfg.ArchiveRetry)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestParse_EmptyDocumentKeepsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("treads: 4\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "threads", yaml: "threads: 0", want: "threads must be at least 1"},
		{name: "database", yaml: `database: ""`, want: "database is required"},
		{name: "spaces", yaml: `spaces_dir: ""`, want: "spaces_dir is required"},
		{name: "managed identity", yaml: "finder_database: f.db\nmachine: \"\"", want: "region and machine are required"},
		{name: "duration", yaml: "cleanup_delay: 0s", want: "cleanup_delay must be positive"},
		{name: "retry above delay", yaml: "archive_retry: 10m", want: "must not exceed archive_delay"},
		{name: "bad duration", yaml: "archive_delay: soon", want: "failed to parse YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
