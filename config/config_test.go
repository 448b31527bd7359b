package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ember.yaml")
	body := []byte("data_dir: /var/lib/ember\ncache_bits: 8\nuse_compression: true\n")
	require.NoError(t, os.WriteFile(path, body, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/ember", cfg.DataDir)
	require.Equal(t, uint(8), cfg.CacheBits)
	require.True(t, cfg.UseCompression)

	// Untouched fields keep their default value.
	require.Equal(t, Default().IOBufSize, cfg.IOBufSize)
}

func TestPageCacheConfigProjection(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	pc := cfg.PageCacheConfig()
	require.Equal(t, "/data", pc.Path)
	require.Equal(t, cfg.IOBufSize, pc.IOBufSize)
	require.Equal(t, cfg.SnapshotAfterOps, pc.SnapshotAfterOps)
}
