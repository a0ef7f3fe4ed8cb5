package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadOverlaysOnlyPresentKeysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sucredb.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("cluster_name: prod\nreplication_factor: 5\n"), 0o644))

	cfg, err := Load(path)
	assert.NoError(t, err)

	assert.Equal(t, "prod", cfg.ClusterName)
	assert.Equal(t, 5, cfg.ReplicationFactor)
	// everything else should still carry its default.
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultPartitions, cfg.Partitions)
	assert.Equal(t, ConsistencyOne, cfg.ConsistencyRead)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConsistencyLevelRequired(t *testing.T) {
	assert.Equal(t, 1, ConsistencyOne.Required(5))
	assert.Equal(t, 3, ConsistencyQuorum.Required(5))
	assert.Equal(t, 5, ConsistencyAll.Required(5))
	assert.Equal(t, 1, ConsistencyLevel("").Required(5), "an unrecognized level falls back to one, matching the original's default arm")
}
