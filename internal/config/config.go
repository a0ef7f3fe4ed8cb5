// Package config loads the node's YAML configuration file, mirroring the
// field set of the original implementation's config.rs.
package config

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Defaults, per the original's config.rs.
const (
	DefaultListenAddr        = "127.0.0.1:6379"
	DefaultFabricAddr        = "127.0.0.1:16379"
	DefaultClusterName       = "default"
	DefaultDataDir           = "./data"
	DefaultReplicationFactor = 3
	DefaultPartitions        = 64
	MaxKeyLen                = 500
	MaxValueLen              = 10 * 1024 * 1024
)

// ConsistencyLevel names a quorum requirement relative to the replica
// count N, mirroring ConsistencyLevel in the original source.
type ConsistencyLevel string

const (
	ConsistencyOne    ConsistencyLevel = "one"
	ConsistencyQuorum ConsistencyLevel = "quorum"
	ConsistencyAll    ConsistencyLevel = "all"
)

// Required resolves the level to a required-reply count out of n replicas.
func (c ConsistencyLevel) Required(n int) int {
	switch c {
	case ConsistencyAll:
		return n
	case ConsistencyQuorum:
		return n/2 + 1
	default:
		return 1
	}
}

// Config is the node's full runtime configuration, loaded from YAML. The
// only command-line flags that set fields are init-cluster's --partitions
// and --replication-factor in cmd/sucredbd; serve takes every field from
// the file.
type Config struct {
	DataDir             string           `yaml:"data_dir"`
	ClusterName         string           `yaml:"cluster_name"`
	ListenAddr          string           `yaml:"listen_addr"`
	FabricAddr          string           `yaml:"fabric_addr"`
	WorkerTimerMs       int              `yaml:"worker_timer"`
	WorkerCount         int              `yaml:"worker_count"`
	SyncIncomingMax     int              `yaml:"sync_incoming_max"`
	SyncOutgoingMax     int              `yaml:"sync_outgoing_max"`
	SyncAuto            bool             `yaml:"sync_auto"`
	SyncTimeoutMs       int              `yaml:"sync_timeout"`
	SyncMsgTimeoutMs    int              `yaml:"sync_msg_timeout"`
	SyncMsgInflight     int              `yaml:"sync_msg_inflight"`
	FabricTimeoutMs     int              `yaml:"fabric_timeout"`
	RequestTimeoutMs    int              `yaml:"request_timeout"`
	ClientConnectionMax int              `yaml:"client_connection_max"`
	ValueVersionMax     int              `yaml:"value_version_max"`
	SeedNodes           []string         `yaml:"seed_nodes"`
	ConsistencyRead     ConsistencyLevel `yaml:"consistency_read"`
	ConsistencyWrite    ConsistencyLevel `yaml:"consistency_write"`

	// ReplicationFactor and Partitions are only meaningful on cluster init.
	ReplicationFactor int `yaml:"replication_factor"`
	Partitions        int `yaml:"partitions"`
}

// Default returns the built-in defaults, matching the original's
// impl Default for Config.
func Default() Config {
	return Config{
		DataDir:             DefaultDataDir,
		ClusterName:         DefaultClusterName,
		ListenAddr:          DefaultListenAddr,
		FabricAddr:          DefaultFabricAddr,
		WorkerTimerMs:       500,
		WorkerCount:         maxInt(4, runtime.NumCPU()*2),
		SyncIncomingMax:     10,
		SyncOutgoingMax:     10,
		SyncAuto:            true,
		SyncTimeoutMs:       10_000,
		SyncMsgTimeoutMs:    1000,
		SyncMsgInflight:     10,
		FabricTimeoutMs:     1000,
		RequestTimeoutMs:    1000,
		ClientConnectionMax: 100,
		ValueVersionMax:     100,
		ConsistencyRead:     ConsistencyOne,
		ConsistencyWrite:    ConsistencyOne,
		ReplicationFactor:   DefaultReplicationFactor,
		Partitions:          DefaultPartitions,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Load reads path, overlaying it onto the defaults, mirroring
// read_config_file's "apply whatever keys are present" behavior.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config file %s", path)
	}
	return cfg, nil
}
