// Package config loads the process configuration for the key-value store
// from a JSON file, mirroring the original implementation's
// serde_json-based loader: every field is optional on disk, and a missing
// file is not fatal — the engine falls back to the documented defaults
// (§6, §9 "Open questions").
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// FSyncMode selects the durability mode consulted by the write path after
// every append (§4.5, §9).
type FSyncMode string

const (
	FSyncDefault FSyncMode = "default"
	FSyncStrict  FSyncMode = "strict"
)

const (
	DefaultPort             = 3030
	DefaultReplicationPort  = 3040
	DefaultCacheSizeMB      = 500
	DefaultMaxRangeResponse = 1000
	// DefaultMaxPageBytes is grounded in the original implementation's
	// SPLIT_THRESHOLD constant (8 MiB).
	DefaultMaxPageBytes       = 8 * 1024 * 1024
	DefaultBloomFalsePositive = 0.01
	DefaultReplicaQueueSize   = 256
)

// Config is the fully-resolved process configuration: every field here has
// already had its default applied.
type Config struct {
	MaxRangeResponse       int
	FSync                  FSyncMode
	Port                   int
	ReplicationPort        int
	CacheSizeBytes         int64
	IsReplica              bool
	Replicas               []string
	MaxPageBytes           int64
	BloomFalsePositiveRate float64
	ReplicaQueueSize       int
	DataDir                string
}

// raw mirrors Config but with every field optional, the Go analogue of the
// original's Option<T> fields read via serde and resolved with
// unwrap_or(default).
type raw struct {
	MaxRangeResponse       *int      `json:"max_range_response"`
	FSync                  *string   `json:"fsync"`
	Port                   *int      `json:"port"`
	ReplicationPort        *int      `json:"replication_port"`
	CacheSize              *int      `json:"cache_size"`
	IsReplica              *bool     `json:"is_replica"`
	Replicas               *[]string `json:"replicas"`
	MaxPageBytes           *int64    `json:"max_page_bytes"`
	BloomFalsePositiveRate *float64  `json:"bloom_false_positive_rate"`
	ReplicaQueueSize       *int      `json:"replica_queue_size"`
	DataDir                *string   `json:"data_dir"`
}

// Default returns the configuration the engine starts with when no
// config file is present (§6).
func Default() Config {
	return Config{
		MaxRangeResponse:       DefaultMaxRangeResponse,
		FSync:                  FSyncDefault,
		Port:                   DefaultPort,
		ReplicationPort:        DefaultReplicationPort,
		CacheSizeBytes:         int64(DefaultCacheSizeMB) * 1024 * 1024,
		IsReplica:              false,
		Replicas:               nil,
		MaxPageBytes:           DefaultMaxPageBytes,
		BloomFalsePositiveRate: DefaultBloomFalsePositive,
		ReplicaQueueSize:       DefaultReplicaQueueSize,
		DataDir:                "data",
	}
}

// Load reads path and overlays whatever fields are present onto Default().
// A missing file is not an error — it is treated exactly like an empty
// JSON object.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var r raw
	if err := json.NewDecoder(f).Decode(&r); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if r.MaxRangeResponse != nil {
		cfg.MaxRangeResponse = *r.MaxRangeResponse
	}
	if r.FSync != nil {
		mode := FSyncMode(*r.FSync)
		if mode != FSyncDefault && mode != FSyncStrict {
			return cfg, fmt.Errorf("config: invalid fsync mode %q", *r.FSync)
		}
		cfg.FSync = mode
	}
	if r.Port != nil {
		cfg.Port = *r.Port
	}
	if r.ReplicationPort != nil {
		cfg.ReplicationPort = *r.ReplicationPort
	}
	if r.CacheSize != nil {
		cfg.CacheSizeBytes = int64(*r.CacheSize) * 1024 * 1024
	}
	if r.IsReplica != nil {
		cfg.IsReplica = *r.IsReplica
	}
	if r.Replicas != nil {
		cfg.Replicas = *r.Replicas
	}
	if r.MaxPageBytes != nil {
		cfg.MaxPageBytes = *r.MaxPageBytes
	}
	if r.BloomFalsePositiveRate != nil {
		cfg.BloomFalsePositiveRate = *r.BloomFalsePositiveRate
	}
	if r.ReplicaQueueSize != nil {
		cfg.ReplicaQueueSize = *r.ReplicaQueueSize
	}
	if r.DataDir != nil {
		cfg.DataDir = *r.DataDir
	}

	return cfg, nil
}
