package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Port != DefaultPort {
		t.Fatalf("expected port %d, got %d", DefaultPort, cfg.Port)
	}
	if cfg.FSync != FSyncDefault {
		t.Fatalf("expected default fsync mode, got %q", cfg.FSync)
	}
	if cfg.CacheSizeBytes != int64(DefaultCacheSizeMB)*1024*1024 {
		t.Fatalf("expected cache size derived from DefaultCacheSizeMB, got %d", cfg.CacheSizeBytes)
	}
	if cfg.IsReplica {
		t.Fatal("expected IsReplica to default to false")
	}
	if cfg.Replicas != nil {
		t.Fatalf("expected no replicas by default, got %v", cfg.Replicas)
	}
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("expected a missing file to be non-fatal, got %s", err)
	}
	want := Default()
	if cfg.Port != want.Port || cfg.FSync != want.FSync || cfg.DataDir != want.DataDir {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %s", err)
	}
	return path
}

func TestLoadOverlaysOnlyPresentFields(t *testing.T) {
	path := writeConfigFile(t, `{"port": 9090, "is_replica": true}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected overridden port 9090, got %d", cfg.Port)
	}
	if !cfg.IsReplica {
		t.Fatal("expected is_replica to be overridden to true")
	}
	// Everything else should still be the documented default.
	if cfg.ReplicationPort != DefaultReplicationPort {
		t.Fatalf("expected untouched field to keep its default, got %d", cfg.ReplicationPort)
	}
	if cfg.MaxPageBytes != DefaultMaxPageBytes {
		t.Fatalf("expected untouched field to keep its default, got %d", cfg.MaxPageBytes)
	}
}

func TestLoadReplicasAndCacheSize(t *testing.T) {
	path := writeConfigFile(t, `{"replicas": ["http://r1:3040", "http://r2:3040"], "cache_size": 10}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if len(cfg.Replicas) != 2 {
		t.Fatalf("expected 2 replicas, got %v", cfg.Replicas)
	}
	if cfg.CacheSizeBytes != 10*1024*1024 {
		t.Fatalf("expected cache_size converted from MB to bytes, got %d", cfg.CacheSizeBytes)
	}
}

func TestLoadStrictFSync(t *testing.T) {
	path := writeConfigFile(t, `{"fsync": "strict"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if cfg.FSync != FSyncStrict {
		t.Fatalf("expected strict fsync, got %q", cfg.FSync)
	}
}

func TestLoadInvalidFSyncRejected(t *testing.T) {
	path := writeConfigFile(t, `{"fsync": "sometimes"}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an invalid fsync mode to be rejected")
	}
}

func TestLoadMalformedJSONRejected(t *testing.T) {
	path := writeConfigFile(t, `{not valid json`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected malformed JSON to return an error")
	}
}
