package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.MetricsAddr != ":9090" || cfg.LockBackend != "redis" || cfg.StorageBackend != "local" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LockLease != 5*time.Minute {
		t.Fatalf("LockLease = %v", cfg.LockLease)
	}
	if cfg.Documents.SyncDelay != 2*time.Minute || cfg.Files.CompressionMinSize != 256 {
		t.Fatalf("unexpected store defaults: %+v %+v", cfg.Documents, cfg.Files)
	}

	raw, err := cfg.StorageJSON()
	if err != nil {
		t.Fatalf("StorageJSON: %v", err)
	}
	if !strings.Contains(string(raw), `"root_path":"/data/storage"`) {
		t.Fatalf("StorageJSON = %s", raw)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"DIAL_NAMESPACE":             "dev.",
		"DIAL_LOCK_BACKEND":          "nats",
		"DIAL_STORAGE_BACKEND":       "s3",
		"DIAL_STORAGE_CONFIG":        `{"bucket":"dial"}`,
		"DIAL_DOCUMENTS_SYNC_PERIOD": "10s",
		"DIAL_FILES_SYNC_PERIOD":     "30s",
		"DIAL_FILES_MAX_SIZE":        "1024",
	})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Namespace != "dev." || cfg.LockBackend != "nats" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Files.MaxSize != 1024 {
		t.Fatalf("Files.MaxSize = %d", cfg.Files.MaxSize)
	}
	if got := cfg.SyncPeriod(); got != 10*time.Second {
		t.Fatalf("SyncPeriod = %v", got)
	}
	raw, _ := cfg.StorageJSON()
	if string(raw) != `{"bucket":"dial"}` {
		t.Fatalf("StorageJSON = %s", raw)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"lock backend", map[string]string{"DIAL_LOCK_BACKEND": "zookeeper"}, "lock backend"},
		{"storage backend", map[string]string{"DIAL_STORAGE_BACKEND": "ftp"}, "storage backend"},
		{"missing storage config", map[string]string{"DIAL_STORAGE_BACKEND": "gcs"}, "DIAL_STORAGE_CONFIG"},
		{"bad json", map[string]string{"DIAL_STORAGE_CONFIG": "{"}, "not valid JSON"},
		{"bad duration", map[string]string{"DIAL_LOCK_LEASE": "soon"}, "parse env"},
		{"zero batch", map[string]string{"DIAL_FILES_SYNC_BATCH": "0"}, "SYNC_BATCH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(tt.env)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadFrom = %v, want error containing %q", err, tt.want)
			}
		})
	}
}
