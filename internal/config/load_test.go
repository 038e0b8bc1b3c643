package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ubackup.yaml")
	payload := []byte(`
global:
  log_level: debug
restore:
  dry_run: true
  skip_verify: true
backends:
  enabled: [s3, gcs]
  gcs:
    bucket: dr-backups
`)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Global.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.Global.LogLevel)
	}
	if !cfg.Restore.DryRun || !cfg.Restore.SkipVerify {
		t.Fatalf("restore section not honored: %+v", cfg.Restore)
	}
	if cfg.Backends.GCS.Bucket != "dr-backups" {
		t.Fatalf("gcs bucket = %q", cfg.Backends.GCS.Bucket)
	}
	if cfg.Backends.GCS.StorageClass != "NEARLINE" {
		t.Fatalf("gcs storage class default = %q", cfg.Backends.GCS.StorageClass)
	}
	if cfg.Backup.Compression != "zstd" || cfg.Retention.KeepDaily != 7 {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Backup, cfg.Retention)
	}
	if cfg.Source.Host == "" {
		t.Fatalf("host default missing")
	}
}
