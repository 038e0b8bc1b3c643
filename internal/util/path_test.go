package util

import (
	"strings"
	"testing"
	"time"
)

func TestBuildObjectKey(t *testing.T) {
	when := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	key := BuildObjectKey("backups", "web-01", "full", when, "img.zst")
	if !strings.HasPrefix(key, "backups/web-01/") {
		t.Fatalf("unexpected prefix: %s", key)
	}
	if !strings.Contains(key, "web-01_full_20240101T100000Z.img.zst") {
		t.Fatalf("unexpected name: %s", key)
	}
}

func TestBuildPrefix(t *testing.T) {
	prefix := BuildPrefix("backups", "web-01")
	if prefix != "backups/web-01" {
		t.Fatalf("unexpected prefix: %s", prefix)
	}
}
