package manifest

import (
	"strings"
	"testing"
	"time"
)

func TestDecodeAppliesDefaults(t *testing.T) {
	// A record written by an older version: no checksum algorithm, no
	// encryption block, and an unknown field that must be ignored.
	raw := `{
		"id": "web-01_20240101T100000Z",
		"created_at": "2024-01-01T10:00:00Z",
		"source_host": "web-01",
		"checksum": "abc123",
		"status": "verified",
		"legacy_field": true
	}`
	m, err := Decode(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.ChecksumAlgorithm != "sha256" {
		t.Fatalf("checksum algorithm default = %q", m.ChecksumAlgorithm)
	}
	if m.Encryption.Algorithm != "none" {
		t.Fatalf("encryption default = %q", m.Encryption.Algorithm)
	}
	if m.BackupType != TypeFull {
		t.Fatalf("backup type default = %q", m.BackupType)
	}
	if m.BackendLocations == nil {
		t.Fatalf("backend locations not initialized")
	}
}

func TestLatestIgnoresNonVerified(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	list := []Manifest{
		{ID: "old-verified", CreatedAt: base, Status: StatusVerified},
		{ID: "newer-pending", CreatedAt: base.Add(time.Hour), Status: StatusPending},
		{ID: "newest-failed", CreatedAt: base.Add(2 * time.Hour), Status: StatusFailed},
	}
	m, ok := Latest(list)
	if !ok {
		t.Fatalf("expected a verified manifest")
	}
	if m.ID != "old-verified" {
		t.Fatalf("latest = %s, want old-verified", m.ID)
	}
}

func TestLatestNoneVerified(t *testing.T) {
	if _, ok := Latest([]Manifest{{ID: "x", Status: StatusPending}}); ok {
		t.Fatalf("pending-only list must not yield a latest backup")
	}
}

func TestManifestKey(t *testing.T) {
	key := Key("backups/web-01/web-01_full_20240101T100000Z.img.zst")
	if !IsManifestKey(key) {
		t.Fatalf("sibling key not recognized: %s", key)
	}
	if IsManifestKey("backups/web-01/web-01_full_20240101T100000Z.img.zst") {
		t.Fatalf("artifact key misidentified as manifest")
	}
}

func TestStoreRoundTripAndSweep(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	verified := Manifest{ID: "keep", CreatedAt: time.Now().UTC(), Status: StatusVerified, Checksum: "abc"}
	pending := Manifest{ID: "drop", CreatedAt: time.Now().UTC(), Status: StatusPending}
	for _, m := range []Manifest{verified, pending} {
		if err := store.Save(m); err != nil {
			t.Fatalf("save %s: %v", m.ID, err)
		}
	}

	loaded, err := store.Load("keep")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Checksum != "abc" {
		t.Fatalf("round trip lost checksum: %+v", loaded)
	}

	removed, err := store.SweepUnverified()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != "drop" {
		t.Fatalf("sweep removed %v, want [drop]", removed)
	}
	list, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "keep" {
		t.Fatalf("unexpected survivors: %v", list)
	}
}
