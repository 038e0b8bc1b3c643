package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ubackup/ubackup/internal/checksum"
	"github.com/ubackup/ubackup/internal/errs"
	"github.com/ubackup/ubackup/internal/manifest"
)

func seedBackup(t *testing.T, b *fakeBackend, key string, artifact []byte, m manifest.Manifest) {
	t.Helper()
	b.objects[key] = fakeObject{data: artifact, created: m.CreatedAt}
	payload, err := m.Encode()
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	b.objects[manifest.Key(key)] = fakeObject{data: payload, created: m.CreatedAt}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	payload := []byte(strings.Repeat("sector data ", 512))
	imager := &fakeImager{payload: payload}
	s3 := newFakeBackend("s3")
	p := testPipeline(t, cfg, imager, s3)

	if _, err := p.RunBackup(context.Background(), false); err != nil {
		t.Fatalf("backup: %v", err)
	}

	err := p.RunRestore(context.Background(), RestoreRequest{
		Backend:      s3,
		Selector:     SelectorLatest,
		TargetDevice: "/dev/target",
		Confirm:      func(device, backupID string) bool { return true },
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if imager.target == nil || !bytes.Equal(imager.target.buf.Bytes(), payload) {
		t.Fatalf("restored bytes differ from the imaged device")
	}
	if !imager.target.synced {
		t.Fatalf("target was not synced on completion")
	}
}

func TestRestoreChecksumMismatchWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	imager := &fakeImager{}
	s3 := newFakeBackend("s3")
	p := testPipeline(t, cfg, imager, s3)

	key := "backups/web-01/web-01_full_20240101T100000Z.img"
	seedBackup(t, s3, key, []byte("tampered artifact"), manifest.Manifest{
		ID:                "web-01_20240101T100000Z",
		CreatedAt:         time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		SourceHost:        "web-01",
		BackupType:        manifest.TypeFull,
		Compression:       "none",
		Checksum:          strings.Repeat("0", 64),
		ChecksumAlgorithm: checksum.Algorithm,
		BackendLocations:  map[string]string{"s3": key},
		Status:            manifest.StatusVerified,
	})

	err := p.RunRestore(context.Background(), RestoreRequest{
		Backend:      s3,
		Selector:     SelectorLatest,
		TargetDevice: "/dev/target",
		Confirm:      func(device, backupID string) bool { return true },
	})
	var integrity *errs.IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if imager.target != nil {
		t.Fatalf("device was opened despite a failed verification")
	}
}

func TestResolveLatestIgnoresNonVerified(t *testing.T) {
	cfg := testConfig(t)
	s3 := newFakeBackend("s3")
	p := testPipeline(t, cfg, &fakeImager{}, s3)

	older := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	seedBackup(t, s3, "backups/web-01/a.img", []byte("a"), manifest.Manifest{
		ID: "verified-old", CreatedAt: older, Status: manifest.StatusVerified,
		BackendLocations: map[string]string{"s3": "backups/web-01/a.img"},
	})
	seedBackup(t, s3, "backups/web-01/b.img", []byte("b"), manifest.Manifest{
		ID: "pending-new", CreatedAt: older.Add(time.Hour), Status: manifest.StatusPending,
		BackendLocations: map[string]string{"s3": "backups/web-01/b.img"},
	})

	m, err := p.resolveBackup(context.Background(), s3, SelectorLatest)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.ID != "verified-old" {
		t.Fatalf("latest = %s, want verified-old", m.ID)
	}

	if _, err := p.resolveBackup(context.Background(), s3, "pending-new"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending backup must not resolve, got %v", err)
	}
	if _, err := p.resolveBackup(context.Background(), s3, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id must not resolve, got %v", err)
	}
}

func TestRestoreRefusedWithoutConfirmation(t *testing.T) {
	cfg := testConfig(t)
	payload := []byte("device contents")
	imager := &fakeImager{payload: payload}
	s3 := newFakeBackend("s3")
	p := testPipeline(t, cfg, imager, s3)

	if _, err := p.RunBackup(context.Background(), false); err != nil {
		t.Fatalf("backup: %v", err)
	}

	err := p.RunRestore(context.Background(), RestoreRequest{
		Backend:      s3,
		Selector:     SelectorLatest,
		TargetDevice: "/dev/target",
		Confirm:      nil,
	})
	if err == nil {
		t.Fatalf("restore must refuse without confirmation")
	}
	if imager.target != nil {
		t.Fatalf("device was opened despite the refusal")
	}
}

func TestRestoreDryRunResolvesOnly(t *testing.T) {
	cfg := testConfig(t)
	imager := &fakeImager{payload: []byte("payload")}
	s3 := newFakeBackend("s3")
	p := testPipeline(t, cfg, imager, s3)

	if _, err := p.RunBackup(context.Background(), false); err != nil {
		t.Fatalf("backup: %v", err)
	}

	err := p.RunRestore(context.Background(), RestoreRequest{
		Backend:  s3,
		Selector: SelectorLatest,
		DryRun:   true,
	})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if imager.target != nil {
		t.Fatalf("dry run opened the device")
	}
}

func TestListBackupsNewestFirst(t *testing.T) {
	cfg := testConfig(t)
	s3 := newFakeBackend("s3")
	p := testPipeline(t, cfg, &fakeImager{}, s3)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		key := "backups/web-01/" + id + ".img"
		seedBackup(t, s3, key, []byte(id), manifest.Manifest{
			ID: id, CreatedAt: base.Add(time.Duration(i) * time.Hour), Status: manifest.StatusVerified,
			BackendLocations: map[string]string{"s3": key},
		})
	}

	summaries, err := p.ListBackups(context.Background(), s3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("summaries = %d, want 3", len(summaries))
	}
	if summaries[0].ID != "third" || summaries[2].ID != "first" {
		t.Fatalf("unexpected order: %s, %s, %s", summaries[0].ID, summaries[1].ID, summaries[2].ID)
	}
}
