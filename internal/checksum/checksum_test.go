package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/ubackup/ubackup/internal/errs"
)

func TestWriterMatchesDigest(t *testing.T) {
	payload := []byte("not a real disk image, but close enough")
	var sink bytes.Buffer
	w := NewWriter(&sink)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	want := sha256.Sum256(payload)
	if got := w.Sum(); got != hex.EncodeToString(want[:]) {
		t.Fatalf("digest mismatch: %s", got)
	}
	if w.BytesWritten() != int64(len(payload)) {
		t.Fatalf("bytes written = %d, want %d", w.BytesWritten(), len(payload))
	}
	if !bytes.Equal(sink.Bytes(), payload) {
		t.Fatalf("payload was altered in transit")
	}
}

func TestVerifyMismatch(t *testing.T) {
	err := Verify(strings.NewReader("corrupted"), "backup-1", "deadbeef")
	var integrity *errs.IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if integrity.Key != "backup-1" || integrity.Expected != "deadbeef" {
		t.Fatalf("unexpected error detail: %+v", integrity)
	}
}

func TestVerifyMatch(t *testing.T) {
	payload := "bytes on the wire"
	want, err := Digest(strings.NewReader(payload))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if err := Verify(strings.NewReader(payload), "backup-1", want); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
