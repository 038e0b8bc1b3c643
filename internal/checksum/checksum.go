// Package checksum computes and validates SHA-256 digests over byte streams.
// The digest is taken exactly once, on the bytes as they are written to the
// sealed artifact; later stages only compare against the recorded value.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/ubackup/ubackup/internal/errs"
)

const Algorithm = "sha256"

// Writer tees everything written through it into a SHA-256 state.
type Writer struct {
	dst  io.Writer
	hash hash.Hash
	n    int64
}

func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst, hash: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.hash.Write(p[:n])
		w.n += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of everything written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.hash.Sum(nil))
}

// BytesWritten reports the measured payload size.
func (w *Writer) BytesWritten() int64 { return w.n }

// Digest consumes r fully and returns its hex digest.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify streams r to completion and compares against expected. The caller
// identifies the object by key for error reporting.
func Verify(r io.Reader, key, expected string) error {
	actual, err := Digest(r)
	if err != nil {
		return err
	}
	if actual != expected {
		return &errs.IntegrityError{Key: key, Expected: expected, Actual: actual}
	}
	return nil
}
