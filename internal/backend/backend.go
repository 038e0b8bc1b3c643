// Package backend abstracts the cloud object stores a backup is copied to.
// The pipeline depends only on this interface and never branches on a
// provider's identity beyond choosing which adapter instance to call.
package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ubackup/ubackup/internal/errs"
)

// ObjectInfo describes one remote object.
type ObjectInfo struct {
	Key      string
	Size     int64
	Created  time.Time
	Checksum string // remote-reported digest, empty when the provider has none
}

// Backend is the capability set every provider adapter implements.
//
// Upload returns the location the artifact ended up at; addressing schemes
// differ per provider (S3 keys are path-like, Drive locations are file names
// within the configured folder), so the caller records the returned location
// rather than assuming its own key survived verbatim.
type Backend interface {
	Name() string
	// Probe checks reachability and authentication without transferring data.
	Probe(ctx context.Context) error
	Upload(ctx context.Context, localPath, key string, metadata map[string]string) (string, error)
	Download(ctx context.Context, location string) (io.ReadCloser, error)
	Stat(ctx context.Context, location string) (ObjectInfo, error)
	// List returns objects under prefix ordered by creation time descending.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, location string) error
	// VerifyUpload re-fetches remote metadata and compares size and, where
	// the provider supports it, a remote-computed digest. This is the gate
	// that lets a backend be marked succeeded.
	VerifyUpload(ctx context.Context, location, expectedChecksum string, expectedSize int64) error
}

// Retryable reports whether an error is worth another attempt. Auth and
// permission failures fail fast; everything else is assumed transient.
func Retryable(err error) bool {
	var be *errs.BackendError
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return true
}

func authErr(name string, err error) error {
	return &errs.BackendError{Backend: name, Kind: errs.KindAuth, Err: err}
}

func transientErr(name string, err error) error {
	return &errs.BackendError{Backend: name, Kind: errs.KindTransient, Err: err}
}
