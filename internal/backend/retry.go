package backend

import (
	"context"
	"io"
	"time"

	"github.com/ubackup/ubackup/internal/util"
)

// WithRetry wraps a backend so transfers are retried with exponential backoff
// on transient failures. Auth errors pass through untouched.
func WithRetry(b Backend, attempts int, backoff time.Duration) Backend {
	if attempts <= 1 {
		return b
	}
	return &reliable{Backend: b, attempts: attempts, backoff: backoff}
}

type reliable struct {
	Backend
	attempts int
	backoff  time.Duration
}

func (r *reliable) Upload(ctx context.Context, localPath, key string, metadata map[string]string) (string, error) {
	var location string
	err := util.Retry(ctx, r.attempts, r.backoff, Retryable, func() error {
		var err error
		location, err = r.Backend.Upload(ctx, localPath, key, metadata)
		return err
	})
	return location, err
}

func (r *reliable) Download(ctx context.Context, location string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := util.Retry(ctx, r.attempts, r.backoff, Retryable, func() error {
		var err error
		rc, err = r.Backend.Download(ctx, location)
		return err
	})
	return rc, err
}
