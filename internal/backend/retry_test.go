package backend

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ubackup/ubackup/internal/errs"
)

type flaky struct {
	Backend
	calls    int
	failures int
	err      error
}

func (f *flaky) Name() string { return "flaky" }

func (f *flaky) Upload(ctx context.Context, localPath, key string, metadata map[string]string) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return key, nil
}

func (f *flaky) Download(ctx context.Context, location string) (io.ReadCloser, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return io.NopCloser(nil), nil
}

func TestRetryRecoversFromTransient(t *testing.T) {
	b := &flaky{failures: 2, err: transientErr("flaky", errors.New("connection reset"))}
	wrapped := WithRetry(b, 3, time.Millisecond)
	location, err := wrapped.Upload(context.Background(), "/tmp/a", "key", nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if location != "key" || b.calls != 3 {
		t.Fatalf("location=%s calls=%d", location, b.calls)
	}
}

func TestRetryFailsFastOnAuth(t *testing.T) {
	b := &flaky{failures: 10, err: authErr("flaky", errors.New("access denied"))}
	wrapped := WithRetry(b, 5, time.Millisecond)
	_, err := wrapped.Upload(context.Background(), "/tmp/a", "key", nil)
	var be *errs.BackendError
	if !errors.As(err, &be) || be.Kind != errs.KindAuth {
		t.Fatalf("expected auth backend error, got %v", err)
	}
	if b.calls != 1 {
		t.Fatalf("auth failure was retried: %d calls", b.calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	b := &flaky{failures: 10, err: transientErr("flaky", errors.New("timeout"))}
	wrapped := WithRetry(b, 3, time.Millisecond)
	if _, err := wrapped.Download(context.Background(), "key"); err == nil {
		t.Fatalf("expected failure after exhausting attempts")
	}
	if b.calls != 3 {
		t.Fatalf("calls = %d, want 3", b.calls)
	}
}

func TestSingleAttemptPassthrough(t *testing.T) {
	b := &flaky{}
	if wrapped := WithRetry(b, 1, time.Second); wrapped != Backend(b) {
		t.Fatalf("attempts<=1 must not wrap the backend")
	}
}

func TestRetryableDefaultsToTrue(t *testing.T) {
	if !Retryable(errors.New("unclassified")) {
		t.Fatalf("unclassified errors should be retried")
	}
}
