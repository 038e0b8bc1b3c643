package errs

import "fmt"

// PreconditionError aborts a run before any artifact is produced.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

func Preconditionf(format string, args ...any) error {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}

// StreamError marks a broken imaging/compression pipe. Fatal to the run.
type StreamError struct {
	Stage string
	Err   error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream broken at %s: %v", e.Stage, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// IntegrityError is a checksum mismatch. Never tolerated silently.
type IntegrityError struct {
	Key      string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Key, e.Expected, e.Actual)
}

// BackendKind classifies backend failures for retry decisions.
type BackendKind int

const (
	// KindTransient failures are retried with backoff.
	KindTransient BackendKind = iota
	// KindAuth covers authentication and permission failures. Never retried.
	KindAuth
)

type BackendError struct {
	Backend string
	Kind    BackendKind
	Err     error
}

func (e *BackendError) Error() string {
	kind := "transient"
	if e.Kind == KindAuth {
		kind = "auth"
	}
	return fmt.Sprintf("backend %s: %s error: %v", e.Backend, kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Retryable() bool { return e.Kind == KindTransient }

// ReconciliationError records a backup left half-deleted by retention:
// the artifact and its manifest no longer agree on the remote side.
type ReconciliationError struct {
	Backend     string
	ArtifactKey string
	ManifestKey string
	Err         error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("retention reconciliation anomaly on %s: artifact %s, manifest %s: %v",
		e.Backend, e.ArtifactKey, e.ManifestKey, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// IncompleteWriteError declares a target device non-bootable after a failed
// restore write. Operators must never assume the device is usable.
type IncompleteWriteError struct {
	Device string
	Err    error
}

func (e *IncompleteWriteError) Error() string {
	return fmt.Sprintf("incomplete write: device %s must not be assumed bootable: %v", e.Device, e.Err)
}

func (e *IncompleteWriteError) Unwrap() error { return e.Err }
