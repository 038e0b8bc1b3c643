// Package imaging wraps the external disk-imaging operation: a block device
// is read block-for-block into a byte stream, and restored by writing a byte
// stream back. Consistency is only guaranteed against offline partitions.
package imaging

import (
	"context"
	"io"
)

// DiskInfo describes one block device.
type DiskInfo struct {
	Device    string
	SizeBytes int64
	Mounted   bool
}

// Stream is a running dump of a device. Wait must be called after the reader
// is drained to collect the producer's exit status.
type Stream struct {
	Reader io.ReadCloser
	Wait   func() error
}

// Target is an open device accepting restored bytes. Close flushes and
// fsyncs; success is only reported after the device confirms durable writes.
type Target struct {
	Writer io.WriteCloser
	Device string
}

// Imager produces and consumes raw device byte streams.
type Imager interface {
	// Inspect reports device size and whether any of its partitions are
	// currently mounted.
	Inspect(ctx context.Context, device string) (DiskInfo, error)
	// Dump streams the device contents.
	Dump(ctx context.Context, device string) (*Stream, error)
	// OpenTarget opens the device for a destructive full rewrite.
	OpenTarget(ctx context.Context, device string) (*Target, error)
}
