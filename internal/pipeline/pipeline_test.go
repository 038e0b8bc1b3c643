package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ubackup/ubackup/internal/backend"
	"github.com/ubackup/ubackup/internal/config"
	"github.com/ubackup/ubackup/internal/imaging"
	"github.com/ubackup/ubackup/internal/manifest"
)

// fakeBackend is an in-memory object store with failure injection knobs.
type fakeBackend struct {
	name      string
	mu        sync.Mutex
	objects   map[string]fakeObject
	probeErr  error
	uploadErr error
	verifyErr error
	uploads   int
}

type fakeObject struct {
	data    []byte
	created time.Time
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, objects: map[string]fakeObject{}}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Probe(ctx context.Context) error { return f.probeErr }

func (f *fakeBackend) Upload(ctx context.Context, localPath, key string, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	f.objects[key] = fakeObject{data: data, created: time.Now()}
	return key, nil
}

func (f *fakeBackend) Download(ctx context.Context, location string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[location]
	if !ok {
		return nil, fmt.Errorf("object %s not found", location)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (f *fakeBackend) Stat(ctx context.Context, location string) (backend.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[location]
	if !ok {
		return backend.ObjectInfo{}, fmt.Errorf("object %s not found", location)
	}
	return backend.ObjectInfo{Key: location, Size: int64(len(obj.data)), Created: obj.created}, nil
}

func (f *fakeBackend) List(ctx context.Context, prefix string) ([]backend.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []backend.ObjectInfo
	for key, obj := range f.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, backend.ObjectInfo{Key: key, Size: int64(len(obj.data)), Created: obj.created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

func (f *fakeBackend) Delete(ctx context.Context, location string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, location)
	return nil
}

func (f *fakeBackend) VerifyUpload(ctx context.Context, location, expectedChecksum string, expectedSize int64) error {
	if f.verifyErr != nil {
		return f.verifyErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[location]
	if !ok {
		return fmt.Errorf("object %s not found", location)
	}
	if int64(len(obj.data)) != expectedSize {
		return fmt.Errorf("size mismatch: %d != %d", len(obj.data), expectedSize)
	}
	sum := sha256.Sum256(obj.data)
	if hex.EncodeToString(sum[:]) != expectedChecksum {
		return fmt.Errorf("digest mismatch for %s", location)
	}
	return nil
}

func (f *fakeBackend) objectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// fakeImager serves a fixed payload as the device contents and captures
// restore writes.
type fakeImager struct {
	payload []byte
	target  *captureTarget
}

func (f *fakeImager) Inspect(ctx context.Context, device string) (imaging.DiskInfo, error) {
	return imaging.DiskInfo{Device: device, SizeBytes: int64(len(f.payload))}, nil
}

func (f *fakeImager) Dump(ctx context.Context, device string) (*imaging.Stream, error) {
	return &imaging.Stream{
		Reader: io.NopCloser(bytes.NewReader(f.payload)),
		Wait:   func() error { return nil },
	}, nil
}

func (f *fakeImager) OpenTarget(ctx context.Context, device string) (*imaging.Target, error) {
	if f.target == nil {
		f.target = &captureTarget{}
	}
	return &imaging.Target{Writer: f.target, Device: device}, nil
}

type captureTarget struct {
	buf    bytes.Buffer
	synced bool
}

func (c *captureTarget) Write(p []byte) (int, error) { return c.buf.Write(p) }

func (c *captureTarget) Close() error {
	c.synced = true
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Global: config.GlobalConfig{
			TempDir:     filepath.Join(dir, "tmp"),
			ManifestDir: filepath.Join(dir, "manifests"),
			LockFile:    filepath.Join(dir, "ubackup.lock"),
		},
		Source: config.SourceConfig{Host: "web-01", Device: "/dev/fake"},
		Backup: config.BackupConfig{
			Type:           "full",
			Compression:    "zstd",
			EstimatedRatio: 0.6,
		},
		Backends: config.BackendsConfig{Prefix: "backups"},
	}
}

func testPipeline(t *testing.T, cfg *config.Config, imager imaging.Imager, backends ...backend.Backend) *Pipeline {
	t.Helper()
	store, err := manifest.NewStore(cfg.Global.ManifestDir)
	if err != nil {
		t.Fatalf("manifest store: %v", err)
	}
	return New(cfg, imager, backends, store, zerolog.Nop(), nil)
}
