package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ubackup/ubackup/internal/backend"
	"github.com/ubackup/ubackup/internal/checksum"
	"github.com/ubackup/ubackup/internal/compress"
	"github.com/ubackup/ubackup/internal/cryptoutil"
	"github.com/ubackup/ubackup/internal/errs"
	"github.com/ubackup/ubackup/internal/lock"
	"github.com/ubackup/ubackup/internal/manifest"
	"github.com/ubackup/ubackup/internal/notify"
)

// SelectorLatest resolves to the most recent verified backup on a backend.
const SelectorLatest = "latest"

// RestoreRequest describes one restore invocation. Confirm gates the
// destructive device write; it receives the target device and manifest id
// and must return true to proceed. A nil Confirm refuses the write.
type RestoreRequest struct {
	Backend      backend.Backend
	Selector     string
	TargetDevice string
	DryRun       bool
	SkipVerify   bool
	Confirm      func(device, backupID string) bool
}

// ListBackups returns summaries of all remote manifests on one backend,
// newest first.
func (p *Pipeline) ListBackups(ctx context.Context, b backend.Backend) ([]manifest.Summary, error) {
	manifests, err := p.listManifests(ctx, b, p.prefix())
	if err != nil {
		return nil, err
	}
	summaries := make([]manifest.Summary, 0, len(manifests))
	for _, m := range manifests {
		summaries = append(summaries, manifest.Summarize(m, b.Name()))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CreatedAt.After(summaries[j].CreatedAt) })
	return summaries, nil
}

// RunRestore drives one restore: resolve, download, verify, then the
// destructive decompress-and-write pass. A single failure aborts the whole
// restore; half-restored devices are unsafe, so errors are never aggregated
// the way backup errors are. The device write is never retried.
func (p *Pipeline) RunRestore(ctx context.Context, req RestoreRequest) error {
	start := time.Now()
	var runErr error
	var resolved manifest.Manifest
	defer func() {
		outcome := string(OutcomeSuccess)
		if runErr != nil {
			outcome = string(OutcomeFailure)
		}
		event := notify.Event{
			Operation: "restore",
			Outcome:   outcome,
			Host:      p.Cfg.Source.Host,
			BackupID:  resolved.ID,
			Device:    req.TargetDevice,
			StartedAt: start,
			EndedAt:   time.Now(),
			Duration:  time.Since(start).String(),
		}
		if runErr != nil {
			event.Error = runErr.Error()
		}
		if !req.DryRun {
			p.notify(context.Background(), event)
		}
	}()

	guard, err := lock.Acquire(p.Cfg.Global.LockFile)
	if err != nil {
		runErr = err
		return err
	}
	defer guard.Release()

	resolved, err = p.resolveBackup(ctx, req.Backend, req.Selector)
	if err != nil {
		runErr = err
		return err
	}
	location := resolved.BackendLocations[req.Backend.Name()]
	if location == "" {
		runErr = fmt.Errorf("%w: manifest %s has no artifact on backend %s", ErrNotFound, resolved.ID, req.Backend.Name())
		return runErr
	}
	p.Log.Info().Str("id", resolved.ID).Str("backend", req.Backend.Name()).Str("location", location).Msg("resolved backup")

	if req.DryRun {
		p.Log.Info().Str("id", resolved.ID).Str("device", req.TargetDevice).Msg("dry run: would download, verify, and restore")
		return nil
	}

	artifactPath, err := p.downloadArtifact(ctx, req.Backend, location, resolved)
	if err != nil {
		runErr = err
		return err
	}
	defer os.Remove(artifactPath)

	if req.SkipVerify {
		p.Log.Warn().Msg("checksum verification skipped by request")
	} else if err := p.verifyArtifact(artifactPath, resolved); err != nil {
		runErr = err
		return err
	}

	// The device write cannot be undone or safely interrupted. Surface that
	// to the operator before a single byte is written.
	if req.Confirm == nil || !req.Confirm(req.TargetDevice, resolved.ID) {
		runErr = fmt.Errorf("restore to %s not confirmed", req.TargetDevice)
		return runErr
	}

	if err := p.writeToDevice(ctx, artifactPath, resolved, req.TargetDevice); err != nil {
		runErr = err
		return err
	}
	p.Log.Info().Str("id", resolved.ID).Str("device", req.TargetDevice).Msg("restore completed and synced")
	return nil
}

// resolveBackup applies the selector to the backend's remote manifests.
// "latest" picks the maximum created_at among verified manifests; pending
// and failed manifests never match, even when more recent.
func (p *Pipeline) resolveBackup(ctx context.Context, b backend.Backend, selector string) (manifest.Manifest, error) {
	manifests, err := p.listManifests(ctx, b, p.prefix())
	if err != nil {
		return manifest.Manifest{}, err
	}
	if selector == "" || selector == SelectorLatest {
		m, ok := manifest.Latest(manifests)
		if !ok {
			return manifest.Manifest{}, fmt.Errorf("%w: no verified backups on backend %s", ErrNotFound, b.Name())
		}
		return m, nil
	}
	for _, m := range manifests {
		if m.ID != selector {
			continue
		}
		if m.Status != manifest.StatusVerified {
			return manifest.Manifest{}, fmt.Errorf("%w: backup %s exists but has status %s", ErrNotFound, selector, m.Status)
		}
		return m, nil
	}
	return manifest.Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, selector)
}

func (p *Pipeline) downloadArtifact(ctx context.Context, b backend.Backend, location string, m manifest.Manifest) (string, error) {
	if err := os.MkdirAll(p.Cfg.Global.TempDir, 0o750); err != nil {
		return "", err
	}
	rc, err := b.Download(ctx, location)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	artifactPath := filepath.Join(p.Cfg.Global.TempDir, filepath.Base(location))
	file, err := os.OpenFile(artifactPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	written, err := io.Copy(file, rc)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(artifactPath)
		return "", fmt.Errorf("download %s: %w", location, err)
	}
	p.Log.Info().Str("location", location).Int64("bytes", written).Msg("artifact downloaded")
	return artifactPath, nil
}

// verifyArtifact recomputes the digest over the downloaded copy and compares
// it against the manifest's stored checksum. It runs before any byte reaches
// the target device; a mismatch aborts with no partial write.
func (p *Pipeline) verifyArtifact(artifactPath string, m manifest.Manifest) error {
	file, err := os.Open(artifactPath)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := checksum.Verify(file, m.ID, m.Checksum); err != nil {
		return err
	}
	p.Log.Info().Str("id", m.ID).Str("checksum", m.Checksum).Msg("artifact checksum verified")
	return nil
}

// writeToDevice streams the verified artifact through decryption and
// decompression directly onto the device; the only buffering is codec
// read-ahead. Success is reported only after the device syncs.
func (p *Pipeline) writeToDevice(ctx context.Context, artifactPath string, m manifest.Manifest, device string) error {
	file, err := os.Open(artifactPath)
	if err != nil {
		return err
	}
	defer file.Close()

	payload := io.Reader(file)
	if m.Encryption.Algorithm != "none" {
		if p.Cfg.Backup.EncryptionKey == "" {
			return fmt.Errorf("backup %s is encrypted but no encryption key is configured", m.ID)
		}
		key, keyErr := cryptoutil.ParseKey(p.Cfg.Backup.EncryptionKey)
		if keyErr != nil {
			return keyErr
		}
		payload, err = cryptoutil.DecryptReader(payload, key)
		if err != nil {
			return err
		}
	}
	decompressed, err := compress.WrapReader(m.Compression, payload)
	if err != nil {
		return err
	}
	defer decompressed.Close()

	target, err := p.Imager.OpenTarget(ctx, device)
	if err != nil {
		return err
	}
	if _, err := io.Copy(target.Writer, decompressed); err != nil {
		target.Writer.Close()
		return &errs.IncompleteWriteError{Device: device, Err: err}
	}
	if err := target.Writer.Close(); err != nil {
		return &errs.IncompleteWriteError{Device: device, Err: err}
	}
	return nil
}
