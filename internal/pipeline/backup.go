package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ubackup/ubackup/internal/backend"
	"github.com/ubackup/ubackup/internal/checksum"
	"github.com/ubackup/ubackup/internal/compress"
	"github.com/ubackup/ubackup/internal/cryptoutil"
	"github.com/ubackup/ubackup/internal/errs"
	"github.com/ubackup/ubackup/internal/imaging"
	"github.com/ubackup/ubackup/internal/lock"
	"github.com/ubackup/ubackup/internal/manifest"
	"github.com/ubackup/ubackup/internal/notify"
	"github.com/ubackup/ubackup/internal/retention"
	"github.com/ubackup/ubackup/internal/util"
	"github.com/ubackup/ubackup/internal/version"
)

// RunBackup drives one backup: precondition checks, a single streaming pass
// from the device through compression (and optional encryption) into a
// checksummed temp artifact, manifest sealing, independent per-backend
// upload+verify, finalization, retention, and cleanup.
//
// Local stages are fatal. Backend failures are collected per backend and
// never abort sibling backends; the returned error is non-nil only when the
// run produced nothing usable.
func (p *Pipeline) RunBackup(ctx context.Context, dryRun bool) (*BackupResult, error) {
	start := time.Now()
	result := &BackupResult{DryRun: dryRun}
	var runErr error
	defer func() {
		event := notify.Event{
			Operation: "backup",
			Outcome:   string(result.Outcome()),
			Host:      p.Cfg.Source.Host,
			BackupID:  result.Manifest.ID,
			Device:    result.Manifest.SourceDevice,
			RawBytes:  result.Manifest.RawSizeBytes,
			StartedAt: start,
			EndedAt:   time.Now(),
			Duration:  time.Since(start).String(),
		}
		event.StoredByte = result.Manifest.CompressedSizeBytes
		for _, b := range result.Backends {
			detail := notify.BackendDetail{Backend: b.Backend, Verified: b.Verified(), Location: b.Location}
			if b.Err != nil {
				detail.Error = b.Err.Error()
			}
			event.Backends = append(event.Backends, detail)
		}
		if runErr != nil {
			event.Error = runErr.Error()
			event.Outcome = string(OutcomeFailure)
		}
		if !dryRun {
			p.notify(context.Background(), event)
		}
	}()

	guard, err := lock.Acquire(p.Cfg.Global.LockFile)
	if err != nil {
		runErr = err
		return nil, err
	}
	defer guard.Release()

	// Residue from an interrupted run is safe to delete before we start.
	p.sweepResidue()

	device, probes, err := p.checkPreconditions(ctx)
	if err != nil {
		runErr = err
		return nil, err
	}
	result.Manifest.SourceDevice = device

	if dryRun {
		result.Backends = probes
		p.Log.Info().Str("device", device).Str("outcome", string(result.Outcome())).Msg("dry run: preconditions checked, no artifact produced")
		return result, nil
	}

	reachable := make([]backend.Backend, 0, len(p.Backends))
	for _, b := range p.Backends {
		for _, probe := range probes {
			if probe.Backend == b.Name() && probe.Err == nil {
				reachable = append(reachable, b)
			}
		}
	}

	sealed, artifactPath, err := p.sealArtifact(ctx, device)
	if err != nil {
		runErr = err
		return nil, err
	}
	defer os.Remove(artifactPath)
	defer func() {
		// Never leave a non-verified manifest claiming a usable backup.
		if sealed.Status != manifest.StatusVerified {
			_ = p.Store.Remove(sealed.ID)
		} else if !p.Cfg.Backup.KeepLocalCache {
			_ = p.Store.Remove(sealed.ID)
		}
	}()
	result.Manifest = *sealed

	result.Backends = p.uploadAll(ctx, reachable, sealed, artifactPath)
	// Carry probe failures into the result so operators see every requested
	// backend, not just the ones we attempted.
	for _, probe := range probes {
		if probe.Err != nil {
			result.Backends = append(result.Backends, probe)
		}
	}

	if len(sealed.BackendLocations) > 0 {
		sealed.Status = manifest.StatusVerified
	} else {
		sealed.Status = manifest.StatusFailed
	}
	if err := p.Store.Save(*sealed); err != nil {
		p.Log.Warn().Err(err).Msg("failed to persist finalized manifest")
	}
	result.Manifest = *sealed

	for _, b := range reachable {
		if _, ok := sealed.BackendLocations[b.Name()]; !ok {
			continue
		}
		p.applyRetention(ctx, b)
	}

	if result.Outcome() == OutcomeFailure {
		runErr = fmt.Errorf("backup failed on all configured backends")
		return result, runErr
	}
	p.Log.Info().
		Str("id", sealed.ID).
		Str("outcome", string(result.Outcome())).
		Int64("raw_bytes", sealed.RawSizeBytes).
		Int64("compressed_bytes", sealed.CompressedSizeBytes).
		Msg("backup completed")
	return result, nil
}

// checkPreconditions resolves the device and verifies temp space, the backup
// window, the requested type, and backend reachability. Individual backend
// probe failures are collected; only a total probe failure is fatal.
func (p *Pipeline) checkPreconditions(ctx context.Context) (string, []BackendResult, error) {
	if t := manifest.Type(strings.ToLower(p.Cfg.Backup.Type)); t != manifest.TypeFull {
		switch t {
		case manifest.TypeIncremental, manifest.TypeDifferential:
			return "", nil, errs.Preconditionf("%s backups are declared but not implemented for disk images", t)
		default:
			return "", nil, errs.Preconditionf("unknown backup type: %s", p.Cfg.Backup.Type)
		}
	}
	if p.Cfg.Backup.Encryption && p.Cfg.Backup.EncryptionKey == "" {
		return "", nil, errs.Preconditionf("encryption is enabled but encryption_key is empty")
	}

	ok, err := util.InWindow(time.Now(), p.Cfg.Schedule.WindowStart, p.Cfg.Schedule.WindowEnd, p.Cfg.Schedule.Timezone)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, errs.Preconditionf("current time is outside the configured backup window")
	}

	device := p.Cfg.Source.Device
	if device == "" {
		device, err = imaging.DetectRootDisk(ctx)
		if err != nil {
			return "", nil, errs.Preconditionf("no source device configured and auto-detection failed: %v", err)
		}
		p.Log.Info().Str("device", device).Msg("auto-detected source disk")
	}
	info, err := p.Imager.Inspect(ctx, device)
	if err != nil {
		return "", nil, &errs.PreconditionError{Reason: err.Error()}
	}
	if info.Mounted {
		p.Log.Warn().Str("device", device).Msg("device has mounted partitions; image consistency is not guaranteed")
	}

	if err := p.checkTempSpace(info.SizeBytes); err != nil {
		return "", nil, err
	}

	probes := p.probeBackends(ctx)
	allFailed := len(probes) > 0
	for _, probe := range probes {
		if probe.Err == nil {
			allFailed = false
		}
	}
	if allFailed {
		return "", nil, errs.Preconditionf("no requested backend is reachable")
	}
	return device, probes, nil
}

func (p *Pipeline) checkTempSpace(deviceSize int64) error {
	if err := os.MkdirAll(p.Cfg.Global.TempDir, 0o750); err != nil {
		return err
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(p.Cfg.Global.TempDir, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", p.Cfg.Global.TempDir, err)
	}
	free := int64(stat.Bavail) * stat.Bsize
	needed := int64(float64(deviceSize) * p.Cfg.Backup.EstimatedRatio)
	if free < needed {
		return errs.Preconditionf("insufficient temp space in %s: %d bytes free, %d estimated needed",
			p.Cfg.Global.TempDir, free, needed)
	}
	return nil
}

func (p *Pipeline) probeBackends(ctx context.Context) []BackendResult {
	results := make([]BackendResult, len(p.Backends))
	var wg sync.WaitGroup
	for i, b := range p.Backends {
		wg.Add(1)
		go func(i int, b backend.Backend) {
			defer wg.Done()
			results[i] = BackendResult{Backend: b.Name(), Err: b.Probe(ctx)}
			if results[i].Err != nil {
				p.Log.Warn().Err(results[i].Err).Str("backend", b.Name()).Msg("backend probe failed")
			}
		}(i, b)
	}
	wg.Wait()
	return results
}

// sealArtifact runs the image -> compress -> encrypt -> checksum stream into
// one temp file and persists the pending manifest before any network call.
// The digest is computed on the exact bytes written; it is never recomputed
// from a re-read of the file.
func (p *Pipeline) sealArtifact(ctx context.Context, device string) (*manifest.Manifest, string, error) {
	now := time.Now().UTC()
	id := manifest.NewID(now, p.Cfg.Source.Host)
	ext := compress.Extension(p.Cfg.Backup.Compression, p.Cfg.Backup.Encryption)
	artifactPath := filepath.Join(p.Cfg.Global.TempDir, id+"."+ext)

	stream, err := p.Imager.Dump(ctx, device)
	if err != nil {
		return nil, "", &errs.StreamError{Stage: "image", Err: err}
	}
	defer stream.Reader.Close()

	file, err := os.OpenFile(artifactPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, "", err
	}

	sum := checksum.NewWriter(file)
	writer := io.Writer(sum)
	var closers []io.Closer
	if p.Cfg.Backup.Encryption {
		key, keyErr := cryptoutil.ParseKey(p.Cfg.Backup.EncryptionKey)
		if keyErr != nil {
			file.Close()
			os.Remove(artifactPath)
			return nil, "", keyErr
		}
		encWriter, encErr := cryptoutil.EncryptWriter(writer, key)
		if encErr != nil {
			file.Close()
			os.Remove(artifactPath)
			return nil, "", encErr
		}
		writer = encWriter
		closers = append(closers, encWriter)
	}
	compWriter, err := compress.WrapWriter(p.Cfg.Backup.Compression, writer)
	if err != nil {
		file.Close()
		os.Remove(artifactPath)
		return nil, "", err
	}

	rawBytes, copyErr := io.Copy(compWriter, stream.Reader)
	closeErr := compWriter.Close()
	for _, c := range closers {
		if err := c.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	waitErr := stream.Wait()
	syncErr := file.Sync()
	if err := file.Close(); err != nil && syncErr == nil {
		syncErr = err
	}
	for _, failure := range []struct {
		stage string
		err   error
	}{{"compress", copyErr}, {"image", waitErr}, {"seal", closeErr}, {"flush", syncErr}} {
		if failure.err != nil {
			os.Remove(artifactPath)
			return nil, "", &errs.StreamError{Stage: failure.stage, Err: failure.err}
		}
	}

	m := &manifest.Manifest{
		ID:                  id,
		CreatedAt:           now,
		SourceHost:          p.Cfg.Source.Host,
		SourceDevice:        device,
		BackupType:          manifest.TypeFull,
		Compression:         p.Cfg.Backup.Compression,
		RawSizeBytes:        rawBytes,
		CompressedSizeBytes: sum.BytesWritten(),
		Checksum:            sum.Sum(),
		ChecksumAlgorithm:   checksum.Algorithm,
		Encryption:          manifest.Encryption{Algorithm: "none"},
		BackendLocations:    map[string]string{},
		Status:              manifest.StatusPending,
		ToolVersion:         version.Version,
	}
	if p.Cfg.Backup.Encryption {
		m.Encryption = manifest.Encryption{Algorithm: "aes-256-gcm", KeySource: "config"}
	}
	if err := p.Store.Save(*m); err != nil {
		os.Remove(artifactPath)
		return nil, "", fmt.Errorf("persist manifest: %w", err)
	}
	p.Log.Info().Str("id", id).Int64("raw_bytes", rawBytes).Int64("compressed_bytes", m.CompressedSizeBytes).Msg("artifact sealed")
	return m, artifactPath, nil
}

// uploadAll pushes the artifact and manifest to every reachable backend
// concurrently. Each verified backend appends its location to the manifest
// and the manifest is re-persisted immediately, so a crash mid-set keeps
// already-confirmed backends.
func (p *Pipeline) uploadAll(ctx context.Context, backends []backend.Backend, m *manifest.Manifest, artifactPath string) []BackendResult {
	if len(backends) == 0 {
		return nil
	}
	m.Status = manifest.StatusUploading
	if err := p.Store.Save(*m); err != nil {
		p.Log.Warn().Err(err).Msg("failed to persist uploading manifest")
	}

	ext := compress.Extension(m.Compression, m.Encryption.Algorithm != "none")
	key := util.BuildObjectKey(p.Cfg.Backends.Prefix, p.Cfg.Source.Host, string(m.BackupType), m.CreatedAt, ext)
	results := make([]BackendResult, len(backends))
	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	for i, b := range backends {
		eg.Go(func() error {
			results[i] = p.uploadOne(egCtx, b, m, &mu, artifactPath, key)
			return nil // sibling backends are never aborted
		})
	}
	_ = eg.Wait()
	return results
}

func (p *Pipeline) uploadOne(ctx context.Context, b backend.Backend, m *manifest.Manifest, mu *sync.Mutex, artifactPath, key string) BackendResult {
	res := BackendResult{Backend: b.Name()}
	location, err := b.Upload(ctx, artifactPath, key, map[string]string{"sha256": m.Checksum})
	if err != nil {
		res.Err = err
		p.Log.Error().Err(err).Str("backend", b.Name()).Msg("upload failed")
		return res
	}
	if err := b.VerifyUpload(ctx, location, m.Checksum, m.CompressedSizeBytes); err != nil {
		res.Err = err
		p.Log.Error().Err(err).Str("backend", b.Name()).Msg("post-upload verification failed; backend marked failed")
		return res
	}

	mu.Lock()
	m.BackendLocations[b.Name()] = location
	remote := *m
	remote.Status = manifest.StatusVerified
	remote.BackendLocations = map[string]string{}
	for k, v := range m.BackendLocations {
		remote.BackendLocations[k] = v
	}
	if err := p.Store.Save(*m); err != nil {
		p.Log.Warn().Err(err).Str("backend", b.Name()).Msg("failed to persist confirmed backend location")
	}
	mu.Unlock()

	if err := p.writeManifestObject(ctx, b, remote, location); err != nil {
		// The artifact is verified remotely but its sibling manifest is not;
		// without the manifest the backup is invisible to restore.
		res.Err = fmt.Errorf("manifest upload failed: %w", err)
		mu.Lock()
		delete(m.BackendLocations, b.Name())
		_ = p.Store.Save(*m)
		mu.Unlock()
		p.Log.Error().Err(res.Err).Str("backend", b.Name()).Msg("manifest upload failed; backend marked failed")
		return res
	}
	res.Location = location
	p.Log.Info().Str("backend", b.Name()).Str("location", location).Msg("upload verified")
	return res
}

func (p *Pipeline) applyRetention(ctx context.Context, b backend.Backend) {
	schedule := retention.FromConfig(p.Cfg.Retention)
	manifests, err := p.listManifests(ctx, b, p.prefix())
	if err != nil {
		p.Log.Warn().Err(err).Str("backend", b.Name()).Msg("retention listing failed")
		return
	}
	if _, err := retention.Prune(ctx, b, manifests, schedule, time.Now(), p.Log); err != nil {
		p.Log.Warn().Err(err).Str("backend", b.Name()).Msg("retention pruning failed")
	}
}

// sweepResidue removes temp artifacts and unverified cached manifests left by
// an interrupted earlier run.
func (p *Pipeline) sweepResidue() {
	if entries, err := os.ReadDir(p.Cfg.Global.TempDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			_ = os.Remove(filepath.Join(p.Cfg.Global.TempDir, entry.Name()))
		}
	}
	if removed, err := p.Store.SweepUnverified(); err == nil && len(removed) > 0 {
		p.Log.Info().Strs("ids", removed).Msg("removed unverified manifests from interrupted runs")
	}
}
