// Package pipeline orchestrates backup and restore runs: imaging,
// compression, checksumming, manifest sealing, multi-backend transfer with
// per-backend verification, retention, and scoped temp cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ubackup/ubackup/internal/backend"
	"github.com/ubackup/ubackup/internal/config"
	"github.com/ubackup/ubackup/internal/imaging"
	"github.com/ubackup/ubackup/internal/manifest"
	"github.com/ubackup/ubackup/internal/notify"
	"github.com/ubackup/ubackup/internal/util"
)

// ErrNotFound reports that a backup selector matched no usable manifest.
var ErrNotFound = errors.New("backup not found")

// Outcome classifies a run across all requested backends.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// BackendResult is one backend's view of a run.
type BackendResult struct {
	Backend  string
	Location string
	Err      error
}

func (r BackendResult) Verified() bool { return r.Err == nil }

// BackupResult aggregates per-backend outcomes; a partial result is a
// qualified success with detail, never collapsed into a single boolean.
type BackupResult struct {
	Manifest manifest.Manifest
	Backends []BackendResult
	DryRun   bool
}

func (r *BackupResult) Outcome() Outcome {
	ok, failed := 0, 0
	for _, b := range r.Backends {
		if b.Verified() {
			ok++
		} else {
			failed++
		}
	}
	switch {
	case ok > 0 && failed == 0:
		return OutcomeSuccess
	case ok > 0:
		return OutcomePartial
	default:
		return OutcomeFailure
	}
}

// ExitCode maps the outcome to the CLI contract: 0 all backends verified,
// 1 partial, 2 everything failed.
func (r *BackupResult) ExitCode() int {
	switch r.Outcome() {
	case OutcomeSuccess:
		return 0
	case OutcomePartial:
		return 1
	default:
		return 2
	}
}

// Pipeline carries the collaborators for one invocation. Credentials and
// backend instances are scoped to the invocation; there is no process-wide
// mutable state beyond the flock guard.
type Pipeline struct {
	Cfg      *config.Config
	Imager   imaging.Imager
	Backends []backend.Backend
	Store    *manifest.Store
	Log      zerolog.Logger
	Notifier notify.Notifier
}

func New(cfg *config.Config, imager imaging.Imager, backends []backend.Backend, store *manifest.Store, log zerolog.Logger, notifier notify.Notifier) *Pipeline {
	return &Pipeline{Cfg: cfg, Imager: imager, Backends: backends, Store: store, Log: log, Notifier: notifier}
}

func (p *Pipeline) notify(ctx context.Context, event notify.Event) {
	if p.Notifier == nil {
		return
	}
	if err := p.Notifier.Notify(ctx, event); err != nil {
		p.Log.Warn().Err(err).Msg("notification delivery failed")
	}
}

// listManifests fetches and decodes all remote manifests for one backend.
func (p *Pipeline) listManifests(ctx context.Context, b backend.Backend, prefix string) ([]manifest.Manifest, error) {
	objects, err := b.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var manifests []manifest.Manifest
	for _, obj := range objects {
		if !manifest.IsManifestKey(obj.Key) {
			continue
		}
		rc, err := b.Download(ctx, obj.Key)
		if err != nil {
			p.Log.Warn().Err(err).Str("key", obj.Key).Msg("skipping unreadable manifest")
			continue
		}
		m, decErr := manifest.Decode(rc)
		rc.Close()
		if decErr != nil {
			p.Log.Warn().Err(decErr).Str("key", obj.Key).Msg("skipping unparsable manifest")
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// writeManifestObject uploads the manifest as the artifact's sibling object.
func (p *Pipeline) writeManifestObject(ctx context.Context, b backend.Backend, m manifest.Manifest, artifactLocation string) error {
	payload, err := m.Encode()
	if err != nil {
		return err
	}
	tmp := filepath.Join(p.Cfg.Global.TempDir, fmt.Sprintf("%s.%s%s", m.ID, b.Name(), manifest.Suffix))
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	defer os.Remove(tmp)
	_, err = b.Upload(ctx, tmp, manifest.Key(artifactLocation), map[string]string{"ubackup-manifest": "true"})
	return err
}

func (p *Pipeline) prefix() string {
	return util.BuildPrefix(p.Cfg.Backends.Prefix, p.Cfg.Source.Host)
}
