// Package retention implements grandfather-father-son pruning of backup
// artifacts. Buckets are derived from manifest ages on every run and never
// persisted.
package retention

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ubackup/ubackup/internal/backend"
	"github.com/ubackup/ubackup/internal/config"
	"github.com/ubackup/ubackup/internal/errs"
	"github.com/ubackup/ubackup/internal/manifest"
)

// Schedule holds how many backups to keep per age class.
type Schedule struct {
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
}

func FromConfig(cfg config.RetentionConfig) Schedule {
	return Schedule{
		KeepDaily:   cfg.KeepDaily,
		KeepWeekly:  cfg.KeepWeekly,
		KeepMonthly: cfg.KeepMonthly,
		KeepYearly:  cfg.KeepYearly,
	}
}

func (s Schedule) Empty() bool {
	return s.KeepDaily == 0 && s.KeepWeekly == 0 && s.KeepMonthly == 0 && s.KeepYearly == 0
}

// Plan decides which manifests to delete. The newest manifest of each
// distinct day/week/month/year is a candidate for its class, the most recent
// N candidates per class are kept, and a manifest claimed by any class
// survives every other class's overflow. The single most recent manifest is
// always kept, whatever the schedule says.
func Plan(manifests []manifest.Manifest, now time.Time, s Schedule) []manifest.Manifest {
	if len(manifests) == 0 {
		return nil
	}
	sorted := append([]manifest.Manifest(nil), manifests...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	keep := map[string]bool{sorted[0].ID: true}

	markClass(sorted, keep, s.KeepDaily, func(t time.Time) string {
		return t.UTC().Format("2006-01-02")
	})
	markClass(sorted, keep, s.KeepWeekly, func(t time.Time) string {
		year, week := t.UTC().ISOWeek()
		return fmt.Sprintf("%04d-w%02d", year, week)
	})
	markClass(sorted, keep, s.KeepMonthly, func(t time.Time) string {
		return t.UTC().Format("2006-01")
	})
	markClass(sorted, keep, s.KeepYearly, func(t time.Time) string {
		return t.UTC().Format("2006")
	})

	var victims []manifest.Manifest
	for _, m := range sorted {
		if !keep[m.ID] {
			victims = append(victims, m)
		}
	}
	return victims
}

// markClass keeps the newest manifest of up to n distinct buckets.
func markClass(sorted []manifest.Manifest, keep map[string]bool, n int, bucket func(time.Time) string) {
	if n <= 0 {
		return
	}
	seen := map[string]bool{}
	for _, m := range sorted {
		b := bucket(m.CreatedAt)
		if seen[b] {
			continue
		}
		seen[b] = true
		keep[m.ID] = true
		if len(seen) >= n {
			return
		}
	}
}

// Prune deletes each victim's artifact and manifest from one backend,
// artifact first. An artifact deleted whose manifest then fails to delete is
// permanently unlistable; that anomaly is logged, never silently dropped.
func Prune(ctx context.Context, b backend.Backend, manifests []manifest.Manifest, s Schedule, now time.Time, log zerolog.Logger) ([]string, error) {
	if s.Empty() && len(manifests) <= 1 {
		return nil, nil
	}
	var deleted []string
	for _, victim := range Plan(manifests, now, s) {
		location, ok := victim.BackendLocations[b.Name()]
		if !ok || location == "" {
			continue
		}
		if err := b.Delete(ctx, location); err != nil {
			log.Warn().Err(err).Str("backend", b.Name()).Str("id", victim.ID).Msg("failed to delete artifact during pruning")
			continue
		}
		if err := b.Delete(ctx, manifest.Key(location)); err != nil {
			anomaly := &errs.ReconciliationError{
				Backend:     b.Name(),
				ArtifactKey: location,
				ManifestKey: manifest.Key(location),
				Err:         err,
			}
			log.Error().Err(anomaly).Str("id", victim.ID).Msg("retention reconciliation anomaly")
			continue
		}
		deleted = append(deleted, victim.ID)
		log.Info().Str("backend", b.Name()).Str("id", victim.ID).Msg("pruned backup")
	}
	return deleted, nil
}
