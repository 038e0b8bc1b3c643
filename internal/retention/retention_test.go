package retention

import (
	"testing"
	"time"

	"github.com/ubackup/ubackup/internal/manifest"
)

func mk(id string, created time.Time) manifest.Manifest {
	return manifest.Manifest{
		ID:        id,
		CreatedAt: created,
		Status:    manifest.StatusVerified,
	}
}

func ids(list []manifest.Manifest) map[string]bool {
	out := map[string]bool{}
	for _, m := range list {
		out[m.ID] = true
	}
	return out
}

func TestPlanKeepDaily(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	manifests := []manifest.Manifest{
		mk("day0", now),
		mk("day1", now.Add(-24*time.Hour)),
		mk("day2", now.Add(-48*time.Hour)),
	}
	victims := Plan(manifests, now, Schedule{KeepDaily: 2})
	got := ids(victims)
	if len(victims) != 1 || !got["day2"] {
		t.Fatalf("expected exactly day2 pruned, got %v", got)
	}
}

func TestPlanAlwaysKeepsNewest(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	manifests := []manifest.Manifest{
		mk("newest", now),
		mk("older", now.Add(-24*time.Hour)),
	}
	victims := Plan(manifests, now, Schedule{})
	if ids(victims)["newest"] {
		t.Fatalf("newest manifest must never be pruned")
	}
}

func TestPlanCoarserClassProtects(t *testing.T) {
	// Daily overflow cannot delete a backup claimed by the monthly class.
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	manifests := []manifest.Manifest{
		mk("today", now),
		mk("yesterday", now.Add(-24*time.Hour)),
		mk("lastmonth", now.AddDate(0, -1, 0)),
	}
	victims := Plan(manifests, now, Schedule{KeepDaily: 2, KeepMonthly: 2})
	if got := ids(victims); got["lastmonth"] {
		t.Fatalf("monthly-claimed backup was pruned: %v", got)
	}
}

func TestPlanNewestPerDayRepresentsBucket(t *testing.T) {
	// Two backups on the same day count as one daily bucket; only the newer
	// represents it.
	now := time.Date(2024, 6, 10, 18, 0, 0, 0, time.UTC)
	manifests := []manifest.Manifest{
		mk("evening", now),
		mk("morning", now.Add(-8*time.Hour)),
		mk("yesterday", now.Add(-24*time.Hour)),
	}
	victims := Plan(manifests, now, Schedule{KeepDaily: 2})
	got := ids(victims)
	if !got["morning"] || got["yesterday"] || got["evening"] {
		t.Fatalf("unexpected victims: %v", got)
	}
}

func TestPlanEmptyInput(t *testing.T) {
	if victims := Plan(nil, time.Now(), Schedule{KeepDaily: 7}); victims != nil {
		t.Fatalf("expected no victims for empty input")
	}
}
