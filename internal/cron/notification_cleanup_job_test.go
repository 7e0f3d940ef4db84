package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/platefleet-backend/pkg/config"
)

type fakePruner struct {
	batches []int64
	cutoffs []time.Time
	limits  []int
	err     error
}

func (f *fakePruner) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return 0, f.err
	}
	call := len(f.cutoffs) - 1
	if call < len(f.batches) {
		return f.batches[call], nil
	}
	return 0, nil
}

func newCleanupJobTest(t *testing.T, pruner *fakePruner) *notificationCleanupJob {
	t.Helper()

	job, err := NewNotificationCleanupJob(NotificationCleanupJobParams{
		Logger: testLogger(),
		Pruner: pruner,
		Notifications: config.NotificationsConfig{
			RetentionDays: 30,
			CleanupBatch:  500,
		},
	})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	return job.(*notificationCleanupJob)
}

func TestNotificationCleanupJob_DrainsFullBatches(t *testing.T) {
	now := time.Date(2026, 3, 12, 3, 0, 0, 0, time.UTC)
	pruner := &fakePruner{batches: []int64{500, 500, 120}}

	job := newCleanupJobTest(t, pruner)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pruner.cutoffs) != 3 {
		t.Fatalf("expected 3 delete rounds, got %d", len(pruner.cutoffs))
	}
	want := now.Add(-30 * 24 * time.Hour)
	if !pruner.cutoffs[0].Equal(want) {
		t.Fatalf("unexpected cutoff %s, want %s", pruner.cutoffs[0], want)
	}
	if pruner.limits[0] != 500 {
		t.Fatalf("unexpected batch limit %d", pruner.limits[0])
	}
}

func TestNotificationCleanupJob_StopsOnShortBatch(t *testing.T) {
	pruner := &fakePruner{batches: []int64{17}}

	job := newCleanupJobTest(t, pruner)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pruner.cutoffs) != 1 {
		t.Fatalf("expected a single round, got %d", len(pruner.cutoffs))
	}
}

func TestNotificationCleanupJob_SurfacesDeleteError(t *testing.T) {
	pruner := &fakePruner{err: errors.New("db down")}

	job := newCleanupJobTest(t, pruner)
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected delete error to surface")
	}
}
