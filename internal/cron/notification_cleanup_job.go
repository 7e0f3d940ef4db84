package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/platefleet-backend/pkg/config"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
)

const maxCleanupRounds = 20

type notificationPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// NotificationCleanupJobParams configure the notification retention job.
type NotificationCleanupJobParams struct {
	Logger        *logger.Logger
	Pruner        notificationPruner
	Notifications config.NotificationsConfig
}

// NewNotificationCleanupJob builds the cron job that prunes old notifications.
func NewNotificationCleanupJob(params NotificationCleanupJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Pruner == nil {
		return nil, fmt.Errorf("notification pruner required")
	}
	return &notificationCleanupJob{
		logg:   params.Logger,
		pruner: params.Pruner,
		cfg:    params.Notifications,
		now:    time.Now,
	}, nil
}

type notificationCleanupJob struct {
	logg   *logger.Logger
	pruner notificationPruner
	cfg    config.NotificationsConfig
	now    func() time.Time
}

func (j *notificationCleanupJob) Name() string { return "notification-cleanup" }

func (j *notificationCleanupJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour)

	var total int64
	for i := 0; i < maxCleanupRounds; i++ {
		deleted, err := j.pruner.DeleteOlderThan(ctx, cutoff, j.cfg.CleanupBatch)
		if err != nil {
			return fmt.Errorf("delete old notifications: %w", err)
		}
		total += deleted
		if deleted < int64(j.cfg.CleanupBatch) {
			break
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"count": total})
	j.logg.Info(logCtx, "notification cleanup complete")
	return nil
}
