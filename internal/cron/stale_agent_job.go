package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/platefleet-backend/pkg/logger"
)

type staleAgentSweeper interface {
	MarkStaleOffline(ctx context.Context) (int, error)
}

// StaleAgentJobParams configure the stale agent sweeper.
type StaleAgentJobParams struct {
	Logger  *logger.Logger
	Sweeper staleAgentSweeper
}

// NewStaleAgentJob builds the cron job that marks silent agents offline.
func NewStaleAgentJob(params StaleAgentJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("stale agent sweeper required")
	}
	return &staleAgentJob{logg: params.Logger, sweeper: params.Sweeper}, nil
}

type staleAgentJob struct {
	logg    *logger.Logger
	sweeper staleAgentSweeper
}

func (j *staleAgentJob) Name() string { return "stale-agents" }

func (j *staleAgentJob) Run(ctx context.Context) error {
	count, err := j.sweeper.MarkStaleOffline(ctx)
	if err != nil {
		return fmt.Errorf("mark stale agents offline: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{"count": count})
	j.logg.Info(logCtx, "stale agent sweep complete")
	return nil
}
