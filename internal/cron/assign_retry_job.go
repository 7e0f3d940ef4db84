package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/platefleet-backend/internal/deliveries"
	"github.com/angelmondragon/platefleet-backend/pkg/config"
	"github.com/angelmondragon/platefleet-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/platefleet-backend/pkg/errors"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

type pendingDeliveryReader interface {
	FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Delivery, error)
}

type deliveryAssigner interface {
	AutoAssign(ctx context.Context, deliveryID uuid.UUID) (*deliveries.AssignmentOutcome, error)
}

// AssignRetryJobParams configure the pending assignment sweeper.
type AssignRetryJobParams struct {
	Logger   *logger.Logger
	Pending  pendingDeliveryReader
	Assigner deliveryAssigner
	Dispatch config.DispatchConfig
}

// NewAssignRetryJob builds the cron job that retries dispatch for
// deliveries still waiting on an agent.
func NewAssignRetryJob(params AssignRetryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Pending == nil {
		return nil, fmt.Errorf("pending deliveries reader required")
	}
	if params.Assigner == nil {
		return nil, fmt.Errorf("delivery assigner required")
	}
	return &assignRetryJob{
		logg:     params.Logger,
		pending:  params.Pending,
		assigner: params.Assigner,
		cfg:      params.Dispatch,
		now:      time.Now,
	}, nil
}

type assignRetryJob struct {
	logg     *logger.Logger
	pending  pendingDeliveryReader
	assigner deliveryAssigner
	cfg      config.DispatchConfig
	now      func() time.Time
}

func (j *assignRetryJob) Name() string { return "assign-retry" }

func (j *assignRetryJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.cfg.RetryInterval)
	rows, err := j.pending.FindPendingBefore(ctx, cutoff, j.cfg.RetryBatchSize)
	if err != nil {
		return fmt.Errorf("query pending deliveries: %w", err)
	}

	var assigned, waiting int
	var errs []error
	overdue := j.now().UTC().Add(-j.cfg.PendingMaxAge)
	for _, row := range rows {
		logCtx := j.logg.WithDeliveryID(ctx, row.ID.String())
		outcome, assignErr := j.assigner.AutoAssign(logCtx, row.ID)
		switch {
		case assignErr != nil:
			// Another dispatcher may have claimed the row since the
			// query ran; a state conflict here is not a failure.
			if appErr := pkgerrors.As(assignErr); appErr != nil && appErr.Code() == pkgerrors.CodeStateConflict {
				continue
			}
			errs = append(errs, fmt.Errorf("assign %s: %w", row.ID, assignErr))
			j.logg.Error(logCtx, "retry assignment failed", assignErr)
		case outcome.Assigned:
			assigned++
		default:
			waiting++
			if row.CreatedAt.Before(overdue) {
				j.logg.Warn(j.logg.WithFields(logCtx, map[string]any{
					"order_id":        row.OrderID,
					"pending_minutes": int(j.now().UTC().Sub(row.CreatedAt).Minutes()),
				}), "delivery pending beyond max age")
			}
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"scanned":  len(rows),
		"assigned": assigned,
		"waiting":  waiting,
		"failed":   len(errs),
	})
	j.logg.Info(logCtx, "assignment retry sweep complete")
	return multierr.Combine(errs...)
}
