package usecase

import (
	"context"
	"errors"
	"time"

	"FinPulse/internal/service/cmc"
	"FinPulse/pkg/logger"
	"FinPulse/pkg/queue"
)

// RefreshJobType is the queue message type for market refreshes.
const RefreshJobType = "market.refresh"

// RefreshRequest is the queued payload.
type RefreshRequest struct {
	Source      string    `json:"source"`
	RequestedAt time.Time `json:"requested_at"`
}

// RefreshJob runs queued refresh requests.
type RefreshJob struct {
	refresher *MarketRefresher
	logger    *logger.Logger
}

func NewRefreshJob(r *MarketRefresher, lgr *logger.Logger) *RefreshJob {
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &RefreshJob{refresher: r, logger: lgr}
}

func (j *RefreshJob) Name() string { return "market_refresh" }

func (j *RefreshJob) Type() string { return RefreshJobType }

// Handle refreshes once. A busy lock or a rejected request is not retried.
func (j *RefreshJob) Handle(ctx context.Context, payload interface{}) error {
	req, err := queue.ParsePayload[RefreshRequest](payload)
	if err != nil {
		j.logger.Warn("refresh job payload", logger.Error(err))
	} else {
		j.logger.Info("refresh job", logger.String("source", req.Source), logger.Time("requested_at", req.RequestedAt))
	}

	_, err = j.refresher.Refresh(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRefreshInProgress):
		j.logger.Debug("refresh job skipped, another refresh is running")
		return nil
	case errors.Is(err, ErrRefreshLockLost):
		// whoever took the lock over is refreshing now
		return nil
	case errors.Is(err, cmc.ErrClientRequest), errors.Is(err, cmc.ErrResponseTooLarge):
		return nil
	}
	return err
}

var _ queue.Job = (*RefreshJob)(nil)
