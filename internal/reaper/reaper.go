// Package reaper garbage-collects expired rows: sessions past their
// lifetime, orphaned refresh-token trees, spent verifiers and verification
// codes, fully-refilled rate-limit buckets, and dead device authorizations.
// It wraps gocron with a single periodic sweep.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/authgate-io/authgate/internal/metrics"
	"github.com/authgate-io/authgate/internal/repository"
)

const (
	// defaultInterval is how often the sweep runs.
	defaultInterval = 15 * time.Minute

	// rateLimitRetention is how long an untouched bucket is kept. Any
	// realistic bucket has fully refilled well before this.
	rateLimitRetention = 24 * time.Hour
)

// Reaper runs the periodic expiry sweeps. The zero value is not usable —
// create instances with New.
type Reaper struct {
	cron     gocron.Scheduler
	store    *repository.Store
	logger   *zap.Logger
	interval time.Duration
}

// New creates a Reaper sweeping at the given interval (15 minutes when
// non-positive). Call Start to begin processing.
func New(store *repository.Store, logger *zap.Logger, interval time.Duration) (*Reaper, error) {
	if interval <= 0 {
		interval = defaultInterval
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("reaper: creating scheduler: %w", err)
	}

	return &Reaper{
		cron:     s,
		store:    store,
		logger:   logger.Named("reaper"),
		interval: interval,
	}, nil
}

// Start registers the sweep job and starts the scheduler.
func (r *Reaper) Start() error {
	_, err := r.cron.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			r.Sweep(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("reaper: registering sweep job: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (r *Reaper) Stop() error {
	return r.cron.Shutdown()
}

// Sweep runs one pass over every expirable entity. Each deletion is
// independent: one failing sweep does not block the others.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now()

	r.sweep(ctx, "sessions", func() (int64, error) {
		return r.store.Sessions.DeleteExpired(ctx, now)
	})
	r.sweep(ctx, "refresh_tokens", func() (int64, error) {
		return r.store.RefreshTokens.DeleteOrphaned(ctx)
	})
	r.sweep(ctx, "verifiers", func() (int64, error) {
		return r.store.Verifiers.DeleteExpired(ctx, now)
	})
	r.sweep(ctx, "verification_codes", func() (int64, error) {
		return r.store.VerificationCodes.DeleteExpired(ctx, now)
	})
	r.sweep(ctx, "rate_limits", func() (int64, error) {
		return r.store.RateLimits.DeleteStale(ctx, now.Add(-rateLimitRetention))
	})
	r.sweep(ctx, "device_authorizations", func() (int64, error) {
		return r.store.Devices.DeleteExpired(ctx, now)
	})
}

func (r *Reaper) sweep(ctx context.Context, entity string, fn func() (int64, error)) {
	if ctx.Err() != nil {
		return
	}
	deleted, err := fn()
	if err != nil {
		r.logger.Error("sweep failed", zap.String("entity", entity), zap.Error(err))
		return
	}
	if deleted > 0 {
		metrics.ReaperDeletions.WithLabelValues(entity).Add(float64(deleted))
		r.logger.Debug("swept expired rows", zap.String("entity", entity), zap.Int64("deleted", deleted))
	}
}
