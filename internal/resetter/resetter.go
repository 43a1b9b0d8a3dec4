// Package resetter rolls every account's request counter back to zero at
// period boundaries.
package resetter

import (
	"context"
	"fmt"
	"time"

	"github.com/ethgate/ethgate/internal/store"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Resetter performs the periodic usage reset.
type Resetter struct {
	accounts *store.AccountStore
}

// New constructs a Resetter.
func New(accounts *store.AccountStore) *Resetter {
	return &Resetter{accounts: accounts}
}

// ResetAll zeroes every account's counter in one bulk atomic update and
// returns the number of accounts reset. Running it twice in succession is
// safe; the second run rewrites already-zero counters.
func (r *Resetter) ResetAll(ctx context.Context) (int64, error) {
	count, err := r.accounts.ResetAll(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("resetter: %w", err)
	}
	log.WithField("accounts", count).Info("resetter: request counters reset")
	return count, nil
}

// Scheduler triggers ResetAll on a cron schedule.
type Scheduler struct {
	resetter *Resetter
	cron     *cron.Cron
}

// NewScheduler constructs a Scheduler.
func NewScheduler(resetter *Resetter) *Scheduler {
	return &Scheduler{resetter: resetter, cron: cron.New()}
}

// Start validates the cron expression and begins scheduling. An empty
// expression disables the scheduler so resets stay purely operator driven.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		log.Info("resetter: no schedule configured, reset is manual only")
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("resetter: invalid schedule %q: %w", schedule, err)
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		if _, errReset := s.resetter.ResetAll(ctx); errReset != nil {
			log.WithError(errReset).Error("resetter: scheduled reset failed")
		}
	}); err != nil {
		return fmt.Errorf("resetter: schedule reset: %w", err)
	}
	s.cron.Start()
	log.WithField("schedule", schedule).Info("resetter: scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the scheduler without cancelling an in-flight reset.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
