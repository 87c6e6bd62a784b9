// Package scheduler drives the daily anchor job and the reconciliation
// loop on their configured cadences, using robfig/cron so missed fires
// are skipped (never coalesced) exactly as §4.G requires, with no extra
// bookkeeping.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// RunDailyAnchorFunc triggers one daily anchor job. Callers close over
// their workflow.Workflow instance (start=previous midnight UTC,
// end=today's midnight UTC, waitForConfirmation=true) rather than the
// scheduler depending on workflow's concrete AnchorResult type.
type RunDailyAnchorFunc func(ctx context.Context) error

// RunReconciliationFunc triggers one reconciliation sweep.
type RunReconciliationFunc func(ctx context.Context) error

// Config holds the scheduler.* / reconciliation.interval_minutes knobs.
type Config struct {
	Enabled                bool
	DailyHour              int
	DailyMinute            int
	ReconciliationInterval int // minutes
}

// Scheduler wraps a robfig/cron instance configured for UTC with panic
// recovery, so one failing job tick logs and continues rather than
// taking the process down.
type Scheduler struct {
	cron   *cron.Cron
	logger *log.Logger
}

// New builds a Scheduler and registers both jobs. Call Start to begin
// firing them.
func New(cfg Config, runDaily RunDailyAnchorFunc, runReconciliation RunReconciliationFunc) (*Scheduler, error) {
	logger := log.New(log.Writer(), "[Scheduler] ", log.LstdFlags)

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
	)

	if cfg.Enabled {
		dailySpec := fmt.Sprintf("%d %d * * *", cfg.DailyMinute, cfg.DailyHour)
		if _, err := c.AddFunc(dailySpec, func() {
			ctx := context.Background()
			if err := runDaily(ctx); err != nil {
				logger.Printf("daily anchor job failed: %v", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("scheduler: registering daily_anchor: %w", err)
		}
	}

	interval := cfg.ReconciliationInterval
	if interval <= 0 {
		interval = 15
	}
	reconSpec := fmt.Sprintf("@every %dm", interval)
	if _, err := c.AddFunc(reconSpec, func() {
		ctx := context.Background()
		if err := runReconciliation(ctx); err != nil {
			logger.Printf("reconciliation job failed: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("scheduler: registering reconciliation: %w", err)
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

// Start begins firing registered jobs in the background.
func (s *Scheduler) Start() {
	s.logger.Println("scheduler starting")
	s.cron.Start()
}

// Stop stops firing new jobs, then waits for any running job to finish or
// for ctx to be done, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.logger.Println("scheduler stop timed out waiting for running jobs")
	}
}
