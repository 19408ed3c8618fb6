package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"importq/internal/constants"
	"importq/internal/lock"
	"importq/internal/status"
	"importq/internal/store"
)

// Sweeper periodically reconciles every active job so stalls and timeouts
// are caught even when nobody polls the status endpoint. With a distributed
// lock configured, concurrent instances take turns instead of double-sweeping.
type Sweeper struct {
	store    store.JobStore
	driver   *status.Driver
	lock     lock.DistributedLockManager
	interval time.Duration
	cron     *cron.Cron
}

func NewSweeper(s store.JobStore, driver *status.Driver, lockMgr lock.DistributedLockManager, interval time.Duration) *Sweeper {
	if interval < time.Second {
		interval = time.Minute
	}
	return &Sweeper{
		store:    s,
		driver:   driver,
		lock:     lockMgr,
		interval: interval,
		cron:     cron.New(),
	}
}

// Start schedules the sweep and returns immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	_, err := s.cron.AddFunc(spec, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, s.interval)
		defer cancel()
		s.Sweep(sweepCtx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("[reconcile] sweeper started (%s)", spec)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep reconciles every active job once.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.lock != nil {
		if err := s.lock.Acquire(ctx, constants.SweepLock); err != nil {
			log.Printf("[reconcile] sweep lock held elsewhere, skipping: %v", err)
			return
		}
		defer s.lock.Release(ctx, constants.SweepLock)
	}

	jobs, err := s.store.ListActive(ctx)
	if err != nil {
		log.Printf("[reconcile] active scan failed: %v", err)
		return
	}

	reconciled := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		updated, steps := s.driver.Reconcile(ctx, job)
		if len(steps) > 0 {
			reconciled++
			log.Printf("[reconcile] job %s -> %s", job.JobID, updated.Status)
		}
	}
	if reconciled > 0 {
		log.Printf("[reconcile] swept %d jobs, %d reconciled", len(jobs), reconciled)
	}
}
