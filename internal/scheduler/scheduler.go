// Package scheduler owns the four pipeline timers: collection (fixed-
// interval ticker), upload and cleanup (cron expressions via robfig/cron),
// and pull-sync (fixed-interval ticker). Grounded on internal/scanloop's
// stop-channel-driven timer loop, adapted from a jittered interval to the
// spec's fixed, non-jittered intervals — pinning COLLECTION_INTERVAL_SECONDS
// exactly forbids the randomized cadence scanloop was built for.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emil-guirguis/edge-sync-agent/internal/cleanup"
	"github.com/emil-guirguis/edge-sync-agent/internal/collector"
	"github.com/emil-guirguis/edge-sync-agent/internal/pullsync"
	"github.com/emil-guirguis/edge-sync-agent/internal/pushsync"
)

// Config wires the four pipelines and their cadences.
type Config struct {
	Collector *collector.Collector
	PushSync  *pushsync.Manager
	PullSync  *pullsync.Manager
	Cleanup   *cleanup.Agent

	CollectionInterval time.Duration
	UploadCron         string
	PullSyncInterval   time.Duration
	CleanupCron        string

	ShutdownTimeout time.Duration
}

// Scheduler runs each pipeline on its own cadence, serialized against
// itself via a per-pipeline busy flag, never against the other three.
type Scheduler struct {
	cfg Config
	cr  *cron.Cron

	collectBusy  atomic.Bool
	pullSyncBusy atomic.Bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds a Scheduler. UploadCron and CleanupCron must already be valid
// cron expressions (internal/config validates them at load time).
func New(cfg Config) *Scheduler {
	if cfg.CollectionInterval <= 0 {
		cfg.CollectionInterval = 60 * time.Second
	}
	if cfg.PullSyncInterval <= 0 {
		cfg.PullSyncInterval = 60 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Scheduler{
		cfg:    cfg,
		cr:     cron.New(),
		stopCh: make(chan struct{}),
	}
}

// Start runs the blocking initial pull-sync (fail-start on error per
// spec.md's startup order), then launches the collection and pull-sync
// tickers and registers the upload/cleanup cron entries. It does not start
// the control API; cmd/edgeagent does that once Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cfg.PullSync.Run(ctx); err != nil {
		return err
	}

	s.wg.Add(2)
	go s.runTicker("collect", s.cfg.CollectionInterval, &s.collectBusy, func(cycleCtx context.Context) {
		if _, err := s.cfg.Collector.RunCycle(cycleCtx); err != nil {
			log.Printf("[scheduler] collection cycle: %v", err)
		}
	})
	go s.runTicker("pull-sync", s.cfg.PullSyncInterval, &s.pullSyncBusy, func(cycleCtx context.Context) {
		if _, err := s.cfg.PullSync.Run(cycleCtx); err != nil {
			log.Printf("[scheduler] pull-sync cycle: %v", err)
		}
	})

	if _, err := s.cr.AddFunc(s.cfg.UploadCron, func() {
		if _, err := s.cfg.PushSync.Run(context.Background()); err != nil {
			log.Printf("[scheduler] upload cycle: %v", err)
		}
	}); err != nil {
		return err
	}
	if _, err := s.cr.AddFunc(s.cfg.CleanupCron, func() {
		if _, err := s.cfg.Cleanup.Run(); err != nil {
			log.Printf("[scheduler] cleanup cycle: %v", err)
		}
	}); err != nil {
		return err
	}
	s.cr.Start()

	return nil
}

// TriggerCollect runs one collection cycle immediately, for the Control
// API's manual trigger. It is a no-op (returning false) if a cycle is
// already running, matching the "at-most-one concurrency" invariant.
func (s *Scheduler) TriggerCollect(ctx context.Context) bool {
	return s.runOnce(&s.collectBusy, func() {
		if _, err := s.cfg.Collector.RunCycle(ctx); err != nil {
			log.Printf("[scheduler] triggered collection cycle: %v", err)
		}
	})
}

// TriggerUpload runs one upload cycle immediately. Upload has no dedicated
// busy flag of its own here: robfig/cron never runs two instances of the
// same entry concurrently, and cron-scheduled and manually-triggered upload
// cycles share that same serialization by running inline on this goroutine.
func (s *Scheduler) TriggerUpload(ctx context.Context) (pushsync.Result, error) {
	return s.cfg.PushSync.Run(ctx)
}

// TriggerPullSync runs one pull-sync cycle immediately, no-op if one is
// already in flight.
func (s *Scheduler) TriggerPullSync(ctx context.Context) bool {
	return s.runOnce(&s.pullSyncBusy, func() {
		if _, err := s.cfg.PullSync.Run(ctx); err != nil {
			log.Printf("[scheduler] triggered pull-sync cycle: %v", err)
		}
	})
}

func (s *Scheduler) runOnce(busy *atomic.Bool, fn func()) bool {
	if !busy.CompareAndSwap(false, true) {
		return false
	}
	defer busy.Store(false)
	fn()
	return true
}

// runTicker fires fn every interval until stopCh is closed, skipping a tick
// entirely (rather than queueing it) if the previous invocation is still
// running — the scheduler's half of the "never overlap" invariant; the
// other half is each pipeline completing or observing the cancellation of
// its cycle context, whose deadline is one interval after the tick.
func (s *Scheduler) runTicker(name string, interval time.Duration, busy *atomic.Bool, fn func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !busy.CompareAndSwap(false, true) {
				log.Printf("[scheduler] %s: previous cycle still running, skipping this tick", name)
				continue
			}
			cycleCtx, cancel := context.WithTimeout(context.Background(), interval)
			fn(cycleCtx)
			cancel()
			busy.Store(false)
		}
	}
}

// Stop signals every ticker loop to exit and waits up to ShutdownTimeout for
// them to drain, logging a warning rather than blocking forever if they
// don't. In-flight cron jobs are then waited on the same way, also for up to
// ShutdownTimeout.
func (s *Scheduler) Stop() {
	close(s.stopCh)

	cronCtx := s.cr.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Printf("[scheduler] shutdown timeout exceeded, abandoning running ticker cycles")
	}

	select {
	case <-cronCtx.Done():
	case <-time.After(s.cfg.ShutdownTimeout):
		log.Printf("[scheduler] shutdown timeout exceeded, abandoning in-flight cron jobs")
	}
}
