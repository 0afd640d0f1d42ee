// Package cleanup enforces the local store's retention policy: readings
// already marked synchronized are deleted once they age past retentionDays,
// and sync_log entries are purged past their own shorter retention. Grounded
// on Resin's internal/requestlog rolling-database retainCount idiom, adapted
// from file rotation to row-level bounded-batch deletes since the local
// store is a single SQLite file rather than a rolling set of DB files.
package cleanup

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/emil-guirguis/edge-sync-agent/internal/model"
)

// defaultBatchSize bounds each DELETE statement so a large backlog never
// holds SQLite's single writer lock for long, matching §6.5's single-writer
// WAL model.
const defaultBatchSize = 500

// Store is the subset of internal/store.Store the cleanup agent needs.
type Store interface {
	DeleteOldSynchronized(olderThanNs int64, batchSize int) (int, error)
	PurgeSyncLogs(olderThanNs int64) (int, error)
	AppendSyncLog(entry model.SyncLog) error
}

// Config configures an Agent.
type Config struct {
	Store Store

	// ReadingRetentionDays is how long a synchronized reading is kept
	// before it becomes eligible for deletion.
	ReadingRetentionDays int
	// LogRetentionDays is how long a sync_log entry is kept.
	LogRetentionDays int
	// BatchSize bounds each DELETE statement's row count.
	BatchSize int

	// Now returns the current time; overridable in tests.
	Now func() time.Time
}

// Agent runs one retention sweep per Run call.
type Agent struct {
	store         Store
	readingMaxAge time.Duration
	logMaxAge     time.Duration
	batchSize     int
	now           func() time.Time
}

// New builds a cleanup Agent from cfg, applying spec defaults for anything
// left zero.
func New(cfg Config) *Agent {
	readingDays := cfg.ReadingRetentionDays
	if readingDays <= 0 {
		readingDays = 60
	}
	logDays := cfg.LogRetentionDays
	if logDays <= 0 {
		logDays = 30
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Agent{
		store:         cfg.Store,
		readingMaxAge: time.Duration(readingDays) * 24 * time.Hour,
		logMaxAge:     time.Duration(logDays) * 24 * time.Hour,
		batchSize:     batch,
		now:           now,
	}
}

// Result summarizes one Run pass.
type Result struct {
	ReadingsDeleted int
	LogsDeleted     int
}

// Run deletes synchronized readings and sync_log rows past their retention
// windows, in bounded batches, and appends a sync_log entry describing the
// sweep. It is the cron-triggered operation the Scheduler invokes daily.
func (a *Agent) Run() (Result, error) {
	nowNs := a.now().UnixNano()
	readingCutoff := nowNs - a.readingMaxAge.Nanoseconds()
	logCutoff := nowNs - a.logMaxAge.Nanoseconds()

	var result Result

	deleted, err := a.store.DeleteOldSynchronized(readingCutoff, a.batchSize)
	result.ReadingsDeleted = deleted
	if err != nil {
		a.logOutcome(nowNs, result, err)
		return result, fmt.Errorf("cleanup: delete old synchronized readings: %w", err)
	}

	purged, err := a.store.PurgeSyncLogs(logCutoff)
	result.LogsDeleted = purged
	if err != nil {
		a.logOutcome(nowNs, result, err)
		return result, fmt.Errorf("cleanup: purge sync logs: %w", err)
	}

	a.logOutcome(nowNs, result, nil)
	log.Printf("[cleanup] deleted %d readings, %d sync_log entries", result.ReadingsDeleted, result.LogsDeleted)
	return result, nil
}

func (a *Agent) logOutcome(nowNs int64, result Result, runErr error) {
	entry := model.SyncLog{
		ID:          uuid.NewString(),
		Kind:        model.SyncLogCleanup,
		BatchSize:   result.ReadingsDeleted + result.LogsDeleted,
		Success:     runErr == nil,
		TimestampNs: nowNs,
	}
	if runErr != nil {
		entry.ErrorMsg = runErr.Error()
	}
	if err := a.store.AppendSyncLog(entry); err != nil {
		log.Printf("[cleanup] append sync log: %v", err)
	}
}
