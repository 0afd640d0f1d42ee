// Package pushsync uploads unsynchronized readings to the remote API in
// batches and deletes them locally once acknowledged. Grounded on Resin's
// internal/outbound execHTTP idiom: a plain net/http.Client with no baked-in
// client.Timeout, relying entirely on context.WithTimeout for the deadline,
// and a connectivity probe cached for an interval rather than re-checked on
// every call.
package pushsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emil-guirguis/edge-sync-agent/internal/model"
	"github.com/emil-guirguis/edge-sync-agent/internal/reliability"
)

// Store is the subset of internal/store.Store the upload manager needs.
type Store interface {
	ListUnsynchronized(limit int) ([]model.Reading, error)
	DeleteIDs(ids []string) (int, error)
	IncrementRetry(ids []string, maxRetries int) error
	AppendSyncLog(entry model.SyncLog) error
}

// Config configures a Manager.
type Config struct {
	Store Store

	APIURL string
	APIKey string

	BatchSize  int
	MaxRetries int

	// ConnectivityCheckInterval bounds how often the connectivity probe
	// actually hits the network; between probes the last result is reused.
	ConnectivityCheckInterval time.Duration
	// RequestTimeout bounds each individual HTTP call via context, never
	// http.Client.Timeout (see execHTTP's ctx-only-deadline rationale above).
	RequestTimeout time.Duration

	HTTPClient *http.Client
	Retrier    *reliability.Retrier
}

// Manager uploads batches of unsynchronized readings on demand; the
// Scheduler decides when (a cron expression, default every 5 minutes).
type Manager struct {
	store Store

	apiURL string
	apiKey string

	batchSize  int
	maxRetries int

	connectivityInterval time.Duration
	requestTimeout       time.Duration

	client  *http.Client
	retrier *reliability.Retrier

	connMu      sync.Mutex
	lastProbeAt time.Time
	lastConnOK  bool
}

// New builds a Manager. Store, APIURL, and APIKey are required.
func New(cfg Config) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ConnectivityCheckInterval <= 0 {
		cfg.ConnectivityCheckInterval = 60 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		// No client.Timeout: every call supplies its own deadline via ctx.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Retrier == nil {
		cfg.Retrier = reliability.NewRetrier(reliability.RetrierOptions{})
	}
	return &Manager{
		store:                cfg.Store,
		apiURL:               cfg.APIURL,
		apiKey:               cfg.APIKey,
		batchSize:            cfg.BatchSize,
		maxRetries:           cfg.MaxRetries,
		connectivityInterval: cfg.ConnectivityCheckInterval,
		requestTimeout:       cfg.RequestTimeout,
		client:               cfg.HTTPClient,
		retrier:              cfg.Retrier,
	}
}

// Result summarizes one Run pass.
type Result struct {
	Skipped   bool // true when the connectivity probe failed; readings accrue
	Attempted int
	Uploaded  int
	Failed    bool
}

// batchPayload is the wire shape POSTed to CLIENT_API_URL + /api/readings/batch.
type batchPayload struct {
	Readings []model.Reading `json:"readings"`
}

// batchResponse is the remote contract's acknowledgement shape.
type batchResponse struct {
	Success          bool `json:"success"`
	RecordsProcessed int  `json:"recordsProcessed"`
}

// Run fetches up to BatchSize unsynchronized readings and uploads them in a
// single POST. See SPEC_FULL.md §6.9 and DESIGN.md for the partial-acknowledgement
// decision: any success=true response is treated as a full batch success for
// local deletion purposes, relying on the remote's idempotent upload contract
// to have deduplicated whatever it already ingested.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	var result Result

	if !m.connected(ctx) {
		result.Skipped = true
		return result, nil
	}

	readings, err := m.store.ListUnsynchronized(m.batchSize)
	if err != nil {
		return result, fmt.Errorf("pushsync: list unsynchronized: %w", err)
	}
	if len(readings) == 0 {
		return result, nil
	}
	result.Attempted = len(readings)

	ids := make([]string, len(readings))
	for i, r := range readings {
		ids[i] = r.ID
	}

	uploadErr := m.retrier.Do(ctx, "remote", "upload", func(opCtx context.Context) error {
		return m.upload(opCtx, readings)
	})

	if uploadErr != nil {
		result.Failed = true
		if err := m.store.IncrementRetry(ids, m.maxRetries); err != nil {
			log.Printf("[pushsync] increment retry: %v", err)
		}
		m.appendLog(false, 0, uploadErr.Error())
		return result, nil
	}

	result.Uploaded = len(ids)
	if _, err := m.store.DeleteIDs(ids); err != nil {
		// Deletion errors are logged but never block the next cycle; these
		// readings remain eligible for idempotent re-upload (§4.9 step 7).
		log.Printf("[pushsync] delete uploaded ids: %v", err)
	}
	m.appendLog(true, result.Uploaded, "")
	log.Printf("[pushsync] uploaded %d readings", result.Uploaded)
	return result, nil
}

// upload POSTs one batch and returns a retryable error on transport failure
// or a non-2xx/success=false response.
func (m *Manager) upload(ctx context.Context, readings []model.Reading) error {
	body, err := json.Marshal(batchPayload{Readings: readings})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.apiURL+"/api/readings/batch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload: unexpected status %d", resp.StatusCode)
	}

	var parsed batchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if !parsed.Success {
		return fmt.Errorf("upload: remote reported success=false")
	}
	return nil
}

// connected reports whether the remote API was reachable as of the last
// probe within ConnectivityCheckInterval, probing again only once that
// window has elapsed.
func (m *Manager) connected(ctx context.Context) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if time.Since(m.lastProbeAt) < m.connectivityInterval {
		return m.lastConnOK
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, m.apiURL+"/api/readings/batch", nil)
	ok := false
	if err == nil {
		resp, reqErr := m.client.Do(req)
		if reqErr == nil {
			resp.Body.Close()
			ok = resp.StatusCode < 500
		}
	}

	m.lastProbeAt = time.Now()
	m.lastConnOK = ok
	return ok
}

func (m *Manager) appendLog(success bool, count int, errMsg string) {
	if err := m.store.AppendSyncLog(model.SyncLog{
		ID:          uuid.NewString(),
		Kind:        model.SyncLogUpload,
		BatchSize:   count,
		Success:     success,
		ErrorMsg:    errMsg,
		TimestampNs: time.Now().UnixNano(),
	}); err != nil {
		log.Printf("[pushsync] append sync log: %v", err)
	}
}
