// Package api implements the Edge Sync Agent's local Control API: a
// loopback-only HTTP surface for status, manual pipeline triggers, and
// recent-readings lookups. Grounded on Resin's internal/api server, kept to
// the same stdlib http.ServeMux pattern-route + JSON envelope idiom.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/emil-guirguis/edge-sync-agent/internal/cache"
	"github.com/emil-guirguis/edge-sync-agent/internal/model"
	"github.com/emil-guirguis/edge-sync-agent/internal/pushsync"
	"github.com/emil-guirguis/edge-sync-agent/internal/store"
)

// Store is the subset of internal/store.Store the Control API reads. It
// depends on store's own ReadingStats/SyncLogStats result types directly:
// Go interface satisfaction requires exact type identity, so a shadow type
// with the same fields would not be satisfied by *store.Store's methods.
type Store interface {
	ReadingStatsSummary() (store.ReadingStats, error)
	SyncLogStatsSince(sinceNs int64) (store.SyncLogStats, error)
	ListReadingsByMeter(meterID string, sinceNs int64, limit int) ([]model.Reading, error)
}

// Cache is the subset of internal/cache.Cache the Control API reads.
type Cache interface {
	Tenant() *model.Tenant
	AllMeters() []model.Meter
	Meter(id string) (model.Meter, bool)
	RegistersForDevice(deviceID string) ([]model.Register, bool)
}

var _ Cache = (*cache.Cache)(nil)

// Scheduler is the subset of internal/scheduler.Scheduler the Control API
// drives via its manual-trigger routes.
type Scheduler interface {
	TriggerCollect(ctx context.Context) bool
	TriggerUpload(ctx context.Context) (pushsync.Result, error)
	TriggerPullSync(ctx context.Context) bool
}

// Config wires a Server's dependencies.
type Config struct {
	Port      int
	Store     Store
	Cache     Cache
	Scheduler Scheduler

	// SchemaVersion is the highest applied golang-migrate version, read once
	// at startup and reported as-is on /status (the schema never changes
	// without a restart).
	SchemaVersion int
}

// Server wraps the loopback HTTP listener and mux.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a Server with every route from spec §4.11 registered.
// The listener binds to 127.0.0.1 only; nothing here is meant to be reached
// from outside the host.
func NewServer(cfg Config) *Server {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", HandleHealthz())
	mux.Handle("GET /status", handleStatus(cfg))
	mux.Handle("POST /triggers/collect", handleTriggerCollect(cfg))
	mux.Handle("POST /triggers/upload", handleTriggerUpload(cfg))
	mux.Handle("POST /triggers/pull-sync", handleTriggerPullSync(cfg))
	mux.Handle("GET /readings", handleReadings(cfg))
	mux.Handle("GET /meters", handleListMeters(cfg))
	mux.Handle("GET /meters/{id}", handleGetMeter(cfg))

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler: mux,
		},
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
