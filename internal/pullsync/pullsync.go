// Package pullsync copies tenant, register, device-register, and meter
// configuration rows from the remote control-plane Postgres database down
// into the local store, then refreshes the in-memory caches. Grounded on
// Resin's internal/state query style (database/sql with explicit column
// lists and row.Scan, no ORM), adapted from SQLite to a read-only remote
// Postgres handle opened via lib/pq.
package pullsync

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/emil-guirguis/edge-sync-agent/internal/cache"
	"github.com/emil-guirguis/edge-sync-agent/internal/model"
	"github.com/emil-guirguis/edge-sync-agent/internal/reliability"
)

// LocalStore is the subset of internal/store.Store pull-sync writes to.
type LocalStore interface {
	UpsertTenants([]model.Tenant) error
	UpsertRegisters([]model.Register) error
	UpsertDeviceRegisters([]model.DeviceRegister) error
	UpsertMeters([]model.Meter) error
	AppendSyncLog(model.SyncLog) error
}

// Cache is the subset of internal/cache.Cache refreshed after a successful
// pull. ReloadAll re-reads from the local store, not from remote.
type Cache interface {
	ReloadAll(store cache.Store) error
}

// WarningClearer is implemented by internal/collector.Collector: a reload
// may fix a previously-unresolvable meter, so its "already warned" set is
// reset to allow a fresh log line if the meter is still bad.
type WarningClearer interface {
	ClearWarnings()
}

// Config configures a Manager.
type Config struct {
	RemoteDB *sql.DB
	Local    LocalStore
	// LocalCacheStore backs Cache.ReloadAll; it is the same *store.Store
	// passed as Local, exposed separately since ReloadAll's signature lives
	// in internal/cache rather than here.
	LocalCacheStore cache.Store
	Cache           Cache
	Warnings        WarningClearer
	Retrier         *reliability.Retrier

	// QueryTimeout bounds each individual remote SELECT.
	QueryTimeout time.Duration
}

// Manager runs pull-sync cycles on demand; the Scheduler decides when.
type Manager struct {
	remote       *sql.DB
	local        LocalStore
	localCache   cache.Store
	cache        Cache
	warnings     WarningClearer
	retrier      *reliability.Retrier
	queryTimeout time.Duration
}

// New builds a Manager. RemoteDB, Local, LocalCacheStore, and Cache are
// required.
func New(cfg Config) *Manager {
	if cfg.Retrier == nil {
		cfg.Retrier = reliability.NewRetrier(reliability.RetrierOptions{})
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	return &Manager{
		remote:       cfg.RemoteDB,
		local:        cfg.Local,
		localCache:   cfg.LocalCacheStore,
		cache:        cfg.Cache,
		warnings:     cfg.Warnings,
		retrier:      cfg.Retrier,
		queryTimeout: cfg.QueryTimeout,
	}
}

// Result reports what one Run changed, per step, for the control API's
// manual-trigger response.
type Result struct {
	Tenants         int
	Registers       int
	DeviceRegisters int
	Meters          int
}

// step names used both as the retrier's operation label and in failure logs.
const (
	opTenants         = "pull_tenants"
	opRegisters       = "pull_registers"
	opDeviceRegisters = "pull_device_registers"
	opMeters          = "pull_meters"
)

// Run executes one pull-sync cycle: tenants, then registers, then
// device-register joins, then meters, each wrapped individually by the
// Retrier. A failing step leaves every prior step's writes in place (no
// global rollback) and aborts the remaining steps; caches are reloaded only
// if all four steps succeed.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	var result Result

	steps := []struct {
		op  string
		run func(context.Context) (int, error)
	}{
		{opTenants, m.syncTenants},
		{opRegisters, m.syncRegisters},
		{opDeviceRegisters, m.syncDeviceRegisters},
		{opMeters, m.syncMeters},
	}

	counts := make([]int, len(steps))
	for i, step := range steps {
		i, step := i, step
		err := m.retrier.Do(ctx, "remote", step.op, func(opCtx context.Context) error {
			n, runErr := step.run(opCtx)
			counts[i] = n
			return runErr
		})
		if err != nil {
			m.appendLog(false, counts[i], fmt.Sprintf("%s: %v", step.op, err))
			return result, fmt.Errorf("pullsync: %s: %w", step.op, err)
		}
	}

	result.Tenants, result.Registers, result.DeviceRegisters, result.Meters = counts[0], counts[1], counts[2], counts[3]

	if err := m.cache.ReloadAll(m.localCache); err != nil {
		m.appendLog(false, 0, fmt.Sprintf("cache reload: %v", err))
		return result, fmt.Errorf("pullsync: cache reload: %w", err)
	}
	if m.warnings != nil {
		m.warnings.ClearWarnings()
	}

	m.appendLog(true, result.Tenants+result.Registers+result.DeviceRegisters+result.Meters, "")
	log.Printf("[pullsync] tenants=%d registers=%d device_registers=%d meters=%d",
		result.Tenants, result.Registers, result.DeviceRegisters, result.Meters)
	return result, nil
}

func (m *Manager) appendLog(success bool, count int, errMsg string) {
	if err := m.local.AppendSyncLog(model.SyncLog{
		ID:          uuid.NewString(),
		Kind:        model.SyncLogPull,
		BatchSize:   count,
		Success:     success,
		ErrorMsg:    errMsg,
		TimestampNs: time.Now().UnixNano(),
	}); err != nil {
		log.Printf("[pullsync] append sync log: %v", err)
	}
}

func (m *Manager) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.queryTimeout)
}

func (m *Manager) syncTenants(ctx context.Context) (int, error) {
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()

	rows, err := m.remote.QueryContext(qctx, `SELECT id, display_name, api_key, last_seen_ns FROM tenant`)
	if err != nil {
		return 0, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.DisplayName, &t.APIKey, &t.LastSeenNs); err != nil {
			return 0, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(tenants) == 0 {
		return 0, nil
	}
	if err := m.local.UpsertTenants(tenants); err != nil {
		return 0, fmt.Errorf("upsert tenants: %w", err)
	}
	return len(tenants), nil
}

func (m *Manager) syncRegisters(ctx context.Context) (int, error) {
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()

	rows, err := m.remote.QueryContext(qctx,
		`SELECT id, device_id, name, base_number, unit, field_name, updated_at_ns FROM register`)
	if err != nil {
		return 0, fmt.Errorf("query registers: %w", err)
	}
	defer rows.Close()

	var registers []model.Register
	for rows.Next() {
		var r model.Register
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Name, &r.BaseNumber, &r.Unit, &r.FieldName, &r.UpdatedAtNs); err != nil {
			return 0, fmt.Errorf("scan register: %w", err)
		}
		registers = append(registers, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(registers) == 0 {
		return 0, nil
	}
	if err := m.local.UpsertRegisters(registers); err != nil {
		return 0, fmt.Errorf("upsert registers: %w", err)
	}
	return len(registers), nil
}

func (m *Manager) syncDeviceRegisters(ctx context.Context) (int, error) {
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()

	rows, err := m.remote.QueryContext(qctx, `SELECT id, device_id, register_id FROM device_register`)
	if err != nil {
		return 0, fmt.Errorf("query device_registers: %w", err)
	}
	defer rows.Close()

	var joins []model.DeviceRegister
	for rows.Next() {
		var j model.DeviceRegister
		if err := rows.Scan(&j.ID, &j.DeviceID, &j.RegisterID); err != nil {
			return 0, fmt.Errorf("scan device_register: %w", err)
		}
		joins = append(joins, j)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(joins) == 0 {
		return 0, nil
	}
	if err := m.local.UpsertDeviceRegisters(joins); err != nil {
		return 0, fmt.Errorf("upsert device_registers: %w", err)
	}
	return len(joins), nil
}

func (m *Manager) syncMeters(ctx context.Context) (int, error) {
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()

	rows, err := m.remote.QueryContext(qctx, `
		SELECT id, display_name, ip, port, protocol, device_id, element_tag,
		       active, register_map_json, updated_at_ns
		FROM meter`)
	if err != nil {
		return 0, fmt.Errorf("query meters: %w", err)
	}
	defer rows.Close()

	var meters []model.Meter
	for rows.Next() {
		var meter model.Meter
		var protocol string
		if err := rows.Scan(&meter.ID, &meter.DisplayName, &meter.IP, &meter.Port, &protocol,
			&meter.DeviceID, &meter.ElementTag, &meter.Active, &meter.RegisterMapJSON, &meter.UpdatedAtNs); err != nil {
			return 0, fmt.Errorf("scan meter: %w", err)
		}
		meter.Protocol = model.Protocol(protocol)
		meters = append(meters, meter)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(meters) == 0 {
		return 0, nil
	}
	if err := m.local.UpsertMeters(meters); err != nil {
		return 0, fmt.Errorf("upsert meters: %w", err)
	}
	return len(meters), nil
}
