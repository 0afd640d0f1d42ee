package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emil-guirguis/edge-sync-agent/internal/model"
)

// maxConsecutiveWriteFailures is the LocalStoreFailure threshold (§7/§9):
// from this many consecutive failed writes on, write operations report
// ErrStoreExhausted instead of the underlying error.
const maxConsecutiveWriteFailures = 5

// ErrStoreExhausted is returned by a write operation once
// maxConsecutiveWriteFailures consecutive writes have failed. Nothing in
// cmd/edgeagent checks for it: callers log it like any other write error and
// the process keeps running.
var ErrStoreExhausted = errors.New("store: too many consecutive write failures")

// Store wraps the local sqlite database and provides transactional CRUD for
// all tables in the local schema. Reference-data writes (tenant, register,
// device_register, meter) are serialized by an internal mutex, matching the
// single-writer sqlite connection; reading/sync_log batch operations build
// their own transactions via bulkExecTx.
type Store struct {
	db                  *sql.DB
	mu                  sync.Mutex
	consecutiveFailures atomic.Int32
}

func newStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// recordWrite tracks consecutive write failures across all write operations,
// resetting on any success. Once the threshold is reached it replaces the
// underlying error with ErrStoreExhausted so the caller can distinguish
// "this one write failed" from "the store has been failing steadily".
func (s *Store) recordWrite(err error) error {
	if err == nil {
		s.consecutiveFailures.Store(0)
		return nil
	}
	if s.consecutiveFailures.Add(1) >= maxConsecutiveWriteFailures {
		return ErrStoreExhausted
	}
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion reports the highest applied migration version, for the
// Control API's /status response.
func (s *Store) SchemaVersion() (int, error) {
	return SchemaVersion(s.db)
}

// --- internal bulk-exec helpers (grounded on the teacher's prepared-statement
// batch pattern: one statement, one transaction, N rows) ---

func bulkExecTx(tx *sql.Tx, query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}
	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := execFn(stmt, i); err != nil {
			return fmt.Errorf("exec row %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) bulkExec(query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := bulkExecTx(tx, query, n, execFn); err != nil {
		return err
	}
	return tx.Commit()
}

func bulkExecRows[T any](s *Store, query string, rows []T, execFn func(stmt *sql.Stmt, row T) error) error {
	return s.bulkExec(query, len(rows), func(stmt *sql.Stmt, i int) error {
		return execFn(stmt, rows[i])
	})
}

// idPlaceholders builds a "?,?,...,?" placeholder list plus the matching
// []any argument slice for an IN (...) clause.
func idPlaceholders(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}

// --- tenant ---

const upsertTenantSQL = `INSERT INTO tenant (id, display_name, api_key, last_seen_ns)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		display_name = excluded.display_name,
		api_key      = excluded.api_key,
		last_seen_ns = excluded.last_seen_ns`

// UpsertTenants batch-upserts tenant rows inside one transaction.
func (s *Store) UpsertTenants(tenants []model.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordWrite(bulkExecRows(s, upsertTenantSQL, tenants, func(stmt *sql.Stmt, t model.Tenant) error {
		_, err := stmt.Exec(t.ID, t.DisplayName, t.APIKey, t.LastSeenNs)
		return err
	}))
}

// CurrentTenant returns the single cached tenant row, or ErrNotFound if none
// has been pulled yet.
func (s *Store) CurrentTenant() (*model.Tenant, error) {
	row := s.db.QueryRow(`SELECT id, display_name, api_key, last_seen_ns FROM tenant LIMIT 1`)
	var t model.Tenant
	if err := row.Scan(&t.ID, &t.DisplayName, &t.APIKey, &t.LastSeenNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// --- register ---

const upsertRegisterSQL = `INSERT INTO register (id, device_id, name, base_number, unit, field_name, updated_at_ns)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		device_id     = excluded.device_id,
		name          = excluded.name,
		base_number   = excluded.base_number,
		unit          = excluded.unit,
		field_name    = excluded.field_name,
		updated_at_ns = excluded.updated_at_ns`

// UpsertRegisters batch-upserts register rows inside one transaction.
func (s *Store) UpsertRegisters(registers []model.Register) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordWrite(bulkExecRows(s, upsertRegisterSQL, registers, func(stmt *sql.Stmt, r model.Register) error {
		_, err := stmt.Exec(r.ID, r.DeviceID, r.Name, r.BaseNumber, r.Unit, r.FieldName, r.UpdatedAtNs)
		return err
	}))
}

// ListRegistersByIDs returns registers matching the given ids, in no
// particular order.
func (s *Store) ListRegistersByIDs(ids []string) ([]model.Register, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := idPlaceholders(ids)
	rows, err := s.db.Query(
		`SELECT id, device_id, name, base_number, unit, field_name, updated_at_ns
		 FROM register WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Register
	for rows.Next() {
		var r model.Register
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Name, &r.BaseNumber, &r.Unit, &r.FieldName, &r.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ListAllRegisters returns every register row, used to reload the register
// cache.
func (s *Store) ListAllRegisters() ([]model.Register, error) {
	rows, err := s.db.Query(`SELECT id, device_id, name, base_number, unit, field_name, updated_at_ns FROM register`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Register
	for rows.Next() {
		var r model.Register
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Name, &r.BaseNumber, &r.Unit, &r.FieldName, &r.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- device_register ---

const upsertDeviceRegisterSQL = `INSERT INTO device_register (id, device_id, register_id)
	VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		device_id   = excluded.device_id,
		register_id = excluded.register_id`

// UpsertDeviceRegisters batch-upserts device_register join rows.
func (s *Store) UpsertDeviceRegisters(rows []model.DeviceRegister) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordWrite(bulkExecRows(s, upsertDeviceRegisterSQL, rows, func(stmt *sql.Stmt, dr model.DeviceRegister) error {
		_, err := stmt.Exec(dr.ID, dr.DeviceID, dr.RegisterID)
		return err
	}))
}

// ListDeviceRegistersByDevice returns the join rows for one device.
func (s *Store) ListDeviceRegistersByDevice(deviceID string) ([]model.DeviceRegister, error) {
	rows, err := s.db.Query(`SELECT id, device_id, register_id FROM device_register WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.DeviceRegister
	for rows.Next() {
		var dr model.DeviceRegister
		if err := rows.Scan(&dr.ID, &dr.DeviceID, &dr.RegisterID); err != nil {
			return nil, err
		}
		result = append(result, dr)
	}
	return result, rows.Err()
}

// ListAllDeviceRegisters returns every device_register join row, used to
// reload the device-register cache.
func (s *Store) ListAllDeviceRegisters() ([]model.DeviceRegister, error) {
	rows, err := s.db.Query(`SELECT id, device_id, register_id FROM device_register`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.DeviceRegister
	for rows.Next() {
		var dr model.DeviceRegister
		if err := rows.Scan(&dr.ID, &dr.DeviceID, &dr.RegisterID); err != nil {
			return nil, err
		}
		result = append(result, dr)
	}
	return result, rows.Err()
}

// --- meter ---

const upsertMeterSQL = `INSERT INTO meter (
		id, display_name, ip, port, protocol, device_id, element_tag, active,
		register_map_json, last_reading_at_ns, updated_at_ns
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		display_name      = excluded.display_name,
		ip                = excluded.ip,
		port              = excluded.port,
		protocol          = excluded.protocol,
		device_id         = excluded.device_id,
		element_tag       = excluded.element_tag,
		active            = excluded.active,
		register_map_json = excluded.register_map_json,
		updated_at_ns     = excluded.updated_at_ns`

// UpsertMeters batch-upserts meter rows. last_reading_at_ns is preserved via
// its own insert value on first write and otherwise left to TouchLastReading.
func (s *Store) UpsertMeters(meters []model.Meter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordWrite(bulkExecRows(s, upsertMeterSQL, meters, func(stmt *sql.Stmt, m model.Meter) error {
		_, err := stmt.Exec(m.ID, m.DisplayName, m.IP, m.Port, string(m.Protocol), m.DeviceID,
			m.ElementTag, m.Active, m.RegisterMapJSON, m.LastReadingAtNs, m.UpdatedAtNs)
		return err
	}))
}

const meterColumns = `id, display_name, ip, port, protocol, device_id, element_tag, active,
	register_map_json, last_reading_at_ns, updated_at_ns`

func scanMeter(row interface {
	Scan(dest ...any) error
}) (model.Meter, error) {
	var m model.Meter
	var protocol string
	err := row.Scan(&m.ID, &m.DisplayName, &m.IP, &m.Port, &protocol, &m.DeviceID,
		&m.ElementTag, &m.Active, &m.RegisterMapJSON, &m.LastReadingAtNs, &m.UpdatedAtNs)
	m.Protocol = model.Protocol(protocol)
	return m, err
}

// ListActiveMeters returns all meters with active=true.
func (s *Store) ListActiveMeters() ([]model.Meter, error) {
	rows, err := s.db.Query(`SELECT ` + meterColumns + ` FROM meter WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Meter
	for rows.Next() {
		m, err := scanMeter(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// ListAllMeters returns every meter row, used to reload the meter cache.
func (s *Store) ListAllMeters() ([]model.Meter, error) {
	rows, err := s.db.Query(`SELECT ` + meterColumns + ` FROM meter`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Meter
	for rows.Next() {
		m, err := scanMeter(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

const touchLastReadingSQL = `UPDATE meter SET last_reading_at_ns = ? WHERE id = ?`

// TouchLastReading records the timestamp of the most recent successful read
// for a meter. ids/timestamps are applied inside one transaction.
func (s *Store) TouchLastReading(ids []string, timestamps []int64) error {
	if len(ids) != len(timestamps) {
		return fmt.Errorf("touch last reading: ids/timestamps length mismatch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordWrite(s.bulkExec(touchLastReadingSQL, len(ids), func(stmt *sql.Stmt, i int) error {
		_, err := stmt.Exec(timestamps[i], ids[i])
		return err
	}))
}

// --- meter_reading ---

const insertReadingSQL = `INSERT INTO meter_reading (
		id, meter_id, timestamp_ns, field_name, value, unit, quality, synchronized,
		retry_count, quarantined, created_at_ns
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(meter_id, timestamp_ns, field_name) DO NOTHING`

// InsertReadingsBatch inserts a batch of readings in a single transaction.
// Conflicting (meter_id, timestamp_ns, field_name) rows are silently skipped,
// which is what makes repeated collection of the same sample idempotent.
func (s *Store) InsertReadingsBatch(readings []model.Reading) error {
	return s.recordWrite(s.bulkExec(insertReadingSQL, len(readings), func(stmt *sql.Stmt, i int) error {
		r := readings[i]
		_, err := stmt.Exec(r.ID, r.MeterID, r.TimestampNs, r.FieldName, r.Value, r.Unit,
			string(r.Quality), r.Synchronized, r.RetryCount, r.Quarantined, r.CreatedAtNs)
		return err
	}))
}

const readingColumns = `id, meter_id, timestamp_ns, field_name, value, unit, quality,
	synchronized, retry_count, quarantined, created_at_ns`

// ListUnsynchronized returns up to limit unsynchronized, non-quarantined
// readings ordered oldest-first by creation time.
func (s *Store) ListUnsynchronized(limit int) ([]model.Reading, error) {
	rows, err := s.db.Query(`
		SELECT `+readingColumns+`
		FROM meter_reading
		WHERE synchronized = 0 AND quarantined = 0
		ORDER BY created_at_ns ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Reading
	for rows.Next() {
		var r model.Reading
		var quality string
		if err := rows.Scan(&r.ID, &r.MeterID, &r.TimestampNs, &r.FieldName, &r.Value, &r.Unit,
			&quality, &r.Synchronized, &r.RetryCount, &r.Quarantined, &r.CreatedAtNs); err != nil {
			return nil, err
		}
		r.Quality = model.Quality(quality)
		result = append(result, r)
	}
	return result, rows.Err()
}

// ReadingStats summarizes the meter_reading table for the Control API.
type ReadingStats struct {
	Unsynchronized int
	Quarantined    int
}

// ReadingStatsSummary reports the current pending and quarantined reading
// counts, surfaced on /status per §7's "kept, flagged, excluded from
// batches, surfaced on /status" quarantine policy.
func (s *Store) ReadingStatsSummary() (ReadingStats, error) {
	row := s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN synchronized = 0 AND quarantined = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN quarantined = 1 THEN 1 ELSE 0 END), 0)
		FROM meter_reading`)
	var stats ReadingStats
	if err := row.Scan(&stats.Unsynchronized, &stats.Quarantined); err != nil {
		return ReadingStats{}, err
	}
	return stats, nil
}

// ListReadingsByMeter returns up to limit readings for meterID newer than
// sinceNs, most-recent-first, for the Control API's GET /readings route.
func (s *Store) ListReadingsByMeter(meterID string, sinceNs int64, limit int) ([]model.Reading, error) {
	rows, err := s.db.Query(`
		SELECT `+readingColumns+`
		FROM meter_reading
		WHERE meter_id = ? AND timestamp_ns >= ?
		ORDER BY timestamp_ns DESC
		LIMIT ?`, meterID, sinceNs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Reading
	for rows.Next() {
		var r model.Reading
		var quality string
		if err := rows.Scan(&r.ID, &r.MeterID, &r.TimestampNs, &r.FieldName, &r.Value, &r.Unit,
			&quality, &r.Synchronized, &r.RetryCount, &r.Quarantined, &r.CreatedAtNs); err != nil {
			return nil, err
		}
		r.Quality = model.Quality(quality)
		result = append(result, r)
	}
	return result, rows.Err()
}

// IncrementRetry bumps retry_count for the given reading ids and quarantines
// any whose retry_count has now exceeded maxRetries.
func (s *Store) IncrementRetry(ids []string, maxRetries int) error {
	if len(ids) == 0 {
		return nil
	}
	return s.recordWrite(s.incrementRetry(ids, maxRetries))
}

func (s *Store) incrementRetry(ids []string, maxRetries int) error {
	placeholders, args := idPlaceholders(ids)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE meter_reading SET retry_count = retry_count + 1 WHERE id IN (`+placeholders+`)`,
		args...,
	); err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}

	quarantineArgs := append([]any{maxRetries}, args...)
	if _, err := tx.Exec(
		`UPDATE meter_reading SET quarantined = 1 WHERE retry_count > ? AND id IN (`+placeholders+`)`,
		quarantineArgs...,
	); err != nil {
		return fmt.Errorf("quarantine: %w", err)
	}

	return tx.Commit()
}

// DeleteIDs deletes the given reading ids and reports how many rows were
// removed. If the caller's batch included ids already deleted by a previous
// (partially-failed) cycle, the count simply reflects the rows that still
// existed.
func (s *Store) DeleteIDs(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders, args := idPlaceholders(ids)
	result, err := s.db.Exec(`DELETE FROM meter_reading WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, s.recordWrite(err)
	}
	n, err := result.RowsAffected()
	return int(n), s.recordWrite(err)
}

// DeleteOldSynchronized deletes synchronized readings created before
// olderThanNs, in batches of batchSize rows to avoid long write locks.
func (s *Store) DeleteOldSynchronized(olderThanNs int64, batchSize int) (int, error) {
	total := 0
	for {
		result, err := s.db.Exec(`
			DELETE FROM meter_reading WHERE id IN (
				SELECT id FROM meter_reading
				WHERE synchronized = 1 AND created_at_ns < ?
				LIMIT ?
			)`, olderThanNs, batchSize)
		if err != nil {
			return total, s.recordWrite(err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, s.recordWrite(err)
		}
		s.recordWrite(nil)
		total += int(n)
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

// --- sync_log ---

const insertSyncLogSQL = `INSERT INTO sync_log (id, kind, batch_size, success, error_msg, timestamp_ns)
	VALUES (?, ?, ?, ?, ?, ?)`

// AppendSyncLog records one pipeline-cycle outcome.
func (s *Store) AppendSyncLog(entry model.SyncLog) error {
	_, err := s.db.Exec(insertSyncLogSQL, entry.ID, string(entry.Kind), entry.BatchSize,
		entry.Success, entry.ErrorMsg, entry.TimestampNs)
	return s.recordWrite(err)
}

// ListRecentSyncLogs returns the most recent sync_log entries, newest first.
func (s *Store) ListRecentSyncLogs(limit int) ([]model.SyncLog, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, batch_size, success, error_msg, timestamp_ns
		FROM sync_log ORDER BY timestamp_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SyncLog
	for rows.Next() {
		var l model.SyncLog
		var kind string
		if err := rows.Scan(&l.ID, &kind, &l.BatchSize, &l.Success, &l.ErrorMsg, &l.TimestampNs); err != nil {
			return nil, err
		}
		l.Kind = model.SyncLogKind(kind)
		result = append(result, l)
	}
	return result, rows.Err()
}

// SyncLogStats summarizes sync_log entries over the trailing window.
type SyncLogStats struct {
	Total     int
	Succeeded int
	Failed    int
}

// SyncLogStatsSince aggregates sync_log rows with timestamp_ns >= sinceNs.
func (s *Store) SyncLogStatsSince(sinceNs int64) (SyncLogStats, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(success), 0)
		FROM sync_log WHERE timestamp_ns >= ?`, sinceNs)
	var total, succeeded int
	if err := row.Scan(&total, &succeeded); err != nil {
		return SyncLogStats{}, err
	}
	return SyncLogStats{Total: total, Succeeded: succeeded, Failed: total - succeeded}, nil
}

// PurgeSyncLogs deletes sync_log entries older than the given cutoff.
func (s *Store) PurgeSyncLogs(olderThanNs int64) (int, error) {
	result, err := s.db.Exec(`DELETE FROM sync_log WHERE timestamp_ns < ?`, olderThanNs)
	if err != nil {
		return 0, s.recordWrite(err)
	}
	n, err := result.RowsAffected()
	return int(n), s.recordWrite(err)
}
