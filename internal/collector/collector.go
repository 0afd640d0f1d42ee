// Package collector polls active meters over their configured transport on
// a fixed interval, normalizes results into Readings, and inserts them into
// the local store. Grounded on Resin's internal/probe scanloop-driven
// scheduling and bounded-concurrency style, adapted from a jittered interval
// to a single caller-driven cycle: the spec pins COLLECTION_INTERVAL_SECONDS
// exactly and forbids overlapping cycles, so the Scheduler (not this
// package) owns ticking and overlap prevention; Collector exposes one
// RunCycle call per tick.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emil-guirguis/edge-sync-agent/internal/connpool"
	"github.com/emil-guirguis/edge-sync-agent/internal/model"
	"github.com/emil-guirguis/edge-sync-agent/internal/reliability"
	"github.com/emil-guirguis/edge-sync-agent/internal/transport"
	"github.com/emil-guirguis/edge-sync-agent/internal/transport/bacnet"
	"github.com/emil-guirguis/edge-sync-agent/internal/transport/modbus"
)

// Store is the subset of internal/store.Store the Collector writes to.
type Store interface {
	InsertReadingsBatch(readings []model.Reading) error
	TouchLastReading(ids []string, timestamps []int64) error
	AppendSyncLog(entry model.SyncLog) error
}

// Cache is the subset of internal/cache.Cache the Collector reads from.
type Cache interface {
	AllMeters() []model.Meter
	RegistersForDevice(deviceID string) ([]model.Register, bool)
}

// Config configures a Collector. ModbusPool and BACnetPool are separate
// connpool.Managers because each needs its own DialFunc (TCP vs UDP); every
// Modbus meter shares ModbusPool's dial/probe pair, every BACnet meter
// shares BACnetPool's.
type Config struct {
	Store    Store
	Cache    Cache
	Breakers *reliability.BreakerRegistry
	Retrier  *reliability.Retrier

	ModbusPool           *connpool.Manager
	ModbusConnectTimeout time.Duration

	BACnetPool           *connpool.Manager
	BACnetConnectTimeout time.Duration
}

// CycleResult summarizes one RunCycle pass, for the control API's /status
// aggregate view and test assertions.
type CycleResult struct {
	MetersScanned     int
	MetersSkipped     int
	MetersFailed      int
	ReadingsCollected int
}

// Collector polls every active meter on each RunCycle invocation.
type Collector struct {
	store    Store
	cache    Cache
	breakers *reliability.BreakerRegistry
	retrier  *reliability.Retrier

	modbusPool    *connpool.Manager
	modbusTimeout time.Duration
	bacnetPool    *connpool.Manager
	bacnetTimeout time.Duration

	mu     sync.Mutex
	warned map[string]bool // meter ids already logged for a skip reason this cache generation
}

// New builds a Collector. Store and Cache are required; a nil Retrier is
// replaced by one with default options, and a nil Breakers disables the
// per-device circuit breaker.
func New(cfg Config) *Collector {
	if cfg.Retrier == nil {
		cfg.Retrier = reliability.NewRetrier(reliability.RetrierOptions{})
	}
	if cfg.ModbusConnectTimeout <= 0 {
		cfg.ModbusConnectTimeout = 3 * time.Second
	}
	if cfg.BACnetConnectTimeout <= 0 {
		cfg.BACnetConnectTimeout = 3 * time.Second
	}
	return &Collector{
		store:         cfg.Store,
		cache:         cfg.Cache,
		breakers:      cfg.Breakers,
		retrier:       cfg.Retrier,
		modbusPool:    cfg.ModbusPool,
		modbusTimeout: cfg.ModbusConnectTimeout,
		bacnetPool:    cfg.BACnetPool,
		bacnetTimeout: cfg.BACnetConnectTimeout,
		warned:        make(map[string]bool),
	}
}

// ClearWarnings resets the per-meter "already warned" set. Called by the
// Pull-Sync Manager after cache.ReloadAll, since a cache reload may fix a
// previously-unparseable meter (or introduce a new bad one worth a fresh log
// line).
func (c *Collector) ClearWarnings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warned = make(map[string]bool)
}

func (c *Collector) warnOnce(meterID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warned[meterID] {
		return
	}
	c.warned[meterID] = true
	log.Printf("[collector] skipping meter %s: %s", meterID, reason)
}

// RunCycle performs one collection pass over every active cached meter. It
// never overlaps itself only insofar as the caller (the Scheduler) never
// invokes it concurrently; RunCycle itself does not serialize against
// itself.
func (c *Collector) RunCycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult
	meters := c.cache.AllMeters()

	var batch []model.Reading
	touchedIDs := make([]string, 0)
	touchedTS := make([]int64, 0)
	var failed []string

	for _, m := range meters {
		if !m.Active {
			continue
		}
		result.MetersScanned++

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		if skip, reason := c.unresolvable(m); skip {
			c.warnOnce(m.ID, reason)
			result.MetersSkipped++
			continue
		}

		if c.breakers != nil && c.breakers.IsOpen(m.DeviceID) {
			result.MetersSkipped++
			continue
		}

		regs, _ := c.cache.RegistersForDevice(m.DeviceID)
		readings, err := c.collectMeter(ctx, m, regs)
		if err != nil {
			result.MetersFailed++
			failed = append(failed, m.ID)
			log.Printf("[collector] meter %s cycle failed: %v", m.ID, err)
			continue
		}

		if len(readings) == 0 {
			continue
		}
		batch = append(batch, readings...)
		touchedIDs = append(touchedIDs, m.ID)
		touchedTS = append(touchedTS, readings[len(readings)-1].TimestampNs)
	}

	if len(batch) > 0 {
		if err := c.store.InsertReadingsBatch(batch); err != nil {
			return result, fmt.Errorf("collector: insert readings batch: %w", err)
		}
		result.ReadingsCollected = len(batch)
		if err := c.store.TouchLastReading(touchedIDs, touchedTS); err != nil {
			log.Printf("[collector] touch last reading: %v", err)
		}
	}

	if result.MetersFailed > 0 {
		_ = c.store.AppendSyncLog(model.SyncLog{
			ID:          uuid.NewString(),
			Kind:        model.SyncLogCollect,
			BatchSize:   result.MetersFailed,
			Success:     false,
			ErrorMsg:    fmt.Sprintf("meters failed this cycle: %v", failed),
			TimestampNs: time.Now().UnixNano(),
		})
	}

	return result, nil
}

// unresolvable implements §4.6's first edge case: skip meters with no device
// id, no resolvable registers, or (if present) a register-map snapshot that
// is not valid JSON.
func (c *Collector) unresolvable(m model.Meter) (bool, string) {
	if m.DeviceID == "" {
		return true, "no device id configured"
	}
	if m.RegisterMapJSON != "" && !json.Valid([]byte(m.RegisterMapJSON)) {
		return true, "register map is not valid JSON"
	}
	regs, ok := c.cache.RegistersForDevice(m.DeviceID)
	if !ok || len(regs) == 0 {
		return true, "no resolvable registers for device"
	}
	return false, ""
}

// collectMeter builds the read plan, acquires a pooled connection, executes
// every range through the Retrier (the whole retried operation runs inside
// the device's circuit breaker, so an exhausted retry counts as one breaker
// failure), and normalizes results into Readings sharing one ingest timestamp.
func (c *Collector) collectMeter(ctx context.Context, m model.Meter, regs []model.Register) ([]model.Reading, error) {
	plan, err := buildReadPlan(m, regs)
	if err != nil {
		return nil, err
	}

	pool, unit, timeout, err := c.poolFor(m.Protocol)
	if err != nil {
		return nil, err
	}

	key := connpool.Key{Host: m.IP, Port: m.Port, Unit: unit, Timeout: timeout}
	p := pool.GetOrCreate(key)

	tsNs := time.Now().UnixNano()
	var readings []model.Reading

	attempt := func(opCtx context.Context) error {
		pc, acquireErr := p.Acquire(opCtx)
		if acquireErr != nil {
			return acquireErr
		}

		readCtx, cancel := context.WithTimeout(opCtx, timeout)
		defer cancel()

		readings = readings[:0]
		var firstErr error
		for _, rng := range plan {
			rs, rangeErr := c.executeRange(readCtx, m, rng, pc.Conn, unit, timeout, tsNs)
			if rangeErr != nil {
				if firstErr == nil {
					firstErr = rangeErr
				}
				continue
			}
			readings = append(readings, rs...)
		}

		if len(readings) == 0 && firstErr != nil {
			p.ReleaseWithError(pc)
			return firstErr
		}
		p.Release(pc)
		return nil
	}

	var opErr error
	if c.breakers != nil {
		_, opErr = c.breakers.Execute(m.DeviceID, func() (any, error) {
			return nil, c.retrier.Do(ctx, m.DeviceID, "collect", attempt)
		})
	} else {
		opErr = c.retrier.Do(ctx, m.DeviceID, "collect", attempt)
	}

	if opErr != nil {
		return nil, opErr
	}
	return readings, nil
}

func (c *Collector) poolFor(protocol model.Protocol) (*connpool.Manager, int, time.Duration, error) {
	switch protocol {
	case model.ProtocolModbus:
		if c.modbusPool == nil {
			return nil, 0, 0, fmt.Errorf("collector: no modbus pool configured")
		}
		return c.modbusPool, defaultModbusUnit, c.modbusTimeout, nil
	case model.ProtocolBACnet:
		if c.bacnetPool == nil {
			return nil, 0, 0, fmt.Errorf("collector: no bacnet pool configured")
		}
		return c.bacnetPool, 0, c.bacnetTimeout, nil
	default:
		return nil, 0, 0, fmt.Errorf("collector: unsupported protocol %q", protocol)
	}
}

// executeRange issues one wire request for rng and normalizes its result(s)
// into Readings sharing tsNs as their timestamp.
func (c *Collector) executeRange(ctx context.Context, m model.Meter, rng readRange, conn net.Conn, unit int, timeout time.Duration, tsNs int64) ([]model.Reading, error) {
	switch m.Protocol {
	case model.ProtocolModbus:
		client := modbus.NewWithConn(conn, byte(unit), timeout)
		words, err := client.Read(ctx, rng.kind, rng.address, rng.count)
		if err != nil {
			return nil, err
		}
		if len(words) != len(rng.fields) {
			return nil, fmt.Errorf("collector: meter %s: word count %d != field count %d", m.ID, len(words), len(rng.fields))
		}
		readings := make([]model.Reading, len(rng.fields))
		for i, f := range rng.fields {
			readings[i] = model.Reading{
				ID:          uuid.NewString(),
				MeterID:     m.ID,
				TimestampNs: tsNs,
				FieldName:   f.fieldName,
				Value:       float64(words[i]),
				Unit:        f.unit,
				Quality:     model.QualityGood,
				CreatedAtNs: tsNs,
			}
		}
		return readings, nil

	case model.ProtocolBACnet:
		client := bacnet.NewWithConn(conn, timeout)
		points := []transport.Point{{Kind: rng.kind, Address: rng.address, Count: 1}}
		results, err := client.ReadMultiple(ctx, points)
		if err != nil {
			return nil, err
		}
		if results[0].Err != nil {
			return nil, results[0].Err
		}
		f := rng.fields[0]
		return []model.Reading{{
			ID:          uuid.NewString(),
			MeterID:     m.ID,
			TimestampNs: tsNs,
			FieldName:   f.fieldName,
			Value:       results[0].Value,
			Unit:        f.unit,
			Quality:     model.QualityGood,
			CreatedAtNs: tsNs,
		}}, nil

	default:
		return nil, fmt.Errorf("collector: unsupported protocol %q", m.Protocol)
	}
}
