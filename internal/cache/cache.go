// Package cache holds atomically-swapped read snapshots of reference data
// pulled by the Pull-Sync Manager: the current tenant, the meter set, and
// each device's resolved register list. Grounded on the local store's
// dirty-set "drain is a map swap for a stable snapshot" idiom, simplified
// because this cache has no in-place mutation path of its own — the source
// of truth is pulled wholesale by the Pull-Sync Manager (§4.8) and the whole
// set is swapped in one go, so readers never observe a partially-updated
// snapshot.
package cache

import (
	"fmt"
	"sync/atomic"

	"github.com/emil-guirguis/edge-sync-agent/internal/model"
)

// Store is the subset of internal/store.Store the cache needs to reload.
type Store interface {
	CurrentTenant() (*model.Tenant, error)
	ListAllMeters() ([]model.Meter, error)
	ListAllRegisters() ([]model.Register, error)
	ListAllDeviceRegisters() ([]model.DeviceRegister, error)
}

// Cache holds three independently-swapped snapshots: Tenant (at most one
// entry), Meter (by meter id), and DeviceRegister (by device id, resolved to
// the actual Register rows it references).
type Cache struct {
	tenant  atomic.Pointer[model.Tenant]
	meters  atomic.Pointer[map[string]model.Meter]
	devRegs atomic.Pointer[map[string][]model.Register]
}

// New returns an empty cache; call ReloadAll before relying on lookups.
func New() *Cache {
	c := &Cache{}
	emptyMeters := map[string]model.Meter{}
	emptyDevRegs := map[string][]model.Register{}
	c.meters.Store(&emptyMeters)
	c.devRegs.Store(&emptyDevRegs)
	return c
}

// ReloadAll rebuilds all three snapshots from a consistent store read and
// swaps them in. Invalidation happens only here, invoked by the Pull-Sync
// Manager after a successful pull-sync.
func (c *Cache) ReloadAll(store Store) error {
	tenant, err := store.CurrentTenant()
	if err != nil {
		return fmt.Errorf("reload tenant: %w", err)
	}

	meters, err := store.ListAllMeters()
	if err != nil {
		return fmt.Errorf("reload meters: %w", err)
	}

	registers, err := store.ListAllRegisters()
	if err != nil {
		return fmt.Errorf("reload registers: %w", err)
	}

	joins, err := store.ListAllDeviceRegisters()
	if err != nil {
		return fmt.Errorf("reload device registers: %w", err)
	}

	registersByID := make(map[string]model.Register, len(registers))
	for _, r := range registers {
		registersByID[r.ID] = r
	}

	deviceRegs := make(map[string][]model.Register, len(joins))
	for _, j := range joins {
		reg, ok := registersByID[j.RegisterID]
		if !ok {
			continue
		}
		deviceRegs[j.DeviceID] = append(deviceRegs[j.DeviceID], reg)
	}

	meterMap := make(map[string]model.Meter, len(meters))
	for _, m := range meters {
		meterMap[m.ID] = m
	}

	c.tenant.Store(tenant)
	c.meters.Store(&meterMap)
	c.devRegs.Store(&deviceRegs)
	return nil
}

// Tenant returns the cached tenant, or nil if none has been pulled yet.
func (c *Cache) Tenant() *model.Tenant {
	return c.tenant.Load()
}

// Meter returns a meter by id.
func (c *Cache) Meter(id string) (model.Meter, bool) {
	m, ok := (*c.meters.Load())[id]
	return m, ok
}

// AllMeters returns a snapshot slice of every cached meter.
func (c *Cache) AllMeters() []model.Meter {
	snapshot := *c.meters.Load()
	result := make([]model.Meter, 0, len(snapshot))
	for _, m := range snapshot {
		result = append(result, m)
	}
	return result
}

// RegistersForDevice returns the resolved register set for a device id.
func (c *Cache) RegistersForDevice(deviceID string) ([]model.Register, bool) {
	regs, ok := (*c.devRegs.Load())[deviceID]
	return regs, ok
}

// Clear resets all three snapshots to empty, without touching the
// underlying store.
func (c *Cache) Clear() {
	emptyMeters := map[string]model.Meter{}
	emptyDevRegs := map[string][]model.Register{}
	c.tenant.Store(nil)
	c.meters.Store(&emptyMeters)
	c.devRegs.Store(&emptyDevRegs)
}
