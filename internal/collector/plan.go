package collector

import (
	"fmt"
	"sort"

	"github.com/emil-guirguis/edge-sync-agent/internal/model"
	"github.com/emil-guirguis/edge-sync-agent/internal/transport"
)

// defaultModbusUnit is used for every Modbus meter: spec.md's Meter entity
// carries no per-meter unit id, so every device is addressed as unit 1
// (the common single-drop default) unless a future schema revision adds one.
const defaultModbusUnit = 1

// plannedField names the Reading a single decoded word/property will become.
type plannedField struct {
	fieldName string
	unit      string
}

// readRange is one wire request: a contiguous run of registers for Modbus
// (count may exceed 1), or a single BACnet property (count always 1 — see
// internal/transport/bacnet's per-point fallback rationale). fields has the
// same length as count, in address order.
type readRange struct {
	kind    transport.RegisterKind
	address uint32
	count   uint16
	fields  []plannedField
}

// maxModbusRangeWords mirrors the client's own per-request register limit
// (Modbus read-register requests cap the count field at 125).
const maxModbusRangeWords = 125

// buildReadPlan resolves a meter's device registers into element-adjusted
// addresses (model.EffectiveRegister) and, for Modbus, coalesces contiguous
// runs into as few wire requests as possible. BACnet points are never
// coalesced: one ReadProperty request addresses exactly one object property.
func buildReadPlan(m model.Meter, regs []model.Register) ([]readRange, error) {
	if len(regs) == 0 {
		return nil, fmt.Errorf("collector: meter %s has no resolvable registers", m.ID)
	}

	pos := model.ElementPosition(m.ElementTag)

	type resolved struct {
		address uint32
		field   plannedField
	}
	points := make([]resolved, 0, len(regs))
	for _, r := range regs {
		addr := model.EffectiveRegister(pos, r.BaseNumber)
		if addr < 0 {
			return nil, fmt.Errorf("collector: meter %s register %s resolved to negative address", m.ID, r.ID)
		}
		field := r.FieldName
		if field == "" {
			field = r.Name
		}
		points = append(points, resolved{address: uint32(addr), field: plannedField{fieldName: field, unit: r.Unit}})
	}

	sort.Slice(points, func(i, j int) bool { return points[i].address < points[j].address })

	switch m.Protocol {
	case model.ProtocolBACnet:
		ranges := make([]readRange, 0, len(points))
		for _, p := range points {
			ranges = append(ranges, readRange{
				kind:    transport.KindBACnetAnalogValue,
				address: p.address,
				count:   1,
				fields:  []plannedField{p.field},
			})
		}
		return ranges, nil

	case model.ProtocolModbus:
		var ranges []readRange
		for _, p := range points {
			if n := len(ranges); n > 0 {
				last := &ranges[n-1]
				expected := last.address + uint32(last.count)
				if p.address == expected && last.count < maxModbusRangeWords {
					last.count++
					last.fields = append(last.fields, p.field)
					continue
				}
			}
			ranges = append(ranges, readRange{
				kind:    transport.KindHoldingRegister,
				address: p.address,
				count:   1,
				fields:  []plannedField{p.field},
			})
		}
		return ranges, nil

	default:
		return nil, fmt.Errorf("collector: meter %s has unsupported protocol %q", m.ID, m.Protocol)
	}
}
