package collector

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/emil-guirguis/edge-sync-agent/internal/connpool"
	"github.com/emil-guirguis/edge-sync-agent/internal/model"
	"github.com/emil-guirguis/edge-sync-agent/internal/reliability"
)

func TestBuildReadPlan_CoalescesContiguousModbusRegisters(t *testing.T) {
	m := model.Meter{ID: "m1", Protocol: model.ProtocolModbus, ElementTag: "A"}
	regs := []model.Register{
		{ID: "r1", BaseNumber: 100, FieldName: "voltage", Unit: "V"},
		{ID: "r2", BaseNumber: 101, FieldName: "current", Unit: "A"},
		{ID: "r3", BaseNumber: 200, FieldName: "power", Unit: "kW"},
	}

	plan, err := buildReadPlan(m, regs)
	if err != nil {
		t.Fatalf("buildReadPlan: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected 2 coalesced ranges, got %d: %+v", len(plan), plan)
	}
	if plan[0].address != 100 || plan[0].count != 2 {
		t.Fatalf("expected contiguous range at 100 count 2, got %+v", plan[0])
	}
	if plan[1].address != 200 || plan[1].count != 1 {
		t.Fatalf("expected singleton range at 200, got %+v", plan[1])
	}
}

func TestBuildReadPlan_ElementAdjustsAddresses(t *testing.T) {
	m := model.Meter{ID: "m1", Protocol: model.ProtocolBACnet, ElementTag: "B"}
	regs := []model.Register{{ID: "r1", BaseNumber: 1100, FieldName: "kwh", Unit: "kWh"}}

	plan, err := buildReadPlan(m, regs)
	if err != nil {
		t.Fatalf("buildReadPlan: %v", err)
	}
	if len(plan) != 1 || plan[0].address != 11100 {
		t.Fatalf("expected element-B address 11100, got %+v", plan)
	}
}

type fakeStore struct {
	batches   [][]model.Reading
	touchedID []string
	touchedTS []int64
	syncLogs  []model.SyncLog
}

func (f *fakeStore) InsertReadingsBatch(readings []model.Reading) error {
	f.batches = append(f.batches, readings)
	return nil
}

func (f *fakeStore) TouchLastReading(ids []string, timestamps []int64) error {
	f.touchedID = append(f.touchedID, ids...)
	f.touchedTS = append(f.touchedTS, timestamps...)
	return nil
}

func (f *fakeStore) AppendSyncLog(entry model.SyncLog) error {
	f.syncLogs = append(f.syncLogs, entry)
	return nil
}

type fakeCache struct {
	meters []model.Meter
	regs   map[string][]model.Register
}

func (f *fakeCache) AllMeters() []model.Meter { return f.meters }

func (f *fakeCache) RegistersForDevice(deviceID string) ([]model.Register, bool) {
	r, ok := f.regs[deviceID]
	return r, ok
}

func TestCollector_RunCycle_SkipsMeterWithNoDeviceID(t *testing.T) {
	store := &fakeStore{}
	cache := &fakeCache{
		meters: []model.Meter{{ID: "m1", Active: true, DeviceID: ""}},
	}
	c := New(Config{Store: store, Cache: cache})

	result, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.MetersScanned != 1 || result.MetersSkipped != 1 {
		t.Fatalf("expected 1 scanned/1 skipped, got %+v", result)
	}
	if len(store.batches) != 0 {
		t.Fatalf("expected no readings inserted")
	}
}

func TestCollector_RunCycle_SkipsMeterWhenBreakerOpen(t *testing.T) {
	store := &fakeStore{}
	cache := &fakeCache{
		meters: []model.Meter{{ID: "m1", Active: true, DeviceID: "d1", Protocol: model.ProtocolModbus, IP: "127.0.0.1", Port: 1}},
		regs:   map[string][]model.Register{"d1": {{ID: "r1", BaseNumber: 1, FieldName: "v", Unit: "V"}}},
	}
	breakers := reliability.NewBreakerRegistry(reliability.BreakerOptions{ConsecutiveFailureThreshold: 1})
	for i := 0; i < 2; i++ {
		_, _ = breakers.Execute("d1", func() (any, error) { return nil, context.DeadlineExceeded })
	}
	if !breakers.IsOpen("d1") {
		t.Fatalf("expected breaker to be open after repeated failures")
	}

	c := New(Config{Store: store, Cache: cache, Breakers: breakers})
	result, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.MetersSkipped != 1 || result.MetersFailed != 0 {
		t.Fatalf("expected the open-breaker meter to be skipped, not attempted: %+v", result)
	}
}

// fakeModbusServer replies once with two contiguous register words then
// closes, mirroring internal/transport/modbus's own test fixture.
func fakeModbusServer(t *testing.T, listener net.Listener, words []uint16) {
	t.Helper()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		header := make([]byte, 7)
		if _, err := readFullTest(conn, header); err != nil {
			return
		}
		txID := binary.BigEndian.Uint16(header[0:2])
		length := binary.BigEndian.Uint16(header[4:6])
		pdu := make([]byte, length-1)
		if _, err := readFullTest(conn, pdu); err != nil {
			return
		}

		resp := make([]byte, 2+len(words)*2)
		resp[0] = pdu[0]
		resp[1] = byte(len(words) * 2)
		for i, w := range words {
			binary.BigEndian.PutUint16(resp[2+2*i:4+2*i], w)
		}

		frame := make([]byte, 7+len(resp))
		binary.BigEndian.PutUint16(frame[0:2], txID)
		binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(resp)))
		frame[6] = defaultModbusUnit
		copy(frame[7:], resp)
		conn.Write(frame)
	}()
}

func readFullTest(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestCollector_RunCycle_CollectsFromFakeModbusServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	fakeModbusServer(t, listener, []uint16{230, 12})

	addr := listener.Addr().(*net.TCPAddr)
	store := &fakeStore{}
	cache := &fakeCache{
		meters: []model.Meter{{
			ID: "m1", Active: true, DeviceID: "d1", Protocol: model.ProtocolModbus,
			IP: "127.0.0.1", Port: addr.Port, ElementTag: "A",
		}},
		regs: map[string][]model.Register{"d1": {
			{ID: "r1", BaseNumber: 100, FieldName: "voltage", Unit: "V"},
			{ID: "r2", BaseNumber: 101, FieldName: "current", Unit: "A"},
		}},
	}

	pool := connpool.NewManager(ModbusDial, nil, connpool.Options{}, nil)
	defer pool.CloseAll()

	c := New(Config{
		Store:      store,
		Cache:      cache,
		ModbusPool: pool,
		Retrier:    reliability.NewRetrier(reliability.RetrierOptions{MaxRetries: 0}),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := c.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.MetersFailed != 0 {
		t.Fatalf("expected no failed meters, got %+v", result)
	}
	if result.ReadingsCollected != 2 {
		t.Fatalf("expected 2 readings collected, got %d", result.ReadingsCollected)
	}
	if len(store.batches) != 1 || len(store.batches[0]) != 2 {
		t.Fatalf("expected one batch of 2 readings, got %+v", store.batches)
	}
	if store.batches[0][0].Value != 230 || store.batches[0][1].Value != 12 {
		t.Fatalf("unexpected decoded values: %+v", store.batches[0])
	}
	if len(store.touchedID) != 1 || store.touchedID[0] != "m1" {
		t.Fatalf("expected TouchLastReading for m1, got %+v", store.touchedID)
	}
}
