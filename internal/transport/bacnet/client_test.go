package bacnet

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"testing"
	"time"

	"github.com/emil-guirguis/edge-sync-agent/internal/transport"
)

// buildComplexAck builds a minimal ComplexACK frame carrying a REAL
// present-value response, echoing invokeID.
func buildComplexAck(invokeID byte, value float32) []byte {
	apdu := []byte{0x03 << 4, invokeID, serviceReadProperty}
	apdu = append(apdu, 0x0c, 0, 0, 0, 0) // object identifier (value unused by parser)
	apdu = append(apdu, 0x19, propertyPresentValue)
	apdu = append(apdu, 0x3e) // opening tag, context 3 (property-value)
	bits := math.Float32bits(value)
	valBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(valBytes, bits)
	apdu = append(apdu, byte(applicationTagReal<<4|4))
	apdu = append(apdu, valBytes...)

	npdu := []byte{0x01, 0x00}
	bvlc := []byte{bvlcTypeBIP, bvlcFuncUnicastNPDU, 0, 0}
	total := len(bvlc) + len(npdu) + len(apdu)
	binary.BigEndian.PutUint16(bvlc[2:4], uint16(total))

	frame := make([]byte, 0, total)
	frame = append(frame, bvlc...)
	frame = append(frame, npdu...)
	frame = append(frame, apdu...)
	return frame
}

func runFakeUDPServer(t *testing.T, value float32) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := buf[:n]
			invokeID := req[8] // bvlc(4) + npdu(2) + pdu-type/flags(1) + max-segs(1) -> invoke id
			resp := buildComplexAck(invokeID, value)
			conn.WriteToUDP(resp, addr)
		}
	}()

	return conn
}

func TestClient_ReadPresentValue(t *testing.T) {
	server := runFakeUDPServer(t, 1234.5)
	defer server.Close()

	addr := server.LocalAddr().(*net.UDPAddr)
	c := New("127.0.0.1", addr.Port, time.Second, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	words, err := c.Read(ctx, transport.KindBACnetAnalogValue, 1100, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	bits := uint32(words[0])<<16 | uint32(words[1])
	got := math.Float32frombits(bits)
	if got != 1234.5 {
		t.Fatalf("expected 1234.5, got %v", got)
	}
}

func TestClient_Read_WrongKindRejected(t *testing.T) {
	c := New("127.0.0.1", 1, time.Millisecond, time.Millisecond)
	if _, err := c.Read(context.Background(), transport.KindHoldingRegister, 0, 1); err == nil {
		t.Fatal("expected error for non-BACnet register kind")
	}
}

func TestClient_ReadMultiple_DecodesValue(t *testing.T) {
	server := runFakeUDPServer(t, 99.9)
	defer server.Close()

	addr := server.LocalAddr().(*net.UDPAddr)
	c := New("127.0.0.1", addr.Port, time.Second, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	results, err := c.ReadMultiple(ctx, []transport.Point{
		{Kind: transport.KindBACnetAnalogValue, Address: 1100},
	})
	if err != nil {
		t.Fatalf("read multiple: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("unexpected result: %+v", results)
	}
	if math.Abs(results[0].Value-99.9) > 0.01 {
		t.Fatalf("expected ~99.9, got %v", results[0].Value)
	}
}
