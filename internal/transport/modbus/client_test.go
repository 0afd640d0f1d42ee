package modbus

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/emil-guirguis/edge-sync-agent/internal/transport"
)

// fakeServer replies to a single register read request with the given
// register words, echoing the request's transaction id and function code.
func fakeServer(t *testing.T, listener net.Listener, words []uint16) {
	t.Helper()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		header := make([]byte, 7)
		if _, err := readFull(conn, header); err != nil {
			return
		}
		txID := binary.BigEndian.Uint16(header[0:2])
		length := binary.BigEndian.Uint16(header[4:6])

		pdu := make([]byte, length-1)
		if _, err := readFull(conn, pdu); err != nil {
			return
		}

		resp := make([]byte, 2+len(words)*2)
		resp[0] = pdu[0] // echo function code
		resp[1] = byte(len(words) * 2)
		for i, w := range words {
			binary.BigEndian.PutUint16(resp[2+2*i:4+2*i], w)
		}

		frame := make([]byte, 7+len(resp))
		binary.BigEndian.PutUint16(frame[0:2], txID)
		binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(resp)))
		frame[6] = 1 // unit id
		copy(frame[7:], resp)
		conn.Write(frame)
	}()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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

func TestClient_ReadHoldingRegisters(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	fakeServer(t, listener, []uint16{1100, 42})

	addr := listener.Addr().(*net.TCPAddr)
	c := New("127.0.0.1", addr.Port, 1, time.Second, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	words, err := c.Read(ctx, transport.KindHoldingRegister, 1100, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(words) != 2 || words[0] != 1100 || words[1] != 42 {
		t.Fatalf("unexpected words: %v", words)
	}
}

func TestClient_ReadMultiple_PerPointErrorDoesNotAbortBatch(t *testing.T) {
	c := New("127.0.0.1", 1, 1, time.Millisecond, time.Millisecond)
	// Not connected: every Read should fail individually but ReadMultiple
	// must still return one result per point without erroring itself.
	results, err := c.ReadMultiple(context.Background(), []transport.Point{
		{Kind: transport.KindHoldingRegister, Address: 1100, Count: 1},
		{Kind: transport.KindInputRegister, Address: 2000, Count: 1},
	})
	if err != nil {
		t.Fatalf("ReadMultiple itself should not error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err == nil {
			t.Fatal("expected per-point error when not connected")
		}
	}
}

func TestFunctionCodeFor_UnsupportedKind(t *testing.T) {
	if _, err := functionCodeFor(transport.KindBACnetAnalogValue); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}
