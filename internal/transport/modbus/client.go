// Package modbus implements a minimal Modbus/TCP master: MBAP header framing
// over function codes 0x03 (Read Holding Registers) and 0x04 (Read Input
// Registers). Grounded on the single-connection-single-owner style of the
// reference pool's raw protocol clients (one net.Conn, one sync.Mutex,
// serialized request/response), adapted from a connection-pool entry to a
// standalone device client.
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emil-guirguis/edge-sync-agent/internal/transport"
)

const (
	funcReadHoldingRegisters = 0x03
	funcReadInputRegisters   = 0x04

	mbapHeaderLen = 7
	maxPDULen     = 253
)

// WordOrder controls how multi-register values are assembled into engineering
// values. No code in this repository reads it; the client itself always
// returns raw register words.
type WordOrder int

const (
	WordOrderBigEndian WordOrder = iota
	WordOrderLittleEndian
)

// Client is a Modbus/TCP master for a single unit on a single device.
type Client struct {
	host string
	port int
	unit byte

	dialTimeout time.Duration
	ioTimeout   time.Duration

	mu     sync.Mutex
	conn   net.Conn
	nextID uint32
	pooled bool // true when conn is owned by internal/connpool; Close becomes a no-op
}

// New creates a Modbus/TCP client for host:port addressing the given unit id.
func New(host string, port int, unit byte, dialTimeout, ioTimeout time.Duration) *Client {
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}
	if ioTimeout <= 0 {
		ioTimeout = 3 * time.Second
	}
	return &Client{host: host, port: port, unit: unit, dialTimeout: dialTimeout, ioTimeout: ioTimeout}
}

// NewWithConn wraps an already-established connection — typically one handed
// out by internal/connpool — instead of dialing a new one. Close is a no-op
// on the returned client; the pool owns the connection's lifecycle.
func NewWithConn(conn net.Conn, unit byte, ioTimeout time.Duration) *Client {
	if ioTimeout <= 0 {
		ioTimeout = 3 * time.Second
	}
	return &Client{conn: conn, unit: unit, ioTimeout: ioTimeout, pooled: true}
}

// Connect dials the device. Modbus/TCP has no session handshake beyond TCP
// itself.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	addr := net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port))
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("modbus connect %s: %w", addr, err)
	}
	c.conn = conn
	return nil
}

// Close closes the underlying connection. A no-op for a pooled connection
// built via NewWithConn — internal/connpool owns that lifecycle instead.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.pooled {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Probe reads a single holding register at address 0 as a liveness check.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Read(ctx, transport.KindHoldingRegister, 0, 1)
	return err
}

// Read issues one function-code request for count contiguous registers
// starting at address.
func (c *Client) Read(ctx context.Context, kind transport.RegisterKind, address uint32, count uint16) ([]uint16, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("modbus: not connected")
	}
	if count == 0 || count > 125 {
		return nil, fmt.Errorf("modbus: invalid register count %d", count)
	}

	funcCode, err := functionCodeFor(kind)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	txID := uint16(atomic.AddUint32(&c.nextID, 1))

	pdu := make([]byte, 5)
	pdu[0] = funcCode
	binary.BigEndian.PutUint16(pdu[1:3], uint16(address))
	binary.BigEndian.PutUint16(pdu[3:5], count)

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Now().Add(c.ioTimeout))
	}

	if err := c.writeFrame(txID, pdu); err != nil {
		return nil, fmt.Errorf("modbus write: %w", err)
	}

	respFunc, payload, err := c.readFrame(txID)
	if err != nil {
		return nil, fmt.Errorf("modbus read: %w", err)
	}
	if respFunc&0x80 != 0 {
		if len(payload) < 1 {
			return nil, fmt.Errorf("modbus: exception response with no code")
		}
		return nil, fmt.Errorf("modbus exception: function 0x%02x code 0x%02x", respFunc&0x7f, payload[0])
	}
	if respFunc != funcCode {
		return nil, fmt.Errorf("modbus: unexpected function code 0x%02x, want 0x%02x", respFunc, funcCode)
	}

	if len(payload) < 1 {
		return nil, fmt.Errorf("modbus: empty register response")
	}
	byteCount := int(payload[0])
	if len(payload) < 1+byteCount || byteCount != int(count)*2 {
		return nil, fmt.Errorf("modbus: malformed register payload")
	}

	words := make([]uint16, count)
	for i := 0; i < int(count); i++ {
		words[i] = binary.BigEndian.Uint16(payload[1+2*i : 3+2*i])
	}
	return words, nil
}

// ReadMultiple reads each point independently; contiguous-range coalescing
// happens one layer up, in internal/collector, where register identity and
// field-name attachment are known. A per-point failure does not abort the
// batch.
func (c *Client) ReadMultiple(ctx context.Context, points []transport.Point) ([]transport.PointValue, error) {
	results := make([]transport.PointValue, len(points))
	for i, p := range points {
		words, err := c.Read(ctx, p.Kind, p.Address, p.Count)
		results[i] = transport.PointValue{Point: p, Words: words, Err: err}
	}
	return results, nil
}

func functionCodeFor(kind transport.RegisterKind) (byte, error) {
	switch kind {
	case transport.KindHoldingRegister:
		return funcReadHoldingRegisters, nil
	case transport.KindInputRegister:
		return funcReadInputRegisters, nil
	default:
		return 0, fmt.Errorf("modbus: unsupported register kind %v", kind)
	}
}

// writeFrame wraps pdu in an MBAP header: transaction id(2) + protocol id(2,
// always 0) + length(2, unit id + pdu) + unit id(1) + pdu.
func (c *Client) writeFrame(txID uint16, pdu []byte) error {
	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], txID)
	binary.BigEndian.PutUint16(frame[2:4], 0)
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(pdu)))
	frame[6] = c.unit
	copy(frame[7:], pdu)

	_, err := c.conn.Write(frame)
	return err
}

// readFrame reads one MBAP frame, validates the transaction id, and returns
// the PDU's function code and remaining payload.
func (c *Client) readFrame(wantTxID uint16) (byte, []byte, error) {
	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return 0, nil, err
	}

	gotTxID := binary.BigEndian.Uint16(header[0:2])
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 1 || length > maxPDULen {
		return 0, nil, fmt.Errorf("invalid MBAP length %d", length)
	}
	if gotTxID != wantTxID {
		return 0, nil, fmt.Errorf("transaction id mismatch: got %d want %d", gotTxID, wantTxID)
	}

	body := make([]byte, length-1) // length includes the unit id byte already read
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return 0, nil, err
	}
	if len(body) < 1 {
		return 0, nil, fmt.Errorf("empty modbus pdu")
	}
	return body[0], body[1:], nil
}
