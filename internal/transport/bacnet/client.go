// Package bacnet implements a minimal BACnet/IP master: confirmed-service
// ReadProperty requests over a BVLL/NPDU/APDU frame, addressing a device's
// Analog Value object's present-value property. Grounded on the same
// single-connection-single-owner client style as internal/transport/modbus,
// adapted to UDP request/response instead of a persistent TCP stream.
package bacnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emil-guirguis/edge-sync-agent/internal/transport"
)

const (
	bvlcTypeBIP               = 0x81
	bvlcFuncUnicastNPDU       = 0x0a
	npduControlNoDest         = 0x04 // expecting reply, no network dest
	apduTypeConfirmedRequest  = 0x00
	serviceReadProperty       = 0x0c
	objectTypeAnalogValue     = 2
	propertyPresentValue      = 85
	applicationTagReal        = 4
)

// Client is a BACnet/IP master for a single device over UDP.
type Client struct {
	host string
	port int

	dialTimeout time.Duration
	ioTimeout   time.Duration

	mu     sync.Mutex
	conn   net.Conn
	nextID uint32
	pooled bool // true when conn is owned by internal/connpool; Close becomes a no-op
}

// New creates a BACnet/IP client targeting host:port (default BACnet/IP
// port 47808).
func New(host string, port int, dialTimeout, ioTimeout time.Duration) *Client {
	if port == 0 {
		port = 47808
	}
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}
	if ioTimeout <= 0 {
		ioTimeout = 3 * time.Second
	}
	return &Client{host: host, port: port, dialTimeout: dialTimeout, ioTimeout: ioTimeout}
}

// Connect opens the UDP socket. BACnet/IP is connectionless; this only
// establishes the local endpoint.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port)))
	if err != nil {
		return fmt.Errorf("bacnet resolve %s:%d: %w", c.host, c.port, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("bacnet dial %s:%d: %w", c.host, c.port, err)
	}
	c.conn = conn
	return nil
}

// NewWithConn wraps an already-established UDP socket — typically one handed
// out by internal/connpool — instead of dialing a new one. Close is a no-op
// on the returned client; the pool owns the connection's lifecycle.
func NewWithConn(conn net.Conn, ioTimeout time.Duration) *Client {
	if ioTimeout <= 0 {
		ioTimeout = 3 * time.Second
	}
	return &Client{conn: conn, ioTimeout: ioTimeout, pooled: true}
}

// Close releases the UDP socket. A no-op for a pooled connection built via
// NewWithConn — internal/connpool owns that lifecycle instead.
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

// Probe reads present-value of analog-value instance 0 as a liveness check.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Read(ctx, transport.KindBACnetAnalogValue, 0, 1)
	return err
}

// Read issues a confirmed ReadProperty request for the analog-value object
// at the given instance number's present-value property. count is ignored
// (BACnet properties are read one at a time); the returned slice always has
// length 2, the IEEE-754 bit pattern split into two 16-bit words matching
// the Modbus client's word-oriented return shape.
func (c *Client) Read(ctx context.Context, kind transport.RegisterKind, address uint32, count uint16) ([]uint16, error) {
	if kind != transport.KindBACnetAnalogValue {
		return nil, fmt.Errorf("bacnet: unsupported register kind %v", kind)
	}
	if c.conn == nil {
		return nil, fmt.Errorf("bacnet: not connected")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	invokeID := byte(atomic.AddUint32(&c.nextID, 1))
	frame := buildReadPropertyRequest(invokeID, address)

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Now().Add(c.ioTimeout))
	}

	if _, err := c.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("bacnet write: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("bacnet read: %w", err)
	}

	value, err := parseReadPropertyAck(buf[:n], invokeID)
	if err != nil {
		return nil, err
	}

	bits := math.Float32bits(value)
	return []uint16{uint16(bits >> 16), uint16(bits & 0xffff)}, nil
}

// ReadMultiple issues one ReadProperty request per point; BACnet/IP supports
// ReadPropertyMultiple on compliant devices, but a per-point fallback keeps
// this client correct against devices that only implement the simple
// service, at the cost of one round trip per point.
func (c *Client) ReadMultiple(ctx context.Context, points []transport.Point) ([]transport.PointValue, error) {
	results := make([]transport.PointValue, len(points))
	for i, p := range points {
		words, err := c.Read(ctx, p.Kind, p.Address, p.Count)
		pv := transport.PointValue{Point: p, Words: words, Err: err}
		if err == nil && len(words) == 2 {
			bits := uint32(words[0])<<16 | uint32(words[1])
			pv.Value = float64(math.Float32frombits(bits))
		}
		results[i] = pv
	}
	return results, nil
}

// buildReadPropertyRequest constructs a BVLL-Unicast-NPDU + APDU frame
// carrying a confirmed ReadProperty service request for
// (analog-value, instance).present-value.
func buildReadPropertyRequest(invokeID byte, instance uint32) []byte {
	// APDU: confirmed-request PDU type/flags, max-segs/max-resp, invoke id,
	// service choice, then the service's parameters as BACnet tagged values.
	apdu := []byte{
		apduTypeConfirmedRequest << 4,
		0x05, // max segments accepted / max APDU size (arbitrary small-device value)
		invokeID,
		serviceReadProperty,
	}

	// Object identifier: context tag 0, 4-byte value = (objectType<<22)|instance.
	objID := uint32(objectTypeAnalogValue)<<22 | (instance & 0x3fffff)
	apdu = append(apdu, 0x0c) // context tag 0, length 4
	objIDBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(objIDBytes, objID)
	apdu = append(apdu, objIDBytes...)

	// Property identifier: context tag 1, enumerated, 1-byte value.
	apdu = append(apdu, 0x19, propertyPresentValue)

	npdu := []byte{0x01, npduControlNoDest}

	bvlc := []byte{bvlcTypeBIP, bvlcFuncUnicastNPDU, 0, 0}
	total := len(bvlc) + len(npdu) + len(apdu)
	binary.BigEndian.PutUint16(bvlc[2:4], uint16(total))

	frame := make([]byte, 0, total)
	frame = append(frame, bvlc...)
	frame = append(frame, npdu...)
	frame = append(frame, apdu...)
	return frame
}

// parseReadPropertyAck extracts the present-value REAL from a
// ComplexACK-PDU response to a ReadProperty request, validating the BVLC
// header and the invoke id.
func parseReadPropertyAck(frame []byte, wantInvokeID byte) (float32, error) {
	if len(frame) < 4 || frame[0] != bvlcTypeBIP {
		return 0, fmt.Errorf("bacnet: invalid BVLC header")
	}
	npduStart := 4
	if len(frame) < npduStart+2 {
		return 0, fmt.Errorf("bacnet: frame too short for NPDU")
	}

	apduStart := npduStart + 2 // fixed NPDU header length for the no-dest case this client sends
	if len(frame) < apduStart+4 {
		return 0, fmt.Errorf("bacnet: frame too short for APDU header")
	}

	apduType := frame[apduStart] >> 4
	const pduTypeError = 0x05
	const pduTypeComplexAck = 0x03
	if apduType == pduTypeError {
		return 0, fmt.Errorf("bacnet: device returned Error-PDU")
	}
	if apduType != pduTypeComplexAck {
		return 0, fmt.Errorf("bacnet: unexpected PDU type 0x%x", apduType)
	}

	invokeID := frame[apduStart+1]
	if invokeID != wantInvokeID {
		return 0, fmt.Errorf("bacnet: invoke id mismatch: got %d want %d", invokeID, wantInvokeID)
	}

	// Skip: pdu type+flags(1) + invoke id(1) + service choice(1) +
	// object identifier tag+len(1) + object identifier value(4) +
	// property identifier tag+len(1) + property identifier value(1).
	valueTagPos := apduStart + 3 + 1 + 4 + 1 + 1
	if len(frame) < valueTagPos+1 {
		return 0, fmt.Errorf("bacnet: frame too short for property value")
	}

	// Opening tag for the property-value context field, then the
	// application-tagged REAL value: tag byte + 4-byte IEEE-754 float.
	pos := valueTagPos + 1 // skip opening context tag
	if len(frame) < pos+5 {
		return 0, fmt.Errorf("bacnet: frame too short for application value")
	}
	appTag := frame[pos] >> 4
	if appTag != applicationTagReal {
		return 0, fmt.Errorf("bacnet: unsupported application tag 0x%x (only REAL is decoded)", appTag)
	}

	bits := binary.BigEndian.Uint32(frame[pos+1 : pos+5])
	return math.Float32frombits(bits), nil
}
