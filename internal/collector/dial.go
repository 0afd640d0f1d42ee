package collector

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/emil-guirguis/edge-sync-agent/internal/connpool"
	"github.com/emil-guirguis/edge-sync-agent/internal/transport/bacnet"
	"github.com/emil-guirguis/edge-sync-agent/internal/transport/modbus"
)

// ModbusDial establishes the raw TCP connection internal/connpool pools for
// Modbus devices. Protocol framing happens above this layer, in
// internal/transport/modbus, once a *connpool.PooledConn is acquired.
func ModbusDial(ctx context.Context, key connpool.Key) (net.Conn, error) {
	d := net.Dialer{Timeout: key.Timeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(key.Host, strconv.Itoa(key.Port)))
}

// ModbusProbe performs a liveness check on a pooled Modbus connection by
// reading holding register 0, without touching any collector-level state.
func ModbusProbe(ctx context.Context, conn net.Conn) error {
	c := modbus.NewWithConn(conn, defaultModbusUnit, 2*time.Second)
	return c.Probe(ctx)
}

// BACnetDial establishes the UDP socket internal/connpool pools for BACnet/IP
// devices. BACnet/IP is connectionless, so this only binds a local endpoint
// and fixes the peer address for subsequent Write/Read calls.
func BACnetDial(ctx context.Context, key connpool.Key) (net.Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(key.Host, strconv.Itoa(key.Port)))
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, raddr)
}

// BACnetProbe performs a liveness check on a pooled BACnet connection by
// reading analog-value instance 0's present-value.
func BACnetProbe(ctx context.Context, conn net.Conn) error {
	c := bacnet.NewWithConn(conn, 2*time.Second)
	return c.Probe(ctx)
}
