package slsrecv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/lorenzosaino/go-sysctl"
)

// PacketSocket receives fixed-size UDP packets into caller-supplied buffers.
type PacketSocket struct {
	conn       *net.UDPConn
	packetSize int
	iface      string
	port       int
	closed     atomic.Bool
	malformed  atomic.Int64
}

// normalizeInterface treats a string that looks like an IP address as "no
// interface", which means listening on all of them.
func normalizeInterface(iface string) string {
	if strings.Contains(iface, ".") {
		return ""
	}
	return iface
}

// ListenPacketSocket opens a UDP socket on port, bound to the named network
// interface unless iface is empty. A positive rcvbuf requests that many bytes
// of kernel receive buffer.
func ListenPacketSocket(iface string, port, packetSize, rcvbuf int) (*PacketSocket, error) {
	if packetSize <= 0 {
		return nil, fmt.Errorf("packet size %d must be positive", packetSize)
	}
	iface = normalizeInterface(iface)
	if iface == "" {
		UpdateLogger.Printf("No network interface given; listening on all interfaces, port %d", port)
	}
	lc := net.ListenConfig{Control: socketControl(iface, rcvbuf)}
	pc, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("listening on port %d did not give a UDP socket", port)
	}
	if rcvbuf > 0 {
		if err := CheckUDPBufferLimits(rcvbuf); err != nil {
			ProblemLogger.Print(err)
		}
	}
	return &PacketSocket{conn: conn, packetSize: packetSize, iface: iface, port: port}, nil
}

// LocalAddr returns the bound address.
func (ps *PacketSocket) LocalAddr() net.Addr {
	return ps.conn.LocalAddr()
}

// Malformed returns how many datagrams of the wrong size were discarded.
func (ps *PacketSocket) Malformed() int64 {
	return ps.malformed.Load()
}

// Receive fills buf with whole packets, one datagram at a time, and returns
// the number of bytes received. It returns early, with an error, only when
// the socket fails or is closed. Datagrams that are not exactly one packet
// long are discarded.
func (ps *PacketSocket) Receive(buf []byte) (int, error) {
	want := len(buf) - len(buf)%ps.packetSize
	total := 0
	for total < want {
		n, _, err := ps.conn.ReadFromUDP(buf[total:])
		if err != nil {
			if ps.closed.Load() {
				err = fmt.Errorf("socket closed: %w", net.ErrClosed)
			}
			return total, err
		}
		if n != ps.packetSize {
			ps.malformed.Add(1)
			continue
		}
		total += n
	}
	return total, nil
}

// Close shuts the socket, which makes a blocked Receive return.
func (ps *PacketSocket) Close() error {
	if ps.closed.Swap(true) {
		return nil
	}
	return ps.conn.Close()
}

// IsClosedError reports whether err came from a socket closed by Close.
func IsClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// CheckUDPBufferLimits returns an error if the kernel's largest allowed
// socket receive buffer is smaller than requested.
func CheckUDPBufferLimits(requested int) error {
	const key = "net.core.rmem_max"
	val, err := sysctl.Get(key)
	if err != nil {
		return fmt.Errorf("could not read sysctl %s: %w", key, err)
	}
	max, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fmt.Errorf("sysctl %s=%q is not an integer: %w", key, val, err)
	}
	if max < requested {
		return fmt.Errorf("sysctl %s=%d is below the requested UDP receive buffer of %d bytes; packets may be lost. Raise it with `sysctl -w %s=%d`",
			key, max, requested, key, requested)
	}
	return nil
}
