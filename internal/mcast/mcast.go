// Package mcast is the data-plane transport (§6): one UDP socket joined to
// a 239.255.0.0/16 group, sending and receiving CommBlock datagrams.
// Grounded on the multicast join/send/recv pattern from the retrieval
// pack's mcast helper, simplified to one-datagram-per-call (CommBlocks fit
// a single UDP packet, so no fragmentation/reassembly is needed) and made
// non-blocking throughout, since the runner's loop may not stall (§4.7, §5).
package mcast

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/sdtruck/forwarder/internal/metrics"
)

// ErrWouldBlock is returned by RecvOnce when no datagram is currently
// pending, matching the runner's "try again next tick" contract.
var ErrWouldBlock = errors.New("mcast: would block")

// ValidGroup reports whether ip falls in 239.255.0.0/16 (§6).
func ValidGroup(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4[0] == 239 && v4[1] == 255
}

// Conn is a joined multicast socket bound to one session's group:port.
type Conn struct {
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	raddr *net.UDPAddr
}

// Join opens a UDP socket, joins group:port on ifaceName (empty picks the
// first up, multicast-capable, non-loopback interface), and returns a Conn
// ready to Send/RecvOnce. Loopback delivery is enabled so a single-host
// test fixture with multiple forwarders still sees its own traffic echoed
// by the Controller.
func Join(ifaceName string, group net.IP, port int) (*Conn, error) {
	if !ValidGroup(group) {
		return nil, fmt.Errorf("mcast: %s is outside 239.255.0.0/16", group)
	}
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("mcast: listen: %w", err)
	}

	ifi, err := resolveInterface(ifaceName)
	if err != nil {
		_ = udpConn.Close()
		return nil, err
	}

	pc := ipv4.NewPacketConn(udpConn)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("mcast: join %s on %s: %w", group, ifi.Name, err)
	}
	_ = pc.SetMulticastLoopback(true)

	return &Conn{
		conn:  udpConn,
		pc:    pc,
		raddr: &net.UDPAddr{IP: group, Port: port},
	}, nil
}

func resolveInterface(name string) (*net.Interface, error) {
	if name != "" {
		return net.InterfaceByName(name)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("mcast: list interfaces: %w", err)
	}
	for i := range ifaces {
		f := ifaces[i].Flags
		if f&net.FlagUp != 0 && f&net.FlagMulticast != 0 && f&net.FlagLoopback == 0 {
			return &ifaces[i], nil
		}
	}
	return nil, errors.New("mcast: no multicast-capable interface found")
}

// Send transmits buf to the joined group.
func (c *Conn) Send(buf []byte) error {
	if _, err := c.conn.WriteToUDP(buf, c.raddr); err != nil {
		metrics.IncError(metrics.ErrMcastWrite)
		return fmt.Errorf("mcast: send: %w", err)
	}
	metrics.IncMcastTx()
	return nil
}

// RecvOnce attempts to read exactly one pending datagram into buf without
// blocking, per the runner's "call recv-once" contract (§4.7 step 3). It
// returns ErrWouldBlock when nothing is pending.
func (c *Conn) RecvOnce(buf []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, fmt.Errorf("mcast: set deadline: %w", err)
	}
	n, _, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, ErrWouldBlock
		}
		metrics.IncError(metrics.ErrMcastRead)
		return 0, fmt.Errorf("mcast: recv: %w", err)
	}
	metrics.IncMcastRx()
	return n, nil
}

// Close leaves the group and releases the socket.
func (c *Conn) Close() error {
	_ = c.pc.Close()
	return c.conn.Close()
}
