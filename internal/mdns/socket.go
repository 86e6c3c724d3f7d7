package mdns

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const mdnsPort = 5353

var groupIPv4 = net.IPv4(224, 0, 0, 251)

// GroupAddr is the IPv4 mDNS multicast destination.
var GroupAddr = &net.UDPAddr{IP: groupIPv4, Port: mdnsPort}

// listenMulticast binds 0.0.0.0:5353 with SO_REUSEADDR so it can share the
// port with a system responder, then joins the mDNS group on every
// multicast-capable interface.
func listenMulticast(ctx context.Context) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			if sockErr != nil {
				return fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
			}
			return nil
		},
	}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", mdnsPort))
	if err != nil {
		return nil, fmt.Errorf("bind mdns port: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	joined := 0
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: groupIPv4}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		conn.Close()
		return nil, fmt.Errorf("join %s: no multicast interface", groupIPv4)
	}
	_ = pc.SetMulticastTTL(255)
	_ = pc.SetMulticastLoopback(true)
	return conn, nil
}
