// Package netprobe answers "which LAN address is this host reachable on".
package netprobe

import (
	"net"
	"sort"
)

// Probe returns the current local address, or false when none is usable.
type Probe interface {
	Current() (net.IP, bool)
}

var (
	listNetworkInterfaces = net.Interfaces
	interfaceAddrs        = func(iface *net.Interface) ([]net.Addr, error) {
		return iface.Addrs()
	}
)

// Interfaces scans the host's interfaces for an IPv4 address.
type Interfaces struct{}

// Current picks the first suitable IPv4 address, preferring private ranges.
// Loopback, down and link-local candidates are skipped.
func (Interfaces) Current() (net.IP, bool) {
	candidates := Candidates()
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[0], true
}

// Candidates lists every usable IPv4 address, private addresses first and
// then by interface order.
func Candidates() []net.IP {
	ifaces, err := listNetworkInterfaces()
	if err != nil {
		return nil
	}
	var out []net.IP
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := interfaceAddrs(iface)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil || ip.IsLinkLocalUnicast() || ip.IsLoopback() {
				continue
			}
			out = append(out, ip)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IsPrivate() && !out[j].IsPrivate()
	})
	return out
}

// Static always reports the same address. An unparsable or non-IPv4 value
// reports no address.
type Static string

func (s Static) Current() (net.IP, bool) {
	ip := net.ParseIP(string(s)).To4()
	if ip == nil {
		return nil, false
	}
	return ip, true
}

// Func adapts a function to Probe.
type Func func() (net.IP, bool)

func (f Func) Current() (net.IP, bool) { return f() }

// ForHost returns a Static probe when host is set, otherwise an interface scan.
func ForHost(host string) Probe {
	if host != "" {
		return Static(host)
	}
	return Interfaces{}
}
