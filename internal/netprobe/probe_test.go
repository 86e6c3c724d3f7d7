package netprobe

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubInterfaces(t *testing.T, ifaces []net.Interface, addrs map[string][]net.Addr) {
	t.Helper()
	origList, origAddrs := listNetworkInterfaces, interfaceAddrs
	t.Cleanup(func() {
		listNetworkInterfaces = origList
		interfaceAddrs = origAddrs
	})
	listNetworkInterfaces = func() ([]net.Interface, error) { return ifaces, nil }
	interfaceAddrs = func(iface *net.Interface) ([]net.Addr, error) {
		return addrs[iface.Name], nil
	}
}

func ipnet(s string) *net.IPNet {
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}

func TestInterfacesSkipsUnsuitable(t *testing.T) {
	stubInterfaces(t,
		[]net.Interface{
			{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
			{Name: "down0", Flags: 0},
			{Name: "eth0", Flags: net.FlagUp},
		},
		map[string][]net.Addr{
			"lo":    {ipnet("127.0.0.1/8")},
			"down0": {ipnet("192.168.9.9/24")},
			"eth0":  {ipnet("169.254.1.1/16"), ipnet("fe80::1/64"), ipnet("192.168.1.7/24")},
		})

	ip, ok := Interfaces{}.Current()
	require.True(t, ok)
	assert.Equal(t, "192.168.1.7", ip.String())
}

func TestInterfacesPrefersPrivate(t *testing.T) {
	stubInterfaces(t,
		[]net.Interface{{Name: "wan", Flags: net.FlagUp}, {Name: "lan", Flags: net.FlagUp}},
		map[string][]net.Addr{
			"wan": {ipnet("203.0.113.5/24")},
			"lan": {ipnet("10.0.0.4/8")},
		})

	got := Candidates()
	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.4", got[0].String())
}

func TestInterfacesNone(t *testing.T) {
	stubInterfaces(t, []net.Interface{{Name: "lo", Flags: net.FlagUp | net.FlagLoopback}}, nil)
	_, ok := Interfaces{}.Current()
	assert.False(t, ok)
}

func TestInterfacesListError(t *testing.T) {
	orig := listNetworkInterfaces
	t.Cleanup(func() { listNetworkInterfaces = orig })
	listNetworkInterfaces = func() ([]net.Interface, error) { return nil, errors.New("boom") }

	_, ok := Interfaces{}.Current()
	assert.False(t, ok)
}

func TestStaticAndForHost(t *testing.T) {
	ip, ok := ForHost("192.168.1.7").Current()
	require.True(t, ok)
	assert.Equal(t, "192.168.1.7", ip.String())

	_, ok = Static("not-an-ip").Current()
	assert.False(t, ok)
	_, ok = Static("::1").Current()
	assert.False(t, ok)

	assert.IsType(t, Interfaces{}, ForHost(""))
}
