package mdns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfd/internal/events"
	"shelfd/internal/health"
	"shelfd/internal/webservice"
)

type harness struct {
	adv     *Advertiser
	bus     *events.Bus
	tracker *health.Tracker
	group   net.PacketConn
	conn    net.PacketConn
}

// newHarness runs the advertiser on loopback with the "multicast group"
// replaced by a plain UDP socket owned by the test.
func newHarness(t *testing.T) *harness {
	t.Helper()
	group, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { group.Close() })

	h := &harness{bus: events.NewBus(), tracker: health.NewTracker(), group: group}
	h.adv = New(Options{Bus: h.bus, Health: h.tracker, Instance: "test-shelf", Version: "dev"})
	h.adv.dest = group.LocalAddr()
	h.adv.announceDelays = []time.Duration{0}
	h.adv.listen = func(context.Context) (net.PacketConn, error) {
		conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
		h.conn = conn
		return conn, err
	}
	require.NoError(t, h.adv.Start(context.Background()))
	t.Cleanup(func() { _ = h.adv.Stop(context.Background()) })
	return h
}

func readMsg(t *testing.T, conn net.PacketConn) *dns.Msg {
	t.Helper()
	buf := make([]byte, maxPacketSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	var msg dns.Msg
	require.NoError(t, msg.Unpack(buf[:n]))
	return &msg
}

func (h *harness) publish(s webservice.RunningState) {
	h.bus.Publish(events.Event{Topic: events.TopicWebServiceState, Payload: s})
}

func TestAnnouncesOnRunningAndSaysGoodbyeOnStop(t *testing.T) {
	h := newHarness(t)

	h.publish(webservice.Running(net.ParseIP("192.168.1.20"), 2000))
	msg := readMsg(t, h.group)
	require.NotEmpty(t, msg.Answer)
	srv := findSRV(t, msg)
	assert.Equal(t, uint16(2000), srv.Port)
	assert.Equal(t, uint32(recordTTL), srv.Hdr.Ttl)

	st, ok := h.tracker.Status(health.ComponentMDNS)
	require.True(t, ok)
	assert.Contains(t, st.Message, "advertising test-shelf")

	h.publish(webservice.Stopped())
	bye := readMsg(t, h.group)
	assert.Zero(t, findSRV(t, bye).Hdr.Ttl)

	_, advertised := h.adv.Current()
	assert.False(t, advertised)
}

func TestAnswersUnicastQueryWhileServing(t *testing.T) {
	h := newHarness(t)
	h.publish(webservice.Running(net.ParseIP("10.0.0.5"), 1122))
	readMsg(t, h.group)

	client, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	q := new(dns.Msg)
	q.SetQuestion("_shelfd._tcp.local.", dns.TypePTR)
	data, err := q.Pack()
	require.NoError(t, err)
	_, err = client.WriteTo(data, h.conn.LocalAddr())
	require.NoError(t, err)

	resp := readMsg(t, client)
	assert.Equal(t, q.Id, resp.Id)
	require.Len(t, resp.Question, 1, "unicast replies echo the question")
	ptr, ok := resp.Answer[0].(*dns.PTR)
	require.True(t, ok)
	assert.Equal(t, "test-shelf._shelfd._tcp.local.", ptr.Ptr)
}

func TestStopSendsGoodbyeForLiveService(t *testing.T) {
	h := newHarness(t)
	h.publish(webservice.Running(net.ParseIP("10.0.0.5"), 1122))
	readMsg(t, h.group)

	require.NoError(t, h.adv.Stop(context.Background()))
	bye := readMsg(t, h.group)
	assert.Zero(t, findSRV(t, bye).Hdr.Ttl)
}

func TestStartWithoutMulticastIsNotFatal(t *testing.T) {
	tracker := health.NewTracker()
	adv := New(Options{Health: tracker})
	adv.listen = func(context.Context) (net.PacketConn, error) {
		return nil, assert.AnError
	}
	require.NoError(t, adv.Start(context.Background()))
	st, ok := tracker.Status(health.ComponentMDNS)
	require.True(t, ok)
	assert.Equal(t, health.LevelWarn, st.Level)
	assert.NoError(t, adv.Stop(context.Background()))
}

func findSRV(t *testing.T, msg *dns.Msg) *dns.SRV {
	t.Helper()
	for _, rr := range msg.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			return srv
		}
	}
	t.Fatalf("no SRV record in %v", msg)
	return nil
}
