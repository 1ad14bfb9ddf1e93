package device

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/drio/wgnoise/noise"
	"github.com/drio/wgnoise/test"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func ipv4Packet(t *testing.T, src, dst string, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(payload)))
	return buf.Bytes()
}

func ipv6Packet(t *testing.T, src, dst string, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(payload)))
	return buf.Bytes()
}

func mustCIDR(t *testing.T, s string) net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return *n
}

// node is a Device wired to in-memory interfaces.
type node struct {
	*Device
	tun  *test.MockTUN
	udp  *test.MockUDPConn
	addr *net.UDPAddr
	sk   noise.PrivateKey
	pk   noise.PublicKey
}

func newNode(t *testing.T, port int) *node {
	t.Helper()
	sk, pk, err := noise.GenerateKeypair()
	require.NoError(t, err)
	udp := test.NewMockUDPConn(port)
	return &node{tun: test.NewMockTUN(), udp: udp, addr: udp.LocalAddr(), sk: sk, pk: pk}
}

func (n *node) start(t *testing.T, clock noise.Clock, peers ...PeerConfig) {
	t.Helper()
	d, err := NewDevice(n.tun, n.udp, Config{PrivateKey: n.sk, Peers: peers, Clock: clock})
	require.NoError(t, err)
	n.Device = d
	t.Cleanup(func() { d.Close() })
}

// newNodePair returns two devices at 10.0.0.1 and 10.0.0.2 that know each
// other's endpoint. Nothing runs; tests call the handlers directly.
func newNodePair(t *testing.T, clock noise.Clock) (a, b *node) {
	t.Helper()
	a, b = newNode(t, 51821), newNode(t, 51822)
	a.start(t, clock, PeerConfig{
		PublicKey:  b.pk,
		Endpoint:   b.addr,
		AllowedIPs: []net.IPNet{mustCIDR(t, "10.0.0.2/32")},
	})
	b.start(t, clock, PeerConfig{
		PublicKey:  a.pk,
		Endpoint:   a.addr,
		AllowedIPs: []net.IPNet{mustCIDR(t, "10.0.0.1/32")},
	})
	return a, b
}

func (n *node) peer(t *testing.T, other *node) *Peer {
	t.Helper()
	p := n.Peer(other.pk)
	require.NotNil(t, p)
	return p
}

// nextOutbound returns the next frame n wrote to the network.
func (n *node) nextOutbound(t *testing.T) *test.UDPPacket {
	t.Helper()
	packet := n.udp.ReadOutbound()
	require.NotNil(t, packet, "expected an outbound packet")
	return packet
}

// establish runs a full handshake with a as initiator, driven by an
// outbound packet from a.
func establish(t *testing.T, a, b *node, packet []byte) {
	t.Helper()
	a.handleTUNPacket(packet)

	init := a.nextOutbound(t)
	require.Equal(t, uint8(MessageTypeHandshakeInitiation), getMessageType(init.Data))
	require.NoError(t, b.handleInitiation(init.Data, a.addr))

	resp := b.nextOutbound(t)
	require.Equal(t, uint8(MessageTypeHandshakeResponse), getMessageType(resp.Data))
	require.NoError(t, a.handleResponse(resp.Data, b.addr))
}
