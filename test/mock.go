// Package test provides in-memory TUN and UDP devices for driving a
// device.Device without touching the network stack.
package test

import (
	"net"
	"sync"

	"github.com/drio/wgnoise/conn"
	"github.com/drio/wgnoise/tun"
)

// Compile-time interface compliance checks
var _ conn.UDPConn = (*MockUDPConn)(nil)
var _ tun.TUNDevice = (*MockTUN)(nil)

// MockUDPConn simulates a UDP connection using channels
type MockUDPConn struct {
	// Channel to receive packets that would come from the network
	inbound chan UDPPacket
	// Channel where packets written to this UDP connection go
	outbound chan UDPPacket
	// Local address simulation
	localAddr *net.UDPAddr

	closed    chan struct{}
	closeOnce sync.Once
}

type UDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPConn creates a mock UDP connection
func NewMockUDPConn(localPort int) *MockUDPConn {
	return &MockUDPConn{
		inbound:  make(chan UDPPacket, 100),
		outbound: make(chan UDPPacket, 100),
		localAddr: &net.UDPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: localPort,
		},
		closed: make(chan struct{}),
	}
}

// LocalAddr is the address packets from this connection appear to come from
func (m *MockUDPConn) LocalAddr() *net.UDPAddr {
	return m.localAddr
}

// ReadFromUDP simulates reading from UDP - blocks until packet arrives
func (m *MockUDPConn) ReadFromUDP(buf []byte) (int, *net.UDPAddr, error) {
	select {
	case packet := <-m.inbound:
		n := copy(buf, packet.Data)
		return n, packet.Addr, nil
	case <-m.closed:
		return 0, nil, net.ErrClosed
	}
}

// WriteToUDP simulates writing to UDP - puts packet in outbound channel
func (m *MockUDPConn) WriteToUDP(data []byte, addr *net.UDPAddr) (int, error) {
	select {
	case <-m.closed:
		return 0, net.ErrClosed
	default:
	}

	// Make a copy to avoid memory issues
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	packet := UDPPacket{
		Data: dataCopy,
		Addr: addr,
	}

	// Non-blocking send
	select {
	case m.outbound <- packet:
		return len(data), nil
	default:
		// Channel full - simulate dropped packet
		return len(data), nil
	}
}

// Close unblocks readers. The channels stay open so late writers never panic.
func (m *MockUDPConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// InjectPacket simulates a packet arriving from the network
func (m *MockUDPConn) InjectPacket(data []byte, fromAddr *net.UDPAddr) {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	packet := UDPPacket{
		Data: dataCopy,
		Addr: fromAddr,
	}

	select {
	case m.inbound <- packet:
		// Packet injected
	default:
		// Channel full - drop packet
	}
}

// ReadOutbound reads a packet that was written to this connection (non-blocking)
func (m *MockUDPConn) ReadOutbound() *UDPPacket {
	select {
	case packet := <-m.outbound:
		return &packet
	default:
		return nil
	}
}

// Outbound exposes written packets for tests that want to block on them
func (m *MockUDPConn) Outbound() <-chan UDPPacket {
	return m.outbound
}

// MockTUN simulates a TUN interface using channels
type MockTUN struct {
	// Channel to receive packets written to TUN (app → network)
	inbound chan []byte
	// Channel where packets read from TUN come from (network → app)
	outbound chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

// NewMockTUN creates a mock TUN interface
func NewMockTUN() *MockTUN {
	return &MockTUN{
		inbound:  make(chan []byte, 100),
		outbound: make(chan []byte, 100),
		closed:   make(chan struct{}),
	}
}

// Read simulates reading from TUN - blocks until packet available
func (m *MockTUN) Read(buf []byte) (int, error) {
	select {
	case packet := <-m.outbound:
		n := copy(buf, packet)
		return n, nil
	case <-m.closed:
		return 0, net.ErrClosed
	}
}

// Write simulates writing to TUN - puts packet in inbound channel
func (m *MockTUN) Write(data []byte) (int, error) {
	// Make a copy to avoid memory issues
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	select {
	case m.inbound <- dataCopy:
		return len(data), nil
	default:
		// Channel full - simulate dropped packet
		return len(data), nil
	}
}

// Close unblocks readers.
func (m *MockTUN) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// InjectPacket simulates a packet coming from the network to this TUN
func (m *MockTUN) InjectPacket(data []byte) {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	select {
	case m.outbound <- dataCopy:
		// Packet injected
	default:
		// Channel full - drop packet
	}
}

// ReadInbound reads a packet that was written to TUN (non-blocking)
func (m *MockTUN) ReadInbound() []byte {
	select {
	case packet := <-m.inbound:
		return packet
	default:
		return nil
	}
}
