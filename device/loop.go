// loop.go
//
// Event-driven architecture for coordinating WireGuard operations.
// Uses separate goroutines for TUN reading, UDP reading, and timer management,
// all communicating through buffered channels to a central event loop.
//
// Transport data is decrypted in the UDP reader itself: the noise core keeps
// sessions and handshakes under separate locks, so data keeps flowing while
// the main loop processes a handshake.
//
// Flow control: All channel sends use non-blocking select statements to prevent
// deadlocks. When buffers are full, packets/events are dropped with logging,
// ensuring the system remains responsive under load rather than blocking.

package device

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	HandshakeEventInitiation = "initiation"
	HandshakeEventResponse   = "response"
)

const (
	TimerEventTick = "tick"
)

const (
	StandardMTU        = 1500
	WireGuardMaxPacket = 2048
	QueuedPacketBuffer = 100
	EventBuffer        = 10
)

type HandshakeEvent struct {
	Type string
	Data []byte
	Addr *net.UDPAddr
}

type TimerEvent struct {
	Type string
}

// QueuedPacket is a packet read from the TUN device
type QueuedPacket struct {
	Data []byte
}

// tunReader reads packets from the TUN interface and sends them to the main loop
func (d *Device) tunReader(outbound chan<- QueuedPacket) {
	d.log.Debug("TUN reader started")

	for {
		packet := make([]byte, d.mtu)
		n, err := d.tun.Read(packet)
		if err != nil {
			if d.closed() {
				return
			}
			d.log.WithError(err).Warn("TUN read error")
			continue
		}

		d.log.WithField("bytes", n).Trace("TUN: received packet")
		// Non-blocking send - drop packet if main loop is overwhelmed
		select {
		case outbound <- QueuedPacket{Data: packet[:n]}:
		default:
			d.log.Warn("TUN packet dropped - queue full")
		}
	}
}

// udpReader reads packets from the UDP socket and routes them based on message type
func (d *Device) udpReader(handshakeChan chan<- HandshakeEvent) {
	d.log.Debug("UDP reader started")

	for {
		packet := make([]byte, max(WireGuardMaxPacket, d.mtu+MessageTransportOverhead))
		n, addr, err := d.udp.ReadFromUDP(packet)
		if err != nil {
			if d.closed() {
				return
			}
			d.log.WithError(err).Warn("UDP read error")
			continue
		}

		data := packet[:n]
		msgType := getMessageType(data)
		d.log.WithFields(logrus.Fields{
			"bytes": n, "from": addr, "type": msgType,
		}).Trace("UDP: received packet")

		switch msgType {
		case MessageTypeHandshakeInitiation, MessageTypeHandshakeResponse:
			event := HandshakeEvent{Type: HandshakeEventInitiation, Data: data, Addr: addr}
			if msgType == MessageTypeHandshakeResponse {
				event.Type = HandshakeEventResponse
			}
			// Non-blocking send - drop handshake if main loop is overwhelmed
			select {
			case handshakeChan <- event:
			default:
				d.log.WithField("type", event.Type).Warn("handshake dropped - queue full")
			}
		case MessageTypeTransportData:
			// Drop packets that fail to decrypt - following WireGuard's approach
			if err := d.handleTransportData(data, addr); err != nil {
				d.log.WithError(err).WithField("from", addr).Debug("transport data dropped")
			}
		default:
			d.log.WithField("type", msgType).Debug("unknown message type")
		}
	}
}

// timerManager ticks the peer timers until the device closes
func (d *Device) timerManager(timerChan chan<- TimerEvent) {
	d.log.Debug("timer manager started")

	ticker := time.NewTicker(d.timerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Non-blocking send - drop timer event if main loop is overwhelmed
			select {
			case timerChan <- TimerEvent{Type: TimerEventTick}:
			default:
				d.log.Debug("timer event dropped - queue full")
			}
		case <-d.done:
			return
		}
	}
}

// Run starts the main event loop that coordinates all WireGuard operations.
// It returns when the device is closed.
func (d *Device) Run() {
	d.log.Info("starting main event loop")

	queuedPackets := make(chan QueuedPacket, QueuedPacketBuffer)
	handshakeEvents := make(chan HandshakeEvent, EventBuffer)
	timerEvents := make(chan TimerEvent, EventBuffer)

	go d.tunReader(queuedPackets)
	go d.udpReader(handshakeEvents)
	go d.timerManager(timerEvents)

	for {
		select {
		case packet := <-queuedPackets:
			d.handleTUNPacket(packet.Data)

		case hsEvent := <-handshakeEvents:
			d.handleHandshakeEvent(hsEvent)

		case timer := <-timerEvents:
			d.handleTimerEvent(timer)

		case <-d.done:
			d.log.Info("main event loop shutting down")
			return
		}
	}
}

// handleTUNPacket routes a packet from the TUN interface to its peer
func (d *Device) handleTUNPacket(packet []byte) {
	peer, err := d.routeOutbound(packet)
	if err != nil {
		d.log.WithError(err).Debug("TUN packet dropped")
		return
	}
	if peer == nil {
		d.log.Debug("TUN packet dropped - no route")
		return
	}
	d.sendPacket(peer, packet)
}
