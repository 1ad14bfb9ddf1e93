// transport.go
//
// Tunnel traffic between the TUN device and the peers.
//
// Traffic format:
// [Type:1][Reserved:3][Receiver:4][Counter:8][EncryptedPayload + AuthTag:variable]

package device

import (
	"errors"
	"fmt"
	"net"

	"github.com/drio/wgnoise/noise"
)

// sendPacket encrypts packet for p and sends it. Without a session the
// packet is queued and a handshake started.
func (d *Device) sendPacket(p *Peer, packet []byte) {
	data, err := p.remote.Encrypt(packet)
	switch {
	case errors.Is(err, noise.ErrInvalidState):
		p.log.Debug("no session - queuing packet and initiating handshake")
		p.queuePacket(packet)
		if err := p.initiateHandshake(); err != nil {
			p.log.WithError(err).Debug("failed to initiate handshake")
		}
		return
	case err != nil && !noise.IsAdvisory(err):
		p.log.WithError(err).Debug("encrypt failed - packet dropped")
		return
	}

	if werr := d.writeTransport(p, data); werr != nil {
		p.log.WithError(werr).Debug("failed to send encrypted packet")
	}
	if errors.Is(err, noise.ErrStale) {
		if err := p.initiateHandshake(); err != nil {
			p.log.WithError(err).Debug("failed to initiate rekey")
		}
	}
}

// sendKeepalive sends an empty transport packet.
func (d *Device) sendKeepalive(p *Peer) {
	data, err := p.remote.Encrypt(nil)
	if err != nil && !noise.IsAdvisory(err) {
		p.log.WithError(err).Debug("keepalive not sent")
		return
	}
	if err := d.writeTransport(p, data); err != nil {
		p.log.WithError(err).Debug("failed to send keepalive")
		return
	}
	p.log.Debug("sent keepalive")
}

func (d *Device) writeTransport(p *Peer, data []byte) error {
	endpoint := p.Endpoint()
	if endpoint == nil {
		return errNoEndpoint
	}
	if _, err := d.udp.WriteToUDP(marshalTransport(data), endpoint); err != nil {
		return err
	}
	p.mu.Lock()
	p.lastSent = d.clock.Now()
	p.mu.Unlock()
	return nil
}

// flushQueue sends every packet that waited for a session.
func (d *Device) flushQueue(p *Peer) {
	queued := p.takeQueue()
	if len(queued) > 0 {
		p.log.WithField("packets", len(queued)).Debug("sending queued packets")
	}
	for _, packet := range queued {
		d.sendPacket(p, packet)
	}
}

// handleTransportData processes incoming encrypted traffic from UDP
// Decrypts packets and injects them into TUN interface
func (d *Device) handleTransportData(frame []byte, addr *net.UDPAddr) error {
	index, ok := transportReceiver(frame)
	if !ok {
		return errMessageSize
	}
	remote := d.indices.LookupIndex(index)
	if remote == nil {
		return fmt.Errorf("unknown receiver index %d", index)
	}
	p := d.byRemote[remote]
	if p == nil {
		return fmt.Errorf("no peer for receiver index %d", index)
	}

	plaintext, err := remote.Decrypt(frame[headerSize:])
	if err != nil && !noise.IsAdvisory(err) {
		return fmt.Errorf("failed to decrypt packet: %w", err)
	}

	// authenticated, so the source address can be trusted for roaming
	p.setEndpoint(addr)
	p.mu.Lock()
	p.lastReceived = d.clock.Now()
	p.mu.Unlock()

	switch {
	case errors.Is(err, noise.ErrConfirmed):
		p.log.Debug("session confirmed")
		d.flushQueue(p)
	case errors.Is(err, noise.ErrStale):
		if err := p.initiateHandshake(); err != nil {
			p.log.WithError(err).Debug("failed to initiate rekey")
		}
	}

	if len(plaintext) == 0 {
		p.log.Trace("received keepalive")
		return nil
	}
	if !p.allowsInbound(plaintext) {
		return errors.New("source address not allowed for peer")
	}

	if _, err := d.tun.Write(plaintext); err != nil {
		return fmt.Errorf("failed to write to TUN interface: %w", err)
	}
	return nil
}
