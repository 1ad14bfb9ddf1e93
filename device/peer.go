package device

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drio/wgnoise/noise"
)

const (
	// MaxQueuedPackets bounds the packets held per peer while no session exists
	MaxQueuedPackets = 128
	// MaxHandshakeAttempts before queued packets are given up on
	MaxHandshakeAttempts = 18
)

var errNoEndpoint = errors.New("no peer endpoint known")

// PeerConfig describes one peer of a Device.
type PeerConfig struct {
	PublicKey    noise.PublicKey
	PresharedKey noise.Key
	Endpoint     *net.UDPAddr
	AllowedIPs   []net.IPNet
}

// Peer is the device side of a noise.Remote: where to send, what it may
// route, and the packets waiting for a session.
type Peer struct {
	device     *Device
	remote     *noise.Remote
	allowedIPs allowedIPs
	log        *logrus.Entry

	mu                sync.Mutex
	endpoint          *net.UDPAddr
	queue             [][]byte
	lastInitiation    time.Time
	attempts          int
	lastSent          time.Time
	lastReceived      time.Time
	lastHandshakeDone time.Time
}

func newPeer(d *Device, remote *noise.Remote, cfg PeerConfig) *Peer {
	return &Peer{
		device:     d,
		remote:     remote,
		allowedIPs: allowedIPs(cfg.AllowedIPs),
		endpoint:   cfg.Endpoint,
		log:        d.log.WithField("peer", cfg.PublicKey.Short()),
	}
}

// PublicKey returns the peer's static key.
func (p *Peer) PublicKey() noise.PublicKey {
	return p.remote.PublicKey()
}

// Endpoint returns the last known UDP address of the peer.
func (p *Peer) Endpoint() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

// LastHandshake returns when the last handshake with the peer completed.
func (p *Peer) LastHandshake() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHandshakeDone
}

// Keypairs exposes the noise keypair ring for diagnostics.
func (p *Peer) Keypairs() []noise.KeypairInfo {
	return p.remote.Keypairs()
}

// setEndpoint records the source of an authenticated packet.
func (p *Peer) setEndpoint(addr *net.UDPAddr) {
	if addr == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endpoint == nil || !p.endpoint.IP.Equal(addr.IP) || p.endpoint.Port != addr.Port {
		if p.endpoint != nil {
			p.log.WithFields(logrus.Fields{"from": p.endpoint, "to": addr}).Info("peer endpoint changed")
		}
		p.endpoint = addr
	}
}

// queuePacket keeps a copy of packet until a session exists. The oldest
// packet is dropped when the queue is full.
func (p *Peer) queuePacket(packet []byte) {
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) >= MaxQueuedPackets {
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, packetCopy)
}

func (p *Peer) takeQueue() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queue
	p.queue = nil
	return q
}

func (p *Peer) queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// initiateHandshake sends a new initiation unless one went out less than
// RekeyTimeout ago.
func (p *Peer) initiateHandshake() error {
	now := p.device.clock.Now()

	p.mu.Lock()
	if p.endpoint == nil {
		p.mu.Unlock()
		return errNoEndpoint
	}
	if !p.lastInitiation.IsZero() && now.Sub(p.lastInitiation) < noise.RekeyTimeout {
		p.mu.Unlock()
		return nil
	}
	p.lastInitiation = now
	p.attempts++
	endpoint := p.endpoint
	p.mu.Unlock()

	msg, err := p.remote.CreateInitiation()
	if err != nil {
		return err
	}
	frame := marshalInitiation(msg, p.remote.PublicKey())
	if _, err := p.device.udp.WriteToUDP(frame, endpoint); err != nil {
		return err
	}
	p.log.WithField("endpoint", endpoint).Debug("sent handshake initiation")
	return nil
}

// handshakeComplete resets the retry bookkeeping.
func (p *Peer) handshakeComplete() {
	p.mu.Lock()
	p.attempts = 0
	p.lastInitiation = time.Time{}
	p.lastHandshakeDone = p.device.clock.Now()
	p.mu.Unlock()
}
