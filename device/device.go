// Package device runs a WireGuard style tunnel on top of the noise core:
// it frames handshake and transport messages, routes packets between the
// TUN device and peers, and decides when to rekey.
package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2s"

	"github.com/drio/wgnoise/conn"
	"github.com/drio/wgnoise/noise"
	"github.com/drio/wgnoise/tun"
)

// DefaultTimerInterval is how often peers are checked for handshake
// retries and keepalives.
const DefaultTimerInterval = time.Second

// Config holds configuration for creating a Device
type Config struct {
	PrivateKey noise.PrivateKey
	Peers      []PeerConfig
	MTU        int

	// optional, for tests
	Clock         noise.Clock
	TimerInterval time.Duration
}

// Device is one tunnel endpoint with any number of peers.
type Device struct {
	local   *noise.Local
	indices *IndexTable
	mac1Key [blake2s.Size]byte // checks MAC1 on handshakes sent to us

	peers    []*Peer
	byRemote map[*noise.Remote]*Peer

	tun tun.TUNDevice
	udp conn.UDPConn
	mtu int

	clock         noise.Clock
	timerInterval time.Duration
	log           *logrus.Entry

	done      chan struct{}
	closeOnce sync.Once
}

// NewDevice creates a Device. Nothing runs until Run is called.
func NewDevice(tunDev tun.TUNDevice, udpConn conn.UDPConn, cfg Config) (*Device, error) {
	d := &Device{
		indices:       NewIndexTable(),
		byRemote:      make(map[*noise.Remote]*Peer),
		tun:           tunDev,
		udp:           udpConn,
		mtu:           cfg.MTU,
		clock:         cfg.Clock,
		timerInterval: cfg.TimerInterval,
		log:           logrus.WithField("component", "device"),
		done:          make(chan struct{}),
	}
	if d.mtu == 0 {
		d.mtu = StandardMTU
	}
	if d.clock == nil {
		d.clock = noise.SystemClock{}
	}
	if d.timerInterval == 0 {
		d.timerInterval = DefaultTimerInterval
	}

	d.local = noise.NewLocalWithClock(d.indices, d.clock)
	d.local.SetLogger(logrus.WithField("component", "noise"))
	if err := d.local.SetPrivate(cfg.PrivateKey); err != nil {
		return nil, fmt.Errorf("set private key: %w", err)
	}
	d.mac1Key = mac1Key(d.local.PublicKey())

	for _, pc := range cfg.Peers {
		if d.indices.LookupRemote(pc.PublicKey) != nil {
			return nil, fmt.Errorf("duplicate peer %s", pc.PublicKey)
		}
		remote := d.local.NewRemote(pc.PublicKey)
		remote.SetPresharedKey(pc.PresharedKey)
		d.indices.AddRemote(remote)

		peer := newPeer(d, remote, pc)
		d.peers = append(d.peers, peer)
		d.byRemote[remote] = peer
	}
	if len(d.peers) == 0 {
		return nil, errors.New("no peers configured")
	}

	d.log.WithFields(logrus.Fields{
		"public_key": d.local.PublicKey().String(),
		"peers":      len(d.peers),
	}).Info("device created")
	return d, nil
}

// PublicKey returns the device's static public key.
func (d *Device) PublicKey() noise.PublicKey {
	return d.local.PublicKey()
}

// Peer returns the peer with static key pk, or nil.
func (d *Device) Peer(pk noise.PublicKey) *Peer {
	remote := d.indices.LookupRemote(pk)
	if remote == nil {
		return nil
	}
	return d.byRemote[remote]
}

// Public accessors for testing

// TUN returns the TUN device interface for testing
func (d *Device) TUN() tun.TUNDevice {
	return d.tun
}

// UDP returns the UDP connection interface for testing
func (d *Device) UDP() conn.UDPConn {
	return d.udp
}

// Done is closed when the device shuts down.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Close stops the event loop, wipes every session and closes the
// interfaces.
func (d *Device) Close() error {
	var closeErr error
	d.closeOnce.Do(func() {
		close(d.done)
		for _, p := range d.peers {
			d.local.DeleteRemote(p.remote)
			d.indices.RemoveRemote(p.remote)
		}
		if d.tun != nil {
			if err := d.tun.Close(); err != nil {
				closeErr = err // Store first error but continue cleanup
			}
		}
		if d.udp != nil {
			if err := d.udp.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
	})
	return closeErr
}

func (d *Device) closed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}
