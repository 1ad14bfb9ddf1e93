// timers.go
//
// Periodic per-peer checks driven by the timer manager:
// - retry a handshake while packets are waiting for a session
// - give up on the queue after MaxHandshakeAttempts
// - answer received traffic with a keepalive when we have nothing to send

package device

import (
	"github.com/drio/wgnoise/noise"
)

// handleTimerEvent processes timer-based events
func (d *Device) handleTimerEvent(event TimerEvent) {
	if event.Type != TimerEventTick {
		return
	}
	for _, p := range d.peers {
		d.peerTimers(p)
	}
}

func (d *Device) peerTimers(p *Peer) {
	now := d.clock.Now()

	p.mu.Lock()
	queued := len(p.queue)
	attempts := p.attempts
	lastSent, lastReceived := p.lastSent, p.lastReceived
	p.mu.Unlock()

	ready := p.remote.Ready() == nil

	if queued > 0 {
		switch {
		case ready:
			d.flushQueue(p)
		case attempts >= MaxHandshakeAttempts:
			dropped := p.takeQueue()
			p.mu.Lock()
			p.attempts = 0
			p.mu.Unlock()
			p.log.WithField("packets", len(dropped)).Warn("handshake did not complete - dropping queued packets")
		default:
			if err := p.initiateHandshake(); err != nil {
				p.log.WithError(err).Debug("handshake retry failed")
			}
		}
		return
	}

	// passive keepalive
	if ready && lastReceived.After(lastSent) && now.Sub(lastReceived) >= noise.KeepaliveTimeout {
		d.sendKeepalive(p)
	}
}
