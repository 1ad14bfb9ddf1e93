// handshake.go
//
// Handshake message handling for the device. The cryptography lives in the
// noise package; this file frames messages, finds the peer and starts
// sessions.
//
// Responder: initiation -> ConsumeInitiation -> CreateResponse -> BeginSession
// Initiator: response -> ConsumeResponse -> BeginSession -> flush or keepalive

package device

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// handleHandshakeEvent processes handshake messages
func (d *Device) handleHandshakeEvent(event HandshakeEvent) {
	var err error
	switch event.Type {
	case HandshakeEventInitiation:
		err = d.handleInitiation(event.Data, event.Addr)
	case HandshakeEventResponse:
		err = d.handleResponse(event.Data, event.Addr)
	default:
		err = fmt.Errorf("unknown handshake event %q", event.Type)
	}
	if err != nil {
		// rejected handshakes are dropped without an answer
		d.log.WithError(err).WithFields(logrus.Fields{
			"from": event.Addr, "type": event.Type,
		}).Debug("handshake dropped")
	}
}

// handleInitiation answers an initiation: we are the RESPONDER
func (d *Device) handleInitiation(frame []byte, addr *net.UDPAddr) error {
	msg, err := unmarshalInitiation(frame, &d.mac1Key)
	if err != nil {
		return err
	}
	remote, err := d.local.ConsumeInitiation(msg)
	if err != nil {
		return err
	}
	p := d.byRemote[remote]
	if p == nil {
		return fmt.Errorf("no peer for %s", remote.PublicKey().Short())
	}

	resp, err := remote.CreateResponse()
	if err != nil {
		return err
	}
	// the session exists before the response leaves, so the first data
	// packet can never beat it
	if err := remote.BeginSession(); err != nil {
		return err
	}
	p.setEndpoint(addr)
	p.handshakeComplete()

	if _, err := d.udp.WriteToUDP(marshalResponse(resp, remote.PublicKey()), addr); err != nil {
		return fmt.Errorf("failed to send handshake response: %w", err)
	}
	p.log.WithField("endpoint", addr).Info("handshake completed as responder")
	return nil
}

// handleResponse completes our initiation: we are the INITIATOR
func (d *Device) handleResponse(frame []byte, addr *net.UDPAddr) error {
	msg, err := unmarshalResponse(frame, &d.mac1Key)
	if err != nil {
		return err
	}
	remote := d.indices.LookupIndex(msg.Receiver)
	if remote == nil {
		return fmt.Errorf("unknown receiver index %d", msg.Receiver)
	}
	p := d.byRemote[remote]
	if p == nil {
		return fmt.Errorf("no peer for receiver index %d", msg.Receiver)
	}

	if err := remote.ConsumeResponse(msg); err != nil {
		return err
	}
	if err := remote.BeginSession(); err != nil {
		return err
	}
	p.setEndpoint(addr)
	p.handshakeComplete()
	p.log.WithField("endpoint", addr).Info("handshake completed as initiator")

	// the responder only trusts the new keys once it sees data under them
	if p.queued() == 0 {
		d.sendKeepalive(p)
		return nil
	}
	d.flushQueue(p)
	return nil
}
