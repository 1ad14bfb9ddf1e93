package noise

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Remote is a peer: its static key, the handshake in flight with it and
// the ring of transport keypairs.
//
// Lock order is Local.identityMu, then handshakeMu, then keypairMu.
type Remote struct {
	public PublicKey
	local  *Local
	log    *logrus.Entry

	handshakeMu sync.RWMutex
	handshake   handshake
	ss          Key
	psk         Key
	// survive handshake resets so a cleared peer still rejects replays
	lastTimestamp  Timestamp
	lastInitiation time.Time

	keypairMu sync.RWMutex
	ring      ring
}

// PublicKey returns the peer's static public key.
func (r *Remote) PublicKey() PublicKey {
	return r.public
}

// SetPresharedKey sets the PSK mixed into the next handshakes. A zero key
// means no PSK.
func (r *Remote) SetPresharedKey(psk Key) {
	r.handshakeMu.Lock()
	r.psk = psk
	r.handshakeMu.Unlock()
}

// PresharedKey returns a copy of the PSK.
func (r *Remote) PresharedKey() Key {
	r.handshakeMu.RLock()
	defer r.handshakeMu.RUnlock()
	return r.psk
}

// computeSecretLocked recomputes ss. Callers hold the identity write lock
// and handshakeMu.
func (r *Remote) computeSecretLocked() {
	l := r.local
	r.ss.Wipe()
	if !l.hasIdentity {
		return
	}
	if err := dh(&r.ss, &l.private, &r.public); err != nil {
		r.ss.Wipe()
	}
}

// clearHandshakeLocked releases the handshake index, if any, and wipes it.
func (r *Remote) clearHandshakeLocked() {
	switch r.handshake.state {
	case initiationCreated, responseCreated, responseConsumed:
		r.local.upcall.ReleaseIndex(r.handshake.localIndex)
	}
	r.handshake.wipe()
}

// ExpireCurrent marks the current and next keypairs unusable. Indices stay
// allocated until the keypairs are rotated out or cleared.
func (r *Remote) ExpireCurrent() {
	r.keypairMu.Lock()
	defer r.keypairMu.Unlock()
	if kp := r.ring.get(roleCurrent); kp != nil {
		kp.valid = false
	}
	if kp := r.ring.get(roleNext); kp != nil {
		kp.valid = false
	}
}

// Clear wipes the handshake and every keypair and releases their indices.
func (r *Remote) Clear() {
	r.handshakeMu.Lock()
	r.clearHandshakeLocked()
	r.handshakeMu.Unlock()

	r.keypairMu.Lock()
	for role := keypairRole(0); role < numRoles; role++ {
		if kp := r.ring.get(role); kp != nil {
			r.freeKeypairLocked(kp)
			r.ring.set(role, nil)
		}
	}
	r.keypairMu.Unlock()
}

// Ready returns ErrInvalidState unless the current keypair can send.
func (r *Remote) Ready() error {
	r.keypairMu.RLock()
	defer r.keypairMu.RUnlock()
	if !r.usableLocked(r.ring.get(roleCurrent)) {
		return ErrInvalidState
	}
	if r.ring.get(roleCurrent).sendCounter.Load() > RejectAfterMessages {
		return ErrInvalidState
	}
	return nil
}

// KeypairInfo describes a keypair without its keys.
type KeypairInfo struct {
	Role        string
	LocalIndex  uint32
	RemoteIndex uint32
	Initiator   bool
	Valid       bool
	Created     time.Time
	SendCounter uint64
}

// Keypairs returns a snapshot of the occupied ring slots, current first.
func (r *Remote) Keypairs() []KeypairInfo {
	r.keypairMu.RLock()
	defer r.keypairMu.RUnlock()

	var infos []KeypairInfo
	for _, role := range []keypairRole{roleCurrent, rolePrevious, roleNext} {
		kp := r.ring.get(role)
		if kp == nil {
			continue
		}
		infos = append(infos, KeypairInfo{
			Role:        role.String(),
			LocalIndex:  kp.localIndex,
			RemoteIndex: kp.remoteIndex,
			Initiator:   kp.isInitiator,
			Valid:       kp.valid,
			Created:     kp.created,
			SendCounter: kp.sendCounter.Load(),
		})
	}
	return infos
}
