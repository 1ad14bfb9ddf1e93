// keypair.go
//
// Transport keypairs and the per-remote ring of three slots:
// - previous: still accepted for receiving after a rotation
// - current: used for sending
// - next: installed by the responder, promoted on first receive

package noise

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drio/wgnoise/replay"
)

// Keypair holds the two directional keys derived from one handshake.
type Keypair struct {
	sendCounter atomic.Uint64
	send        Key
	recv        Key
	created     time.Time
	isInitiator bool
	valid       bool
	localIndex  uint32
	remoteIndex uint32

	recvMu sync.Mutex
	replay replay.Filter
}

func (kp *Keypair) recvExhausted() bool {
	kp.recvMu.Lock()
	defer kp.recvMu.Unlock()
	return kp.replay.Last() >= RejectAfterMessages
}

type keypairRole int

const (
	rolePrevious keypairRole = iota
	roleCurrent
	roleNext
	numRoles
)

func (r keypairRole) String() string {
	switch r {
	case rolePrevious:
		return "previous"
	case roleCurrent:
		return "current"
	case roleNext:
		return "next"
	default:
		return fmt.Sprintf("keypairRole(%d)", int(r))
	}
}

// ring owns three keypair slots. roles point into slots; a slot no role
// points at is free. Slots are never copied.
type ring struct {
	slots [numRoles]Keypair
	roles [numRoles]*Keypair
}

func (rg *ring) get(role keypairRole) *Keypair {
	return rg.roles[role]
}

func (rg *ring) set(role keypairRole, kp *Keypair) {
	rg.roles[role] = kp
}

// alloc returns a slot no role points at.
func (rg *ring) alloc() *Keypair {
	for i := range rg.slots {
		kp := &rg.slots[i]
		used := false
		for _, held := range rg.roles {
			if held == kp {
				used = true
				break
			}
		}
		if !used {
			return kp
		}
	}
	panic("noise: keypair ring full")
}

// freeKeypairLocked wipes kp and releases its index. The caller holds
// keypairMu for writing and removes kp from its role.
func (r *Remote) freeKeypairLocked(kp *Keypair) {
	r.local.upcall.ReleaseIndex(kp.localIndex)
	kp.send.Wipe()
	kp.recv.Wipe()
	kp.sendCounter.Store(0)
	kp.created = time.Time{}
	kp.isInitiator = false
	kp.valid = false
	kp.localIndex = 0
	kp.remoteIndex = 0
	kp.replay.Reset()
}

// usableLocked reports whether kp may be used at all. The caller holds
// keypairMu.
func (r *Remote) usableLocked(kp *Keypair) bool {
	if kp == nil || !kp.valid {
		return false
	}
	if expired(r.local.clock, kp.created, RejectAfterTime) {
		return false
	}
	return !kp.recvExhausted()
}

// receivableLocked reports whether packets under kp may still be opened.
// Unlike usableLocked it ignores the valid flag, so traffic in flight keeps
// decrypting after ExpireCurrent. The caller holds keypairMu.
func (r *Remote) receivableLocked(kp *Keypair) bool {
	if kp == nil {
		return false
	}
	if expired(r.local.clock, kp.created, RejectAfterTime) {
		return false
	}
	return !kp.recvExhausted()
}

// deriveTransportKeys expands the final chaining key straight into send
// and recv. The initiator sends with the first key, the responder with the
// second.
func deriveTransportKeys(ck *Key, isInitiator bool, send, recv *Key) {
	if isInitiator {
		kdf(ck, nil, send, recv)
		return
	}
	kdf(ck, nil, recv, send)
}

// BeginSession turns a completed handshake into a transport keypair. The
// initiator's keypair becomes current right away. The responder's waits in
// next until the first packet decrypts under it. The handshake is wiped.
func (r *Remote) BeginSession() error {
	r.handshakeMu.Lock()
	defer r.handshakeMu.Unlock()

	hs := &r.handshake
	var isInitiator bool
	switch hs.state {
	case responseConsumed:
		isInitiator = true
	case responseCreated:
		isInitiator = false
	default:
		r.log.WithField("state", hs.state).Debug("begin session: wrong state")
		return ErrStateMismatch
	}
	defer hs.wipe()

	var send, recv Key
	deriveTransportKeys(&hs.chainKey, isInitiator, &send, &recv)
	defer send.Wipe()
	defer recv.Wipe()

	r.keypairMu.Lock()
	defer r.keypairMu.Unlock()

	previous := r.ring.get(rolePrevious)
	current := r.ring.get(roleCurrent)
	next := r.ring.get(roleNext)

	if isInitiator {
		if next != nil {
			r.ring.set(roleNext, nil)
			r.ring.set(rolePrevious, next)
			if current != nil {
				r.freeKeypairLocked(current)
			}
		} else {
			r.ring.set(rolePrevious, current)
		}
		if previous != nil {
			r.freeKeypairLocked(previous)
		}
		r.ring.set(roleCurrent, nil)
	} else {
		if next != nil {
			r.freeKeypairLocked(next)
		}
		if previous != nil {
			r.freeKeypairLocked(previous)
		}
		r.ring.set(roleNext, nil)
		r.ring.set(rolePrevious, nil)
	}

	kp := r.ring.alloc()
	kp.send = send
	kp.recv = recv
	kp.created = r.local.clock.Now()
	kp.isInitiator = isInitiator
	kp.valid = true
	kp.localIndex = hs.localIndex
	kp.remoteIndex = hs.remoteIndex

	if isInitiator {
		r.ring.set(roleCurrent, kp)
	} else {
		r.ring.set(roleNext, kp)
	}
	return nil
}
