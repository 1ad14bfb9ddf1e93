package noise

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// RemoteDirectory maps a static public key to a registered Remote.
type RemoteDirectory interface {
	LookupRemote(pk PublicKey) *Remote
}

// IndexAllocator issues and revokes the opaque 32-bit indices that name
// handshakes and keypairs on the wire.
type IndexAllocator interface {
	AllocateIndex(r *Remote) uint32
	ReleaseIndex(index uint32)
}

// Upcall is what a Local needs from the surrounding device. Its methods
// are called with noise locks held and must not call back into the
// Remote they are given.
type Upcall interface {
	RemoteDirectory
	IndexAllocator
}

// Local is the static identity of this host.
type Local struct {
	identityMu  sync.RWMutex
	hasIdentity bool
	private     PrivateKey
	public      PublicKey

	upcall Upcall
	clock  Clock
	log    *logrus.Entry

	remotesMu sync.Mutex
	remotes   map[*Remote]struct{}
}

// NewLocal creates a Local without an identity. SetPrivate must be called
// before any handshake.
func NewLocal(upcall Upcall) *Local {
	return NewLocalWithClock(upcall, SystemClock{})
}

// NewLocalWithClock is NewLocal with an explicit clock.
func NewLocalWithClock(upcall Upcall, clock Clock) *Local {
	return &Local{
		upcall:  upcall,
		clock:   clock,
		log:     logrus.WithField("component", "noise"),
		remotes: make(map[*Remote]struct{}),
	}
}

// SetLogger replaces the logger used for rejection messages.
func (l *Local) SetLogger(log *logrus.Entry) {
	l.log = log
}

// SetPrivate installs a new static private key. The key is clamped. Every
// registered Remote gets its shared secret recomputed and loses any
// handshake in flight. A key whose public key is degenerate leaves the
// Local without identity and returns ErrMissingSecret.
func (l *Local) SetPrivate(sk PrivateKey) error {
	l.identityMu.Lock()
	defer l.identityMu.Unlock()

	sk.clamp()
	l.private = sk
	sk.Wipe()
	l.public = l.private.PublicKey()
	l.hasIdentity = !l.public.IsZero()

	l.remotesMu.Lock()
	for r := range l.remotes {
		r.handshakeMu.Lock()
		r.clearHandshakeLocked()
		r.computeSecretLocked()
		r.handshakeMu.Unlock()
	}
	l.remotesMu.Unlock()

	if !l.hasIdentity {
		l.private.Wipe()
		return ErrMissingSecret
	}
	return nil
}

// Keys returns copies of the static keypair.
func (l *Local) Keys() (PrivateKey, PublicKey, error) {
	l.identityMu.RLock()
	defer l.identityMu.RUnlock()
	if !l.hasIdentity {
		return PrivateKey{}, PublicKey{}, ErrMissingSecret
	}
	return l.private, l.public, nil
}

// PublicKey returns the static public key, zero without identity.
func (l *Local) PublicKey() PublicKey {
	l.identityMu.RLock()
	defer l.identityMu.RUnlock()
	return l.public
}

// NewRemote registers a peer and precomputes its static shared secret.
func (l *Local) NewRemote(pk PublicKey) *Remote {
	r := &Remote{
		public: pk,
		local:  l,
		log:    l.log.WithField("peer", pk.Short()),
	}

	l.identityMu.Lock()
	defer l.identityMu.Unlock()

	r.handshakeMu.Lock()
	r.computeSecretLocked()
	r.handshakeMu.Unlock()

	l.remotesMu.Lock()
	l.remotes[r] = struct{}{}
	l.remotesMu.Unlock()
	return r
}

// DeleteRemote clears r and unregisters it.
func (l *Local) DeleteRemote(r *Remote) {
	r.Clear()
	l.remotesMu.Lock()
	delete(l.remotes, r)
	l.remotesMu.Unlock()
}
