// handshake.go
//
// Noise_IKpsk2 handshake as used by WireGuard.
//
// Four operations drive the state machine:
// 1. Initiator creates message 1 (Remote.CreateInitiation)
// 2. Responder consumes message 1 (Local.ConsumeInitiation)
// 3. Responder creates message 2 (Remote.CreateResponse)
// 4. Initiator consumes message 2 (Remote.ConsumeResponse)
//
// Each step works on a scratch copy of the handshake and only stores it in
// the Remote once every check has passed.

package noise

import "fmt"

type handshakeState int

const (
	handshakeZeroed handshakeState = iota
	initiationCreated
	initiationConsumed
	responseCreated
	responseConsumed
)

func (s handshakeState) String() string {
	switch s {
	case handshakeZeroed:
		return "Zeroed"
	case initiationCreated:
		return "InitiationCreated"
	case initiationConsumed:
		return "InitiationConsumed"
	case responseCreated:
		return "ResponseCreated"
	case responseConsumed:
		return "ResponseConsumed"
	default:
		return fmt.Sprintf("handshakeState(%d)", int(s))
	}
}

type handshake struct {
	state       handshakeState
	localIndex  uint32
	remoteIndex uint32

	ephemeralPrivate PrivateKey
	remoteEphemeral  PublicKey
	chainKey         Key // Ci
	hash             Key // Hi
}

func (hs *handshake) wipe() {
	hs.ephemeralPrivate.Wipe()
	hs.chainKey.Wipe()
	hs.hash.Wipe()
	hs.remoteEphemeral = PublicKey{}
	hs.localIndex = 0
	hs.remoteIndex = 0
	hs.state = handshakeZeroed
}

// CreateInitiation (Part 1/4) starts a handshake with r. A handshake
// already in flight with r is abandoned and its index released.
func (r *Remote) CreateInitiation() (*Initiation, error) {
	l := r.local
	l.identityMu.RLock()
	defer l.identityMu.RUnlock()
	if !l.hasIdentity {
		return nil, ErrMissingSecret
	}

	r.handshakeMu.Lock()
	defer r.handshakeMu.Unlock()

	var (
		hs  handshake
		key Key
		msg Initiation
	)
	defer hs.wipe()
	defer key.Wipe()

	// hash = HASH(HASH(ck || Identifier) || responder.static_public)
	paramInit(&hs.chainKey, &hs.hash, &r.public)

	// ephemeral keypair, public part in the clear
	ephemeral, err := NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral: %w", err)
	}
	hs.ephemeralPrivate = ephemeral
	ephemeral.Wipe()
	msg.Ephemeral = hs.ephemeralPrivate.PublicKey()
	msgEphemeral(&hs.chainKey, &hs.hash, &msg.Ephemeral)

	// es: encrypt our static key
	if err := mixDH(&hs.chainKey, &key, &hs.ephemeralPrivate, &r.public); err != nil {
		return nil, err
	}
	msgEncrypt(msg.Static[:], l.public[:], &key, &hs.hash)

	// ss: encrypt the timestamp
	if err := mixSS(&hs.chainKey, &key, &r.ss); err != nil {
		return nil, err
	}
	ts := Tai64n(l.clock.Now())
	msgEncrypt(msg.Timestamp[:], ts[:], &key, &hs.hash)

	r.clearHandshakeLocked()
	hs.state = initiationCreated
	hs.localIndex = l.upcall.AllocateIndex(r)
	msg.Sender = hs.localIndex
	r.handshake = hs
	return &msg, nil
}

// ConsumeInitiation (Part 2/4) authenticates an initiation and returns the
// Remote it came from. The Remote is left ready for CreateResponse.
func (l *Local) ConsumeInitiation(msg *Initiation) (*Remote, error) {
	l.identityMu.RLock()
	defer l.identityMu.RUnlock()
	if !l.hasIdentity {
		return nil, ErrMissingSecret
	}

	var (
		hs     handshake
		key    Key
		static PublicKey
		ts     Timestamp
	)
	defer hs.wipe()
	defer key.Wipe()

	paramInit(&hs.chainKey, &hs.hash, &l.public)
	msgEphemeral(&hs.chainKey, &hs.hash, &msg.Ephemeral)

	// es: decrypt the initiator's static key
	if err := mixDH(&hs.chainKey, &key, &l.private, &msg.Ephemeral); err != nil {
		return nil, err
	}
	if _, err := msgDecrypt(static[:], msg.Static[:], &key, &hs.hash); err != nil {
		return nil, err
	}

	r := l.upcall.LookupRemote(static)
	if r == nil || r.local != l {
		l.log.WithField("peer", static.Short()).Debug("initiation from unknown peer")
		return nil, ErrUnknownRemote
	}

	r.handshakeMu.Lock()
	defer r.handshakeMu.Unlock()

	// ss: decrypt the timestamp
	if err := mixSS(&hs.chainKey, &key, &r.ss); err != nil {
		return nil, err
	}
	if _, err := msgDecrypt(ts[:], msg.Timestamp[:], &key, &hs.hash); err != nil {
		return nil, err
	}

	if !ts.After(r.lastTimestamp) {
		r.log.Debug("initiation replayed")
		return nil, ErrReplayed
	}
	now := l.clock.Now()
	if !r.lastInitiation.IsZero() && r.lastInitiation.Add(RejectInterval).After(now) {
		r.log.Debug("initiation rate limited")
		return nil, ErrRateLimited
	}
	r.lastTimestamp = ts
	r.lastInitiation = now

	r.clearHandshakeLocked()
	hs.state = initiationConsumed
	hs.remoteIndex = msg.Sender
	hs.remoteEphemeral = msg.Ephemeral
	r.handshake = hs
	return r, nil
}

// CreateResponse (Part 3/4) answers the initiation consumed last.
func (r *Remote) CreateResponse() (*Response, error) {
	r.handshakeMu.Lock()
	defer r.handshakeMu.Unlock()

	if r.handshake.state != initiationConsumed {
		r.log.WithField("state", r.handshake.state).Debug("create response: wrong state")
		return nil, ErrStateMismatch
	}

	var (
		hs  = r.handshake
		key Key
		msg Response
	)
	defer hs.wipe()
	defer key.Wipe()

	ephemeral, err := NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral: %w", err)
	}
	hs.ephemeralPrivate = ephemeral
	ephemeral.Wipe()
	msg.Ephemeral = hs.ephemeralPrivate.PublicKey()
	msgEphemeral(&hs.chainKey, &hs.hash, &msg.Ephemeral)

	// ee
	if err := mixDH(&hs.chainKey, nil, &hs.ephemeralPrivate, &hs.remoteEphemeral); err != nil {
		return nil, err
	}
	// se
	if err := mixDH(&hs.chainKey, nil, &hs.ephemeralPrivate, &r.public); err != nil {
		return nil, err
	}
	mixPSK(&hs.chainKey, &hs.hash, &key, &r.psk)

	// empty payload, the tag alone authenticates the response
	msgEncrypt(msg.Empty[:], nil, &key, &hs.hash)

	hs.state = responseCreated
	hs.localIndex = r.local.upcall.AllocateIndex(r)
	msg.Sender = hs.localIndex
	msg.Receiver = hs.remoteIndex
	r.handshake = hs
	return &msg, nil
}

// ConsumeResponse (Part 4/4) completes a handshake started with
// CreateInitiation. The result is discarded when a newer initiation
// replaced the one this response answers while it was being processed.
func (r *Remote) ConsumeResponse(msg *Response) error {
	l := r.local
	l.identityMu.RLock()
	defer l.identityMu.RUnlock()
	if !l.hasIdentity {
		return ErrMissingSecret
	}

	r.handshakeMu.RLock()
	hs := r.handshake
	psk := r.psk
	r.handshakeMu.RUnlock()

	var key Key
	defer hs.wipe()
	defer psk.Wipe()
	defer key.Wipe()

	if hs.state != initiationCreated || hs.localIndex != msg.Receiver {
		r.log.WithField("state", hs.state).Debug("consume response: state mismatch")
		return ErrStateMismatch
	}

	msgEphemeral(&hs.chainKey, &hs.hash, &msg.Ephemeral)

	// ee
	if err := mixDH(&hs.chainKey, nil, &hs.ephemeralPrivate, &msg.Ephemeral); err != nil {
		return err
	}
	// se
	if err := mixDH(&hs.chainKey, nil, &l.private, &msg.Ephemeral); err != nil {
		return err
	}
	mixPSK(&hs.chainKey, &hs.hash, &key, &psk)

	if _, err := msgDecrypt(nil, msg.Empty[:], &key, &hs.hash); err != nil {
		return err
	}

	r.handshakeMu.Lock()
	defer r.handshakeMu.Unlock()
	if r.handshake.state != initiationCreated || r.handshake.localIndex != hs.localIndex {
		r.log.Debug("consume response: superseded by a newer initiation")
		return ErrStateMismatch
	}
	hs.state = responseConsumed
	hs.remoteIndex = msg.Sender
	r.handshake = hs
	return nil
}
