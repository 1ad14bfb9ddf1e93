package noise

import "encoding/binary"

// Encrypt seals plaintext under the current keypair and returns a data
// packet: receiver index, counter, ciphertext. A packet returned together
// with ErrStale is valid; the caller should start a new handshake.
func (r *Remote) Encrypt(plaintext []byte) ([]byte, error) {
	r.keypairMu.RLock()
	defer r.keypairMu.RUnlock()

	kp := r.ring.get(roleCurrent)
	if !r.usableLocked(kp) {
		return nil, ErrInvalidState
	}

	nonce := kp.sendCounter.Add(1) - 1
	if nonce > RejectAfterMessages {
		return nil, ErrInvalidState
	}

	out := make([]byte, DataHeaderSize, DataOverhead+len(plaintext))
	binary.LittleEndian.PutUint32(out[0:4], kp.remoteIndex)
	binary.LittleEndian.PutUint64(out[4:12], nonce)
	out = aeadSeal(out, &kp.send, nonce, plaintext, nil)

	if nonce >= RekeyAfterMessages ||
		(kp.isInitiator && expired(r.local.clock, kp.created, RekeyAfterTime)) {
		return out, ErrStale
	}
	return out, nil
}

// Decrypt opens a data packet produced by the peer's Encrypt. The packet's
// receiver index selects the keypair. ErrConfirmed means the packet was the
// first under the responder's next keypair, which is now current. ErrStale
// means the caller should start a new handshake. Both come with a valid
// plaintext.
func (r *Remote) Decrypt(packet []byte) ([]byte, error) {
	if len(packet) < DataOverhead {
		return nil, ErrDecryptFailed
	}
	index := binary.LittleEndian.Uint32(packet[0:4])
	counter := binary.LittleEndian.Uint64(packet[4:12])

	r.keypairMu.RLock()
	var kp *Keypair
	for _, role := range []keypairRole{roleCurrent, rolePrevious, roleNext} {
		if k := r.ring.get(role); k != nil && k.localIndex == index {
			kp = k
			break
		}
	}
	if !r.receivableLocked(kp) {
		r.keypairMu.RUnlock()
		return nil, ErrInvalidState
	}

	// authenticate before the replay window sees the counter
	plaintext, err := aeadOpen(nil, &kp.recv, counter, packet[DataHeaderSize:], nil)
	if err != nil {
		r.keypairMu.RUnlock()
		return nil, err
	}

	kp.recvMu.Lock()
	fresh := kp.replay.ValidateCounter(counter, RejectAfterMessages)
	kp.recvMu.Unlock()
	if !fresh {
		r.keypairMu.RUnlock()
		r.log.WithField("counter", counter).Debug("data packet replayed")
		return nil, ErrReplayed
	}

	isNext := r.ring.get(roleNext) == kp
	stale := r.ring.get(roleCurrent) == kp && kp.isInitiator &&
		expired(r.local.clock, kp.created, RekeyAfterTimeRecv)
	r.keypairMu.RUnlock()

	if isNext && r.promote(kp, index) {
		return plaintext, ErrConfirmed
	}
	if stale {
		return plaintext, ErrStale
	}
	return plaintext, nil
}

// promote moves kp from next to current unless another packet already did.
func (r *Remote) promote(kp *Keypair, index uint32) bool {
	r.keypairMu.Lock()
	defer r.keypairMu.Unlock()

	if r.ring.get(roleNext) != kp || kp.localIndex != index {
		return false
	}
	if previous := r.ring.get(rolePrevious); previous != nil {
		r.freeKeypairLocked(previous)
	}
	r.ring.set(rolePrevious, r.ring.get(roleCurrent))
	r.ring.set(roleCurrent, kp)
	r.ring.set(roleNext, nil)
	return true
}
