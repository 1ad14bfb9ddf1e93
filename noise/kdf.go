// kdf.go
//
// Key derivation and the mixing steps of the Noise_IKpsk2 handshake:
// - kdf: HKDF over HMAC-BLAKE2s with one to three outputs
// - mixDH, mixSS, mixPSK: fold secrets into the chaining key
// - mixHash helpers for the transcript
// - msgEncrypt, msgDecrypt: AEAD with the transcript hash as AD

package noise

// kdf derives len(outs) keys from ck and input:
//
//	T0   = HMAC(ck, input)
//	out1 = HMAC(T0, 0x1)
//	out2 = HMAC(T0, out1 || 0x2)
//	out3 = HMAC(T0, out2 || 0x3)
//
// ck may alias any of the outputs. Asking for zero or more than three
// outputs is a programming error.
func kdf(ck *Key, input []byte, outs ...*Key) {
	if len(outs) == 0 || len(outs) > 3 {
		panic("noise: kdf takes one to three outputs")
	}

	var t0, prev Key
	defer t0.Wipe()
	defer prev.Wipe()

	hmacBlake2s(&t0, ck[:], input)

	hmacBlake2s(&prev, t0[:], []byte{0x1})
	*outs[0] = prev
	for i := 1; i < len(outs); i++ {
		hmacBlake2s(&prev, t0[:], prev[:], []byte{byte(i + 1)})
		*outs[i] = prev
	}
}

// mixDH sets ck (and key, when non-nil) from DH(sk, pk).
func mixDH(ck, key *Key, sk *PrivateKey, pk *PublicKey) error {
	var shared Key
	defer shared.Wipe()

	if err := dh(&shared, sk, pk); err != nil {
		return err
	}
	if key == nil {
		kdf(ck, shared[:], ck)
	} else {
		kdf(ck, shared[:], ck, key)
	}
	return nil
}

// mixSS is mixDH with the precomputed static-static secret. A zero ss means
// the secret was never established.
func mixSS(ck, key, ss *Key) error {
	if ss.IsZero() {
		return ErrMissingSecret
	}
	kdf(ck, ss[:], ck, key)
	return nil
}

// mixPSK folds the preshared key into ck and h. A zero psk is valid.
func mixPSK(ck, h, key, psk *Key) {
	var tmp Key
	defer tmp.Wipe()

	kdf(ck, psk[:], ck, &tmp, key)
	mixHash(h, h, tmp[:])
}

// paramInit starts a handshake transcript towards the responder key pk.
func paramInit(ck, h *Key, pk *PublicKey) {
	*ck = initialChainKey
	mixHash(h, &initialHash, pk[:])
}

// msgEphemeral mixes an ephemeral public key into both ck and h.
func msgEphemeral(ck, h *Key, e *PublicKey) {
	mixHash(h, h, e[:])
	kdf(ck, e[:], ck)
}

// msgEncrypt seals src under key with a zero nonce and h as AD, then mixes
// the ciphertext into h.
func msgEncrypt(dst, src []byte, key, h *Key) []byte {
	out := aeadSeal(dst[:0], key, 0, src, h[:])
	mixHash(h, h, out)
	return out
}

// msgDecrypt opens src into dst. h only absorbs the ciphertext when
// authentication succeeds.
func msgDecrypt(dst, src []byte, key, h *Key) ([]byte, error) {
	out, err := aeadOpen(dst[:0], key, 0, src, h[:])
	if err != nil {
		return nil, err
	}
	mixHash(h, h, src)
	return out, nil
}
