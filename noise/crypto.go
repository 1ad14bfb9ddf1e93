// crypto.go
//
// Primitive wrappers consumed by the handshake and the transport:
// - Curve25519 key generation and ECDH
// - BLAKE2s hashing and HMAC-BLAKE2s
// - ChaCha20Poly1305 with the WireGuard nonce layout

package noise

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// NewPrivateKey returns a fresh clamped private key read from crypto/rand.
func NewPrivateKey() (PrivateKey, error) {
	return newPrivateKey(rand.Reader)
}

func newPrivateKey(r io.Reader) (PrivateKey, error) {
	var sk PrivateKey
	if _, err := io.ReadFull(r, sk[:]); err != nil {
		return sk, err
	}
	sk.clamp()
	return sk, nil
}

// GenerateKeypair creates a new Curve25519 keypair
func GenerateKeypair() (PrivateKey, PublicKey, error) {
	sk, err := NewPrivateKey()
	if err != nil {
		return sk, PublicKey{}, err
	}
	return sk, sk.PublicKey(), nil
}

func (sk *PrivateKey) clamp() {
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
}

// PublicKey derives the public key. A zero public key means the private key
// is degenerate.
func (sk *PrivateKey) PublicKey() PublicKey {
	var pk PublicKey
	apk := (*[PublicKeySize]byte)(&pk)
	ask := (*[PrivateKeySize]byte)(sk)
	curve25519.ScalarBaseMult(apk, ask)
	return pk
}

// dh performs X25519 into out. It fails with ErrInvalidKey when the result
// is all zeros, which happens for low order points.
func dh(out *Key, sk *PrivateKey, pk *PublicKey) error {
	shared, err := curve25519.X25519(sk[:], pk[:])
	if err != nil {
		return ErrInvalidKey
	}
	copy(out[:], shared)
	wipe(shared)
	return nil
}

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// mixHash sets dst = HASH(h || data...)
func mixHash(dst, h *Key, data ...[]byte) {
	b := newBlake2s()
	b.Write(h[:])
	for _, d := range data {
		b.Write(d)
	}
	b.Sum(dst[:0])
	b.Reset()
}

// hmacBlake2s sets dst = HMAC-BLAKE2s(key, data...)
func hmacBlake2s(dst *Key, key []byte, data ...[]byte) {
	mac := hmac.New(newBlake2s, key)
	for _, d := range data {
		mac.Write(d)
	}
	mac.Sum(dst[:0])
	mac.Reset()
}

// WireGuard nonce format: 4 bytes zeros + 8 bytes little-endian counter
func aeadNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// mustAEAD builds the cipher for key. Every Key is KeySize bytes, so the
// error path is unreachable from this package.
func mustAEAD(key []byte) cipher.AEAD {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		panic("noise: " + err.Error())
	}
	return aead
}

// aeadSeal appends the sealed plaintext to dst.
func aeadSeal(dst []byte, key *Key, counter uint64, plaintext, ad []byte) []byte {
	aead := mustAEAD(key[:])
	nonce := aeadNonce(counter)
	return aead.Seal(dst, nonce[:], plaintext, ad)
}

// aeadOpen appends the opened ciphertext to dst.
func aeadOpen(dst []byte, key *Key, counter uint64, ciphertext, ad []byte) ([]byte, error) {
	aead := mustAEAD(key[:])
	nonce := aeadNonce(counter)
	out, err := aead.Open(dst, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return out, nil
}
