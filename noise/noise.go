// Package noise implements the WireGuard flavour of the Noise_IKpsk2
// handshake and the transport keys it produces.
//
// A Local holds the static identity of this host. Every peer is a Remote
// created from it. Four operations drive the handshake:
//
//  1. Remote.CreateInitiation   (initiator)
//  2. Local.ConsumeInitiation   (responder)
//  3. Remote.CreateResponse     (responder)
//  4. Remote.ConsumeResponse    (initiator)
//
// after which Remote.BeginSession on both sides installs a transport
// keypair. Remote.Encrypt and Remote.Decrypt use those keypairs for data
// packets. Framing, retransmission and timers live outside this package.
package noise

import (
	"encoding/base64"
	"math"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/drio/wgnoise/replay"
)

// Protocol constants
const (
	Construction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	Identifier   = "WireGuard v1 zx2c4 Jason@zx2c4.com"
)

// Sizes of keys and message fields.
const (
	PublicKeySize    = 32
	PrivateKeySize   = 32
	SymmetricKeySize = chacha20poly1305.KeySize
	HashSize         = blake2s.Size
	TagSize          = chacha20poly1305.Overhead
	TimestampSize    = 12
)

// Session limits. Time based limits are measured against the Clock of the
// Local the keypair belongs to.
const (
	RekeyAfterMessages  = uint64(1) << 60
	RejectAfterMessages = uint64(math.MaxUint64 - replay.WindowSize - 1)
	RekeyAfterTime      = 120 * time.Second
	RejectAfterTime     = 180 * time.Second
	RekeyTimeout        = 5 * time.Second
	KeepaliveTimeout    = 10 * time.Second
	RekeyAfterTimeRecv  = RejectAfterTime - KeepaliveTimeout - RekeyTimeout
	// RejectInterval is the minimum time between two accepted initiations
	// from the same remote.
	RejectInterval = time.Second / 50
)

type (
	// PublicKey is a Curve25519 public key.
	PublicKey [PublicKeySize]byte
	// PrivateKey is a clamped Curve25519 private key.
	PrivateKey [PrivateKeySize]byte
	// Key is a symmetric key, a chaining key or a transcript hash.
	Key [SymmetricKeySize]byte
	// Timestamp is a TAI64N timestamp.
	Timestamp [TimestampSize]byte
)

// String returns the standard base64 encoding used in configuration files.
func (pk PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(pk[:])
}

// Short returns a prefix of String suitable for log fields.
func (pk PublicKey) Short() string {
	return pk.String()[:8]
}

// IsZero reports whether the key is all zeros.
func (pk PublicKey) IsZero() bool {
	return isZero(pk[:])
}

// IsZero reports whether the key is all zeros.
func (sk *PrivateKey) IsZero() bool {
	return isZero(sk[:])
}

// Wipe overwrites the key with zeros.
func (sk *PrivateKey) Wipe() {
	wipe(sk[:])
}

// IsZero reports whether the key is all zeros.
func (k *Key) IsZero() bool {
	return isZero(k[:])
}

// Wipe overwrites the key with zeros.
func (k *Key) Wipe() {
	wipe(k[:])
}

var (
	initialChainKey Key
	initialHash     Key
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(Construction))
	mixHash(&initialHash, &initialChainKey, []byte(Identifier))
}
