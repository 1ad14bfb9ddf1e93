package noise

import "errors"

var (
	// ErrInvalidKey is returned when a Diffie-Hellman operation produces the
	// all-zero output of a low order point.
	ErrInvalidKey = errors.New("noise: invalid key")
	// ErrMissingSecret is returned when the local identity is not set, or the
	// static shared secret with a remote could not be computed.
	ErrMissingSecret = errors.New("noise: identity not established")
	// ErrDecryptFailed is returned for any authentication failure. A wrong key
	// and a corrupted message are deliberately not told apart.
	ErrDecryptFailed = errors.New("noise: authentication failed")
	// ErrReplayed is returned for an initiation whose timestamp is not newer
	// than the last accepted one, and for a transport counter already seen.
	ErrReplayed = errors.New("noise: replayed message")
	// ErrRateLimited is returned for an initiation arriving sooner than
	// RejectInterval after the last accepted one.
	ErrRateLimited = errors.New("noise: initiation rate limited")
	// ErrStateMismatch is returned when the handshake is not in the state, or
	// does not carry the index, the operation expects.
	ErrStateMismatch = errors.New("noise: handshake state mismatch")
	// ErrInvalidState is returned when no usable keypair exists.
	ErrInvalidState = errors.New("noise: no usable keypair")
	// ErrUnknownRemote is returned when an initiation carries a static key
	// that the upcall directory does not know.
	ErrUnknownRemote = errors.New("noise: unknown remote")
	// ErrMessageSize is returned when a message has the wrong length.
	ErrMessageSize = errors.New("noise: invalid message size")

	// ErrStale accompanies a successful Encrypt or Decrypt when the keypair
	// is close to its limits and a new handshake should be started.
	ErrStale = errors.New("noise: keypair stale, rekey required")
	// ErrConfirmed accompanies a successful Decrypt that promoted the next
	// keypair to current.
	ErrConfirmed = errors.New("noise: session confirmed")
)

// IsAdvisory reports whether err only advises the caller and the result it
// came with is valid.
func IsAdvisory(err error) bool {
	return errors.Is(err, ErrStale) || errors.Is(err, ErrConfirmed)
}
