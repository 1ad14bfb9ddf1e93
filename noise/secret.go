package noise

import (
	"crypto/subtle"
	"runtime"
)

// wipe overwrites b with zeros. The KeepAlive keeps the store from being
// optimized away as dead.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// isZero compares in constant time.
func isZero(b []byte) bool {
	return subtle.ConstantTimeCompare(b, make([]byte, len(b))) == 1
}
