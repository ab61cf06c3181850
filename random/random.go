// Package random provides the random byte source the core injects for
// generating keys, session ids, and nonces. Spec §6 requires hosts to
// supply a cryptographically suitable source; CryptoSource is that
// reference implementation.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
	"time"
)

// Source produces unbiased random bytes. Implementations must be safe to
// call from the core's single execution context; concurrent-safety across
// goroutines is not required by the core, but CryptoSource provides it
// anyway since crypto/rand.Read already serializes internally.
type Source interface {
	Bytes(n int) []byte
}

// CryptoSource draws from crypto/rand, falling back to a seeded
// math/rand source only if crypto/rand errors — the same fallback shape
// as the teacher's GeneratePairingKey, generalized from a fixed 4-byte
// key to an arbitrary-length byte slice.
type CryptoSource struct {
	mu       sync.Mutex
	fallback *mrand.Rand
}

// NewCryptoSource returns a ready-to-use CryptoSource.
func NewCryptoSource() *CryptoSource {
	return &CryptoSource{}
}

func (c *CryptoSource) Bytes(n int) []byte {
	b := make([]byte, n)
	if _, err := crand.Read(b); err == nil {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fallback == nil {
		var seed [8]byte
		binary.LittleEndian.PutUint64(seed[:], uint64(time.Now().UnixNano()))
		c.fallback = mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
	}
	c.fallback.Read(b)
	return b
}

// Uint32 is a convenience wrapper reading 4 random bytes big-endian,
// matching the wire format's integer endianness (spec §6).
func Uint32(s Source) uint32 {
	b := s.Bytes(4)
	return binary.BigEndian.Uint32(b)
}
