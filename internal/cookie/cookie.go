// Package cookie implements the DTLS cookie store: a small ring of
// rotating HMAC keys that mints and verifies cookies bound to a peer's
// address without retaining per-client state. internal/dtlsengine uses
// these cookies as address-admission tickets checked before a handshake
// starts; the HelloVerifyRequest exchange itself is run by pion/dtls and
// does not use this ring.
package cookie

import (
	"crypto/hmac"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/pion/randutil"
)

const (
	// DefaultQuantity is the default ring size.
	DefaultQuantity = 10
	// DefaultLength is the default cookie length, bounded by
	// DTLS1_COOKIE_LENGTH.
	DefaultLength = 20
	// MaxLength is DTLS1_COOKIE_LENGTH.
	MaxLength = 20
	// DefaultLifetime is the default key rotation period.
	DefaultLifetime = 300 * time.Second
)

// Store is a ring of secret HMAC keys. Safe for concurrent use, though
// this gateway only ever calls it from the single event-loop goroutine;
// the mutex exists so the rotation timer (which fires on its own Go
// timer channel) doesn't need to be funneled through the loop.
type Store struct {
	mu       sync.Mutex
	keys     [][]byte
	length   int
	quantity int
}

// New creates a store with quantity keys of the given length (clamped to
// MaxLength), each freshly drawn from a CSPRNG.
func New(quantity, length int) (*Store, error) {
	if quantity <= 0 {
		quantity = DefaultQuantity
	}
	if length <= 0 || length > MaxLength {
		length = DefaultLength
	}
	s := &Store{length: length, quantity: quantity}
	for i := 0; i < quantity; i++ {
		k, err := randomKey(length)
		if err != nil {
			return nil, err
		}
		s.keys = append(s.keys, k)
	}
	return s, nil
}

func randomKey(length int) ([]byte, error) {
	s, err := randutil.GenerateCryptoRandomString(length, "0123456789abcdef")
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// Generate produces a cookie for peer under the newest key.
func (s *Store) Generate(peer []byte) []byte {
	s.mu.Lock()
	newest := s.keys[len(s.keys)-1]
	s.mu.Unlock()
	return mac(newest, peer, s.length)
}

// Verify reports whether cookie was produced under any still-live key.
func (s *Store) Verify(peer, cookie []byte) bool {
	s.mu.Lock()
	keys := append([][]byte(nil), s.keys...)
	s.mu.Unlock()
	for _, k := range keys {
		if hmac.Equal(mac(k, peer, s.length), cookie) {
			return true
		}
	}
	return false
}

// Rotate drops the oldest key and pushes a fresh one. Called by the
// proxy-wide rotation timer at key_lifetime.
func (s *Store) Rotate() error {
	fresh, err := randomKey(s.length)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys[1:], fresh)
	return nil
}

func mac(key, peer []byte, length int) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(peer)
	sum := h.Sum(nil)
	if length > len(sum) {
		length = len(sum)
	}
	return sum[:length]
}
