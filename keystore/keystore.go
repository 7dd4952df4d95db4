// Package keystore holds the per-session resource keys minted at
// registration. The store is written exactly once, sealed, and read-only for
// the rest of the session; keys never survive a reconnect.
package keystore

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
)

// ErrSealed is returned by Put after Seal has been called.
var ErrSealed = errors.New("key store is sealed")

// Key binds a 64-bit secret to one destination.
type Key struct {
	Host   string
	Port   int
	Secret uint64
}

// Store answers whether a (host, port) destination was registered this
// session. Host comparison is case-insensitive ASCII, port is exact.
type Store struct {
	mu     sync.RWMutex
	keys   map[string]uint64
	sealed bool
}

func New() *Store {
	return &Store{keys: make(map[string]uint64)}
}

func mapKey(host string, port int) string {
	return net.JoinHostPort(strings.ToLower(host), strconv.Itoa(port))
}

// Put records keys for this session. Fails once the store is sealed.
func (s *Store) Put(keys []Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return ErrSealed
	}
	for _, k := range keys {
		s.keys[mapKey(k.Host, k.Port)] = k.Secret
	}
	return nil
}

// Seal freezes the store. Registration calls this once the server has
// acknowledged the key list; afterwards the store is read-only.
func (s *Store) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Sealed reports whether the one-shot seal has happened.
func (s *Store) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// IsAllowed reports whether the destination was registered this session.
func (s *Store) IsAllowed(host string, port int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[mapKey(host, port)]
	return ok
}

// SecretFor returns the key registered for the destination, if any.
func (s *Store) SecretFor(host string, port int) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.keys[mapKey(host, port)]
	return secret, ok
}

// Len reports how many destinations are registered.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
