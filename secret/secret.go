// Package secret resolves provider API keys for executions. Keys are stored
// encrypted; the Store contract returns plaintext for a (user, provider)
// pair and nothing else.
package secret

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned when no key exists for the pair.
var ErrKeyNotFound = errors.New("secret: key not found")

// Store resolves API keys. Implementations must never log plaintext keys.
type Store interface {
	GetKey(ctx context.Context, userID, provider string) (string, error)
}

// StaticStore holds keys in memory, keyed by user and provider. An entry
// under user "*" applies to every user without an explicit key. Used for
// tests and single-tenant deployments configured from the environment.
type StaticStore struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewStaticStore builds an empty store.
func NewStaticStore() *StaticStore {
	return &StaticStore{keys: make(map[string]string)}
}

// Set registers a key for the pair. Pass userID "*" for a global default.
func (s *StaticStore) Set(userID, provider, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[staticKey(userID, provider)] = key
}

// GetKey resolves the pair, falling back to the global default.
func (s *StaticStore) GetKey(ctx context.Context, userID, provider string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.keys[staticKey(userID, provider)]; ok {
		return key, nil
	}
	if key, ok := s.keys[staticKey("*", provider)]; ok {
		return key, nil
	}
	return "", ErrKeyNotFound
}

func staticKey(userID, provider string) string {
	return userID + "\x00" + strings.ToLower(provider)
}
