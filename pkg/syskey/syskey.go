// Package syskey implements the system-key store: the single Ed25519
// verifying key used to validate every authenticated request, with
// set/get/clear semantics and a change notification.
package syskey

import (
	"crypto/ed25519"
	"encoding/json"
	"sync"
	"time"

	"github.com/datafold/datafold-core/pkg/bus"
	"github.com/datafold/datafold-core/pkg/faultkind"
	"github.com/datafold/datafold-core/pkg/store"
)

// Key is the system-wide verifying key plus its registration metadata.
type Key struct {
	Public       ed25519.PublicKey
	RegisteredAt time.Time
}

type persisted struct {
	Public       []byte    `json:"public"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Store owns the single system key. Exactly one key exists at any time;
// Set atomically replaces any prior one.
type Store struct {
	mu        sync.RWMutex
	key       *Key
	bs        store.ByteStore
	publisher *bus.Bus
	now       func() time.Time
}

func New(bs store.ByteStore, publisher *bus.Bus) *Store {
	return &Store{bs: bs, publisher: publisher, now: time.Now}
}

// Load restores a previously persisted key from the store at startup, if
// any. It does not emit SystemKeyChanged; that is reserved for live Set
// calls.
func (s *Store) Load() error {
	if s.bs == nil {
		return nil
	}
	raw, err := s.bs.Get(store.SystemKeyKey())
	if err != nil {
		return faultkind.Wrap(faultkind.StorageFault, "system_key", err)
	}
	if raw == nil {
		return nil
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return faultkind.Wrap(faultkind.StorageFault, "system_key", err)
	}
	s.mu.Lock()
	s.key = &Key{Public: ed25519.PublicKey(p.Public), RegisteredAt: p.RegisteredAt}
	s.mu.Unlock()
	return nil
}

// Set overwrites any prior key, persists it, and emits SystemKeyChanged.
// Setting an identical key twice is still a live overwrite: each call
// emits once, since the store keeps no history to diff against and
// re-verification must not silently reuse a stale in-memory cache.
func (s *Store) Set(pub ed25519.PublicKey) error {
	now := s.now()
	p := persisted{Public: pub, RegisteredAt: now}
	if s.bs != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return faultkind.Wrap(faultkind.StorageFault, "system_key", err)
		}
		if err := s.bs.Set(store.SystemKeyKey(), raw); err != nil {
			return faultkind.Wrap(faultkind.StorageFault, "system_key", err)
		}
	}

	s.mu.Lock()
	s.key = &Key{Public: pub, RegisteredAt: now}
	s.mu.Unlock()

	if s.publisher != nil {
		s.publisher.Publish(bus.SystemKeyChanged, bus.SystemKeyChangedPayload{RegisteredAt: now})
	}
	return nil
}

// Get implements sigreq.KeyProvider: returns the current key, or ok=false
// if none is registered.
func (s *Store) Get() (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, false
	}
	return s.key.Public, true
}

// Metadata returns the current key's registration time, if any.
func (s *Store) Metadata() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return time.Time{}, false
	}
	return s.key.RegisteredAt, true
}

// Clear removes the key. After this, every authenticated request fails
// with NoSystemKey until a new key is set.
func (s *Store) Clear() error {
	if s.bs != nil {
		if err := s.bs.Delete(store.SystemKeyKey()); err != nil {
			return faultkind.Wrap(faultkind.StorageFault, "system_key", err)
		}
	}
	s.mu.Lock()
	s.key = nil
	s.mu.Unlock()

	if s.publisher != nil {
		s.publisher.Publish(bus.SystemKeyChanged, bus.SystemKeyChangedPayload{Cleared: true})
	}
	return nil
}
