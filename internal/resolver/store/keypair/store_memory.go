package keypair

import (
	"context"
	"sync"

	"fedgate/internal/keys"
	"fedgate/pkg/sentinel"
)

// InMemory is the development and test keypair store. Private key material
// for a given actor is written once and never concurrently mutated.
type InMemory struct {
	mu      sync.RWMutex
	byOwner map[string]*keys.Keypair
}

// NewInMemory constructs an empty in-memory keypair store.
func NewInMemory() *InMemory {
	return &InMemory{byOwner: make(map[string]*keys.Keypair)}
}

// Save stores or replaces the keypair for its owner. An existing private
// half is kept when the incoming keypair carries only the public half, so a
// re-resolved local actor never loses its signing key.
func (s *InMemory) Save(_ context.Context, kp *keys.Keypair) error {
	if kp == nil || kp.OwnerID == "" {
		return sentinel.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byOwner[kp.OwnerID]; ok && !kp.HasPrivate() && prev.HasPrivate() {
		clone := *kp
		clone.PrivatePEM = prev.PrivatePEM
		s.byOwner[kp.OwnerID] = &clone
		return nil
	}
	s.byOwner[kp.OwnerID] = kp
	return nil
}

// FindByOwner returns the keypair bound to the actor.
func (s *InMemory) FindByOwner(_ context.Context, ownerID string) (*keys.Keypair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.byOwner[ownerID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return kp, nil
}

// FindByKeyID returns the keypair with the given published key id.
func (s *InMemory) FindByKeyID(_ context.Context, keyID string) (*keys.Keypair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, kp := range s.byOwner {
		if kp.KeyID == keyID {
			return kp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}
