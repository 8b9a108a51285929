package keys

import (
	"context"
	"errors"
	"sync"

	"fedgate/pkg/sentinel"
)

// Store is the narrow persistence surface this package needs.
type Store interface {
	FindByOwner(ctx context.Context, ownerID string) (*Keypair, error)
	Save(ctx context.Context, kp *Keypair) error
}

// InstanceKey lazily provisions and memoizes the keypair of the instance
// actor, the identity this server signs fetches and service activities with.
// There is exactly one per process; Invalidate forces a reload on next use.
type InstanceKey struct {
	mu      sync.Mutex
	ownerID string
	store   Store
	cached  *Keypair
}

// NewInstanceKey builds the provider for the given instance actor IRI.
func NewInstanceKey(store Store, ownerID string) *InstanceKey {
	return &InstanceKey{store: store, ownerID: ownerID}
}

// Get returns the instance keypair, generating and persisting it on first use.
func (i *InstanceKey) Get(ctx context.Context) (*Keypair, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cached != nil {
		return i.cached, nil
	}

	kp, err := i.store.FindByOwner(ctx, i.ownerID)
	switch {
	case err == nil:
		i.cached = kp
		return kp, nil
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, err
	}

	kp, err = Generate(i.ownerID)
	if err != nil {
		return nil, err
	}
	if err := i.store.Save(ctx, kp); err != nil {
		return nil, err
	}
	i.cached = kp
	return kp, nil
}

// Invalidate drops the memoized keypair so the next Get reloads it.
func (i *InstanceKey) Invalidate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cached = nil
}
