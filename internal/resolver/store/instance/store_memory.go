package instance

import (
	"context"
	"sync"
	"time"

	"fedgate/internal/resolver/models"
	"fedgate/pkg/sentinel"
)

// InMemory is the development and test instance store.
type InMemory struct {
	mu       sync.Mutex
	byDomain map[string]*models.Instance
}

// NewInMemory constructs an empty in-memory instance store.
func NewInMemory() *InMemory {
	return &InMemory{byDomain: make(map[string]*models.Instance)}
}

// GetOrCreate returns the instance for domain, creating it on first sight.
// A newly advertised shared inbox updates the stored one; an empty value
// never clears it.
func (s *InMemory) GetOrCreate(_ context.Context, domain, sharedInbox string) (*models.Instance, error) {
	if domain == "" {
		return nil, sentinel.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst, ok := s.byDomain[domain]; ok {
		if sharedInbox != "" {
			inst.SharedInbox = sharedInbox
		}
		return inst, nil
	}
	inst := &models.Instance{
		Domain:      domain,
		SharedInbox: sharedInbox,
		FirstSeenAt: time.Now().UTC(),
	}
	s.byDomain[domain] = inst
	return inst, nil
}

// FindByDomain returns the instance for the domain.
func (s *InMemory) FindByDomain(_ context.Context, domain string) (*models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.byDomain[domain]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return inst, nil
}

// Count returns the number of known instances.
func (s *InMemory) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byDomain), nil
}
