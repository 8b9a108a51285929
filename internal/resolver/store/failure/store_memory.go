package failure

import (
	"context"
	"sync"
	"time"

	"fedgate/internal/resolver/models"
	"fedgate/pkg/sentinel"
)

// InMemory caches negative resolutions for a single process. Entries expire
// after their retry window so identifiers are never permanently poisoned.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]models.Failure
	now     func() time.Time
}

// NewInMemory constructs an empty in-memory failure cache.
func NewInMemory() *InMemory {
	return &InMemory{
		entries: make(map[string]models.Failure),
		now:     time.Now,
	}
}

// Record caches a failed resolution with its cause and retry window.
func (s *InMemory) Record(_ context.Context, iri, cause string, retryAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[iri] = models.Failure{
		IRI:        iri,
		Cause:      cause,
		FailedAt:   s.now(),
		RetryAfter: retryAfter,
	}
	return nil
}

// Get returns the cached failure, or ErrNotFound once the retry window has
// passed or if the identifier never failed.
func (s *InMemory) Get(_ context.Context, iri string) (*models.Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[iri]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if entry.Retryable(s.now()) {
		delete(s.entries, iri)
		return nil, sentinel.ErrNotFound
	}
	return &entry, nil
}

// Clear drops the entry for an identifier, typically after a successful
// resolution supersedes the failure.
func (s *InMemory) Clear(_ context.Context, iri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, iri)
	return nil
}
