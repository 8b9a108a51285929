package actor

import (
	"context"
	"sync"

	"fedgate/internal/resolver/models"
	"fedgate/pkg/sentinel"
)

// InMemory is the development and test actor store.
type InMemory struct {
	mu         sync.RWMutex
	byIRI      map[string]*models.ActorRecord
	localNames map[string]string // preferredUsername -> IRI, local actors only
}

// NewInMemory constructs an empty in-memory actor store.
func NewInMemory() *InMemory {
	return &InMemory{
		byIRI:      make(map[string]*models.ActorRecord),
		localNames: make(map[string]string),
	}
}

// Upsert stores or replaces the record under its actor's canonical IRI.
func (s *InMemory) Upsert(_ context.Context, rec *models.ActorRecord) error {
	if rec == nil || rec.Actor == nil || rec.Actor.ID == "" {
		return sentinel.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byIRI[rec.Actor.ID] = rec
	if rec.Local && rec.Actor.PreferredUsername != "" {
		s.localNames[rec.Actor.PreferredUsername] = rec.Actor.ID
	}
	return nil
}

// FindByIRI returns the record for the canonical identifier.
func (s *InMemory) FindByIRI(_ context.Context, iri string) (*models.ActorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byIRI[iri]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return rec, nil
}

// FindLocalByUsername returns a local actor by preferred username.
func (s *InMemory) FindLocalByUsername(_ context.Context, username string) (*models.ActorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iri, ok := s.localNames[username]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.byIRI[iri], nil
}

// CountLocal returns the number of local actors, used by server metadata.
func (s *InMemory) CountLocal(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.localNames), nil
}
