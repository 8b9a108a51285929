package actor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"fedgate/internal/ap"
	"fedgate/internal/resolver/models"
	"fedgate/pkg/sentinel"
)

type ActorStoreSuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
}

func TestActorStoreSuite(t *testing.T) {
	suite.Run(t, new(ActorStoreSuite))
}

func (s *ActorStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
}

func (s *ActorStoreSuite) newRecord(id, username string, local bool) *models.ActorRecord {
	return &models.ActorRecord{
		Actor: &ap.Actor{
			Object:            ap.Object{ID: id, Type: "Person"},
			PreferredUsername: username,
			Inbox:             id + "/inbox",
		},
		Raw:       []byte(`{"id":"` + id + `","type":"Person"}`),
		Local:     local,
		FetchedAt: time.Now(),
	}
}

func (s *ActorStoreSuite) TestUpsertAndFind() {
	s.Run("stores and finds by IRI", func() {
		rec := s.newRecord("https://remote.example/users/a", "a", false)
		s.Require().NoError(s.store.Upsert(s.ctx, rec))

		found, err := s.store.FindByIRI(s.ctx, rec.Actor.ID)
		s.Require().NoError(err)
		s.Equal(rec.Raw, found.Raw)
	})

	s.Run("upsert replaces the previous record", func() {
		rec := s.newRecord("https://remote.example/users/b", "b", false)
		s.Require().NoError(s.store.Upsert(s.ctx, rec))

		updated := s.newRecord("https://remote.example/users/b", "b", false)
		updated.Raw = []byte(`{"id":"https://remote.example/users/b","type":"Person","name":"B"}`)
		s.Require().NoError(s.store.Upsert(s.ctx, updated))

		found, err := s.store.FindByIRI(s.ctx, rec.Actor.ID)
		s.Require().NoError(err)
		s.Equal(updated.Raw, found.Raw)
	})

	s.Run("returns ErrNotFound for unknown IRI", func() {
		_, err := s.store.FindByIRI(s.ctx, "https://remote.example/users/nobody")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("rejects a record without a canonical id", func() {
		err := s.store.Upsert(s.ctx, &models.ActorRecord{Actor: &ap.Actor{}})
		s.Require().ErrorIs(err, sentinel.ErrInvalidState)
	})
}

func (s *ActorStoreSuite) TestLocalLookups() {
	s.Run("finds local actors by username", func() {
		rec := s.newRecord("https://local.example/users/alice", "alice", true)
		s.Require().NoError(s.store.Upsert(s.ctx, rec))

		found, err := s.store.FindLocalByUsername(s.ctx, "alice")
		s.Require().NoError(err)
		s.Equal(rec.Actor.ID, found.Actor.ID)
	})

	s.Run("remote actors are not visible by username", func() {
		rec := s.newRecord("https://remote.example/users/carol", "carol", false)
		s.Require().NoError(s.store.Upsert(s.ctx, rec))

		_, err := s.store.FindLocalByUsername(s.ctx, "carol")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("counts only local actors", func() {
		s.store = NewInMemory()
		s.Require().NoError(s.store.Upsert(s.ctx, s.newRecord("https://local.example/users/x", "x", true)))
		s.Require().NoError(s.store.Upsert(s.ctx, s.newRecord("https://remote.example/users/y", "y", false)))

		n, err := s.store.CountLocal(s.ctx)
		s.Require().NoError(err)
		s.Equal(1, n)
	})
}
