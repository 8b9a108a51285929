//go:build integration

package failure_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"fedgate/internal/resolver/store/failure"
	"fedgate/pkg/sentinel"
	"fedgate/pkg/testutil/containers"
)

type RedisFailureCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *failure.RedisCache
}

func TestRedisFailureCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisFailureCacheSuite))
}

func (s *RedisFailureCacheSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = failure.NewRedis(s.redis.Client)
}

func (s *RedisFailureCacheSuite) TearDownSuite() {
	_ = s.redis.Client.Close()
	_ = s.redis.Container.Terminate(context.Background())
}

func (s *RedisFailureCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisFailureCacheSuite) TestRecordAndGet() {
	ctx := context.Background()
	iri := "https://dead.example/users/a"

	s.Require().NoError(s.store.Record(ctx, iri, "status 503", time.Minute))

	f, err := s.store.Get(ctx, iri)
	s.Require().NoError(err)
	s.Equal(iri, f.IRI)
	s.Equal("status 503", f.Cause)
}

func (s *RedisFailureCacheSuite) TestEntryExpiresWithWindow() {
	ctx := context.Background()
	iri := "https://flaky.example/users/a"

	s.Require().NoError(s.store.Record(ctx, iri, "timeout", time.Second))

	_, err := s.store.Get(ctx, iri)
	s.Require().NoError(err)

	s.Eventually(func() bool {
		_, err := s.store.Get(ctx, iri)
		return err != nil
	}, 5*time.Second, 100*time.Millisecond, "the TTL must retire the failure")
}

func (s *RedisFailureCacheSuite) TestClear() {
	ctx := context.Background()
	iri := "https://recovered.example/users/a"

	s.Require().NoError(s.store.Record(ctx, iri, "status 500", time.Hour))
	s.Require().NoError(s.store.Clear(ctx, iri))

	_, err := s.store.Get(ctx, iri)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}
