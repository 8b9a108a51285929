package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/suite"

	"fedgate/internal/ap"
	"fedgate/internal/delivery/breaker"
	"fedgate/internal/keys"
	keypairStore "fedgate/internal/resolver/store/keypair"
	"fedgate/pkg/federrors"
)

const localDomain = "local.example"
const senderID = "https://local.example/users/sender"

type fakeResolver struct {
	actors      map[string]*ap.Actor
	collections map[string][]string
}

func (f *fakeResolver) ResolveActor(_ context.Context, id string) (*ap.Actor, error) {
	actor, ok := f.actors[id]
	if !ok {
		return nil, federrors.Newf(federrors.CodeResolutionFailed, "no such actor %s", id)
	}
	return actor, nil
}

func (f *fakeResolver) CollectItems(_ context.Context, iri string, limit int) ([]ap.Ref, error) {
	ids, ok := f.collections[iri]
	if !ok {
		return nil, federrors.Newf(federrors.CodeResolutionFailed, "no collection at %s", iri)
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	refs := make([]ap.Ref, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, *ap.NewRef(id))
	}
	return refs, nil
}

func remoteActor(id, inbox, sharedInbox string) *ap.Actor {
	a := &ap.Actor{
		Object: ap.Object{ID: id, Type: "Person"},
		Inbox:  inbox,
		PublicKey: &ap.PublicKey{
			ID:           id + "#main-key",
			Owner:        id,
			PublicKeyPem: "pem",
		},
	}
	if sharedInbox != "" {
		a.Endpoints = &ap.Endpoints{SharedInbox: sharedInbox}
	}
	return a
}

type DeliverySuite struct {
	suite.Suite
	resolver *fakeResolver
	keypairs *keypairStore.InMemory
	sender   *keys.Keypair
}

func TestDeliverySuite(t *testing.T) {
	suite.Run(t, new(DeliverySuite))
}

func (s *DeliverySuite) SetupSuite() {
	var err error
	s.sender, err = keys.Generate(senderID)
	s.Require().NoError(err)
}

func (s *DeliverySuite) SetupTest() {
	s.resolver = &fakeResolver{
		actors:      make(map[string]*ap.Actor),
		collections: make(map[string][]string),
	}
	s.keypairs = keypairStore.NewInMemory()
	s.Require().NoError(s.keypairs.Save(context.Background(), s.sender))
}

func (s *DeliverySuite) newService(opts ...Option) *Service {
	base := []Option{WithRetryPolicy(3, time.Millisecond)}
	return New(s.resolver, s.keypairs, resty.New(), localDomain, append(base, opts...)...)
}

func (s *DeliverySuite) activityTo(to ...string) *ap.Activity {
	return &ap.Activity{
		Object: ap.Object{
			ID:   "https://local.example/activities/1",
			Type: "Create",
			To:   ap.NewStringList(to...),
		},
		Actor: ap.NewRef(senderID),
	}
}

func (s *DeliverySuite) TestRecipientsFor() {
	ctx := context.Background()

	s.Run("prefers the shared inbox and collapses co-located actors", func() {
		a := "https://one.example/users/a"
		b := "https://one.example/users/b"
		s.resolver.actors[a] = remoteActor(a, a+"/inbox", "https://one.example/inbox")
		s.resolver.actors[b] = remoteActor(b, b+"/inbox", "https://one.example/inbox")

		rcpts, err := s.newService().RecipientsFor(ctx, s.activityTo(a, b))
		s.Require().NoError(err)
		s.Require().Len(rcpts, 1)
		s.Equal("https://one.example/inbox", rcpts[0].Endpoint)
		s.True(rcpts[0].Shared)
	})

	s.Run("falls back to the personal inbox without endpoints", func() {
		a := "https://two.example/users/a"
		s.resolver.actors[a] = remoteActor(a, a+"/inbox", "")

		rcpts, err := s.newService().RecipientsFor(ctx, s.activityTo(a))
		s.Require().NoError(err)
		s.Require().Len(rcpts, 1)
		s.Equal(a+"/inbox", rcpts[0].Endpoint)
		s.False(rcpts[0].Shared)
	})

	s.Run("an unresolvable recipient degrades the set, not the call", func() {
		a := "https://three.example/users/a"
		s.resolver.actors[a] = remoteActor(a, a+"/inbox", "")

		rcpts, err := s.newService().RecipientsFor(ctx, s.activityTo(a, "https://gone.example/users/x"))
		s.Require().NoError(err)
		s.Len(rcpts, 1)
	})

	s.Run("the public collection and local actors are not destinations", func() {
		act := s.activityTo(ap.PublicAudience, "https://local.example/users/friend")

		rcpts, err := s.newService().RecipientsFor(ctx, act)
		s.Require().NoError(err)
		s.Empty(rcpts)
	})

	s.Run("an addressed collection expands into its member inboxes", func() {
		coll := "https://five.example/users/e/followers"
		a := "https://five.example/users/a"
		b := "https://six.example/users/b"
		s.resolver.collections[coll] = []string{a, b, "https://local.example/users/me"}
		s.resolver.actors[a] = remoteActor(a, a+"/inbox", "")
		s.resolver.actors[b] = remoteActor(b, b+"/inbox", "")

		rcpts, err := s.newService().RecipientsFor(ctx, s.activityTo(coll))
		s.Require().NoError(err)
		s.Require().Len(rcpts, 2, "remote members deliver, the local member does not")
		s.Equal(a+"/inbox", rcpts[0].Endpoint)
		s.Equal(b+"/inbox", rcpts[1].Endpoint)
	})

	s.Run("mentioned actors are addressed", func() {
		a := "https://four.example/users/a"
		s.resolver.actors[a] = remoteActor(a, a+"/inbox", "")

		act := s.activityTo()
		act.Tag = []ap.Ref{*ap.NewInlineRef([]byte(`{"type":"Mention","href":"` + a + `"}`))}

		rcpts, err := s.newService().RecipientsFor(ctx, act)
		s.Require().NoError(err)
		s.Len(rcpts, 1)
	})
}

func (s *DeliverySuite) TestDeliverSignsRequests() {
	ctx := context.Background()
	pub, err := s.sender.Public()
	s.Require().NoError(err)

	var verified atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if keys.VerifyDigest(r, body) == nil && keys.Verify(r, pub) == nil {
			verified.Store(true)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	report, err := s.newService().Deliver(ctx, s.activityTo(), []Recipient{
		{ActorID: "https://r.example/users/a", Endpoint: srv.URL + "/inbox", Domain: "r.example"},
	})
	s.Require().NoError(err)
	s.Equal(1, report.Delivered())
	s.True(verified.Load(), "receiving end must be able to verify the signature")
}

func (s *DeliverySuite) TestDeliverPartialFailure() {
	ctx := context.Background()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ok.Close()
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dead.Close()

	report, err := s.newService().Deliver(ctx, s.activityTo(), []Recipient{
		{Endpoint: ok.URL + "/a", Domain: "a.example"},
		{Endpoint: dead.URL + "/b", Domain: "b.example"},
		{Endpoint: ok.URL + "/c", Domain: "c.example"},
	})
	s.Require().NoError(err)
	s.Equal(2, report.Delivered())
	s.Equal(1, report.Failed())

	for _, res := range report.Results {
		if res.Succeeded() {
			continue
		}
		s.Equal(3, res.Attempts, "transient failures exhaust the retry budget")
		s.False(res.Permanent)
		s.True(federrors.HasCode(res.Err, federrors.CodeDeliveryFailed))
	}
}

func (s *DeliverySuite) TestDeliverRetriesTransientFailures() {
	ctx := context.Background()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	report, err := s.newService().Deliver(ctx, s.activityTo(), []Recipient{
		{Endpoint: srv.URL, Domain: "retry.example"},
	})
	s.Require().NoError(err)
	s.Equal(1, report.Delivered())
	s.Equal(2, report.Results[0].Attempts)
}

func (s *DeliverySuite) TestDeliverDoesNotRetryRejections() {
	ctx := context.Background()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	report, err := s.newService().Deliver(ctx, s.activityTo(), []Recipient{
		{Endpoint: srv.URL, Domain: "reject.example"},
	})
	s.Require().NoError(err)
	s.Equal(1, report.Failed())
	s.Equal(int64(1), calls.Load(), "4xx rejections are permanent, not retried")
	s.True(report.Results[0].Permanent)
}

func (s *DeliverySuite) TestDeliverRequiresPrivateKey() {
	ctx := context.Background()
	act := s.activityTo()
	act.Actor = ap.NewRef("https://local.example/users/keyless")

	_, err := s.newService().Deliver(ctx, act, nil)
	s.Error(err)
	s.True(federrors.HasCode(err, federrors.CodeInternal))
}

func (s *DeliverySuite) TestBreakerShortCircuitsDeadDomain() {
	ctx := context.Background()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := s.newService(
		WithRetryPolicy(1, time.Millisecond),
		WithBreakers(breaker.NewRegistry(breaker.WithFailureThreshold(1))),
	)
	rcpts := []Recipient{{Endpoint: srv.URL, Domain: "dead.example"}}

	report, err := svc.Deliver(ctx, s.activityTo(), rcpts)
	s.Require().NoError(err)
	s.Equal(1, report.Failed())
	first := calls.Load()

	report, err = svc.Deliver(ctx, s.activityTo(), rcpts)
	s.Require().NoError(err)
	s.Equal(1, report.Failed())
	s.True(report.Results[0].Permanent)
	s.Contains(report.Results[0].Err.Error(), "circuit open")
	s.Equal(first, calls.Load(), "an open breaker must not generate traffic")
}

func (s *DeliverySuite) TestBreakerRecoversOnceDomainIsHealthy() {
	ctx := context.Background()

	var healthy atomic.Bool
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		if healthy.Load() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := s.newService(
		WithRetryPolicy(1, time.Millisecond),
		WithBreakers(breaker.NewRegistry(
			breaker.WithFailureThreshold(1),
			breaker.WithSuccessThreshold(1),
			breaker.WithOpenTimeout(10*time.Millisecond),
		)),
	)
	rcpts := []Recipient{{Endpoint: srv.URL, Domain: "flaky.example"}}

	report, err := svc.Deliver(ctx, s.activityTo(), rcpts)
	s.Require().NoError(err)
	s.Equal(1, report.Failed())

	healthy.Store(true)
	report, err = svc.Deliver(ctx, s.activityTo(), rcpts)
	s.Require().NoError(err)
	s.Equal(1, report.Failed(), "still inside the open window")
	afterShortCircuit := calls.Load()

	time.Sleep(20 * time.Millisecond)

	// Window elapsed: the probe delivery goes out, succeeds, and closes
	// the breaker, so the domain is reachable again.
	report, err = svc.Deliver(ctx, s.activityTo(), rcpts)
	s.Require().NoError(err)
	s.Equal(1, report.Delivered())
	s.Greater(calls.Load(), afterShortCircuit)

	report, err = svc.Deliver(ctx, s.activityTo(), rcpts)
	s.Require().NoError(err)
	s.Equal(1, report.Delivered())
}
