package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"fedgate/internal/ap"
	"fedgate/internal/resolver/models"
	actorStore "fedgate/internal/resolver/store/actor"
	failureStore "fedgate/internal/resolver/store/failure"
	instanceStore "fedgate/internal/resolver/store/instance"
	keypairStore "fedgate/internal/resolver/store/keypair"
	"fedgate/pkg/federrors"
)

const localDomain = "local.example"

// fakeFetcher serves canned documents and counts fetches so tests can assert
// the single-flight guarantee.
type fakeFetcher struct {
	mu      sync.Mutex
	docs    map[string][]byte
	errs    map[string]error
	delay   time.Duration
	fetches atomic.Int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		docs: make(map[string][]byte),
		errs: make(map[string]error),
	}
}

func (f *fakeFetcher) serve(iri string, doc []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[iri] = doc
}

func (f *fakeFetcher) fail(iri string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[iri] = err
}

func (f *fakeFetcher) Fetch(ctx context.Context, iri string) ([]byte, error) {
	f.fetches.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[iri]; ok {
		return nil, err
	}
	doc, ok := f.docs[iri]
	if !ok {
		return nil, federrors.Newf(federrors.CodeResolutionFailed, "fetch %s: status 404", iri)
	}
	return doc, nil
}

func (f *fakeFetcher) FetchJSON(ctx context.Context, url string, out any) error {
	raw, err := f.Fetch(ctx, url)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func actorDoc(id string, sharedInbox string) []byte {
	doc := map[string]any{
		"@context":          []string{ap.ActivityStreamsNS, ap.SecurityNS},
		"id":                id,
		"type":              "Person",
		"preferredUsername": "someone",
		"inbox":             id + "/inbox",
		"publicKey": map[string]string{
			"id":           id + "#main-key",
			"owner":        id,
			"publicKeyPem": "-----BEGIN PUBLIC KEY-----\nMFk\n-----END PUBLIC KEY-----\n",
		},
	}
	if sharedInbox != "" {
		doc["endpoints"] = map[string]string{"sharedInbox": sharedInbox}
	}
	raw, _ := json.Marshal(doc)
	return raw
}

type ResolverSuite struct {
	suite.Suite
	actors    *actorStore.InMemory
	instances *instanceStore.InMemory
	keypairs  *keypairStore.InMemory
	failures  *failureStore.InMemory
	fetcher   *fakeFetcher
	service   *Service
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

func (s *ResolverSuite) SetupTest() {
	s.actors = actorStore.NewInMemory()
	s.instances = instanceStore.NewInMemory()
	s.keypairs = keypairStore.NewInMemory()
	s.failures = failureStore.NewInMemory()
	s.fetcher = newFakeFetcher()
	s.service = New(s.actors, s.instances, s.keypairs, s.failures, s.fetcher, localDomain)
}

func (s *ResolverSuite) TestResolveActor() {
	ctx := context.Background()

	s.Run("fetches, validates, and persists an unseen actor", func() {
		id := "https://remote.example/users/alice"
		s.fetcher.serve(id, actorDoc(id, "https://remote.example/inbox"))

		actor, err := s.service.ResolveActor(ctx, id)
		s.Require().NoError(err)
		s.Equal(id, actor.ID)
		s.Equal(id+"/inbox", actor.Inbox)

		rec, err := s.actors.FindByIRI(ctx, id)
		s.Require().NoError(err)
		s.False(rec.Local)
		s.JSONEq(string(actorDoc(id, "https://remote.example/inbox")), string(rec.Raw))

		kp, err := s.keypairs.FindByOwner(ctx, id)
		s.Require().NoError(err)
		s.Equal(id+"#main-key", kp.KeyID)
		s.False(kp.HasPrivate())

		inst, err := s.instances.FindByDomain(ctx, "remote.example")
		s.Require().NoError(err)
		s.Equal("https://remote.example/inbox", inst.SharedInbox)
	})

	s.Run("serves a cached actor without fetching", func() {
		id := "https://remote.example/users/bob"
		s.fetcher.serve(id, actorDoc(id, ""))

		_, err := s.service.ResolveActor(ctx, id)
		s.Require().NoError(err)
		before := s.fetcher.fetches.Load()

		actor, err := s.service.ResolveActor(ctx, id)
		s.NoError(err)
		s.Equal(id, actor.ID)
		s.Equal(before, s.fetcher.fetches.Load())
	})

	s.Run("rejects a document that is not an actor", func() {
		id := "https://remote.example/notes/1"
		s.fetcher.serve(id, []byte(`{"id":"`+id+`","type":"Note"}`))

		_, err := s.service.ResolveActor(ctx, id)
		s.Error(err)
		s.True(federrors.HasCode(err, federrors.CodeResolutionFailed))
	})

	s.Run("rejects an actor without a usable public key", func() {
		id := "https://remote.example/users/keyless"
		doc := []byte(`{"id":"` + id + `","type":"Person","inbox":"` + id + `/inbox"}`)
		s.fetcher.serve(id, doc)

		_, err := s.service.ResolveActor(ctx, id)
		s.Error(err)
		s.True(federrors.HasCode(err, federrors.CodeResolutionFailed))
		s.Contains(err.Error(), "public key")
	})
}

func (s *ResolverSuite) TestResolveActorSingleFlight() {
	ctx := context.Background()
	id := "https://remote.example/users/popular"
	s.fetcher.serve(id, actorDoc(id, ""))
	s.fetcher.delay = 100 * time.Millisecond

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*ap.Actor, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.service.ResolveActor(ctx, id)
		}(i)
	}
	wg.Wait()

	s.Equal(int64(1), s.fetcher.fetches.Load(), "concurrent callers must share one fetch")
	for i := 0; i < callers; i++ {
		s.Require().NoError(errs[i])
		s.Equal(id, results[i].ID)
		s.Same(results[0], results[i], "all callers observe the same resolved actor")
	}
}

func (s *ResolverSuite) TestResolveActorAbandonedCallerDoesNotCancelFlight() {
	id := "https://remote.example/users/slow"
	s.fetcher.serve(id, actorDoc(id, ""))
	s.fetcher.delay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.service.ResolveActor(ctx, id)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	// The detached flight completes and populates the cache regardless of
	// the initiating caller's abandonment.
	s.Eventually(func() bool {
		_, err := s.actors.FindByIRI(context.Background(), id)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func (s *ResolverSuite) TestFailureCaching() {
	ctx := context.Background()

	s.Run("a failed resolution is cached and not refetched inside the window", func() {
		id := "https://gone.example/users/missing"

		_, err := s.service.ResolveActor(ctx, id)
		s.Require().Error(err)
		fetched := s.fetcher.fetches.Load()

		_, err = s.service.ResolveActor(ctx, id)
		s.Error(err)
		s.True(federrors.HasCode(err, federrors.CodeResolutionFailed))
		s.Contains(err.Error(), "failed recently")
		s.Equal(fetched, s.fetcher.fetches.Load())
	})

	s.Run("a failed identifier is retried after the window passes", func() {
		svc := New(s.actors, s.instances, s.keypairs, s.failures, s.fetcher, localDomain,
			WithRetryAfter(time.Millisecond))
		id := "https://flaky.example/users/late"

		_, err := svc.ResolveActor(ctx, id)
		s.Require().Error(err)

		time.Sleep(5 * time.Millisecond)
		s.fetcher.serve(id, actorDoc(id, ""))

		actor, err := svc.ResolveActor(ctx, id)
		s.NoError(err)
		s.Equal(id, actor.ID)
	})

	s.Run("a successful resolution clears the failure entry", func() {
		svc := New(s.actors, s.instances, s.keypairs, s.failures, s.fetcher, localDomain,
			WithRetryAfter(time.Millisecond))
		id := "https://flaky.example/users/recovered"

		_, err := svc.ResolveActor(ctx, id)
		s.Require().Error(err)

		time.Sleep(5 * time.Millisecond)
		s.fetcher.serve(id, actorDoc(id, ""))
		_, err = svc.ResolveActor(ctx, id)
		s.Require().NoError(err)

		_, err = s.failures.Get(ctx, id)
		s.Error(err)
	})
}

func (s *ResolverSuite) TestLocalFallback() {
	ctx := context.Background()
	id := fmt.Sprintf("https://%s/users/self", localDomain)

	raw := actorDoc(id, "")
	obj, err := ap.DecodeObject(raw)
	s.Require().NoError(err)
	s.Require().NoError(s.actors.Upsert(ctx, &models.ActorRecord{
		Actor:     obj.(*ap.Actor),
		Raw:       raw,
		Local:     true,
		FetchedAt: time.Now().UTC(),
	}))

	// The self-fetch fails, but the identifier is ours so the stored actor
	// is served instead.
	actor, err := s.service.ResolveActor(ctx, id)
	s.NoError(err)
	s.Equal(id, actor.ID)
}

func (s *ResolverSuite) TestResolveHandle() {
	ctx := context.Background()

	s.Run("discovers the actor behind a handle via webfinger", func() {
		id := "https://remote.example/users/carol"
		s.fetcher.serve(id, actorDoc(id, ""))
		wf, _ := json.Marshal(WebfingerResponse{
			Subject: "acct:carol@remote.example",
			Links: []WebfingerLink{
				{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: "https://remote.example/@carol"},
				{Rel: "self", Type: "application/activity+json", Href: id},
			},
		})
		s.fetcher.serve(webfingerURL("remote.example", "carol@remote.example"), wf)

		actor, err := s.service.ResolveHandle(ctx, "@carol@remote.example")
		s.Require().NoError(err)
		s.Equal(id, actor.ID)
	})

	s.Run("rejects a handle without a domain", func() {
		_, err := s.service.ResolveHandle(ctx, "carol")
		s.Error(err)
		s.True(federrors.HasCode(err, federrors.CodeBadRequest))
	})

	s.Run("fails when the webfinger document has no self link", func() {
		wf, _ := json.Marshal(WebfingerResponse{Subject: "acct:dave@remote.example"})
		s.fetcher.serve(webfingerURL("remote.example", "dave@remote.example"), wf)

		_, err := s.service.ResolveHandle(ctx, "dave@remote.example")
		s.Error(err)
		s.Contains(err.Error(), "no self link")
	})
}

func (s *ResolverSuite) TestResolveInstanceForActor() {
	ctx := context.Background()
	id := "https://remote.example/users/erin"
	s.fetcher.serve(id, actorDoc(id, "https://remote.example/inbox"))

	actor, err := s.service.ResolveActor(ctx, id)
	s.Require().NoError(err)

	first, err := s.service.ResolveInstanceForActor(ctx, actor)
	s.Require().NoError(err)
	second, err := s.service.ResolveInstanceForActor(ctx, actor)
	s.Require().NoError(err)
	s.Equal(first.Domain, second.Domain)
	s.Equal(first.FirstSeenAt, second.FirstSeenAt, "repeated calls return the same logical instance")
}

func (s *ResolverSuite) TestResolveObject() {
	ctx := context.Background()

	s.Run("inline references decode without fetching", func() {
		ref := ap.NewInlineRef([]byte(`{"id":"https://remote.example/notes/9","type":"Note","content":"hi"}`))
		before := s.fetcher.fetches.Load()

		obj, err := s.service.ResolveObject(ctx, ref)
		s.Require().NoError(err)
		s.Equal("Note", obj.Base().Type)
		s.Equal(before, s.fetcher.fetches.Load())
	})

	s.Run("bare identifiers are fetched", func() {
		iri := "https://remote.example/notes/10"
		s.fetcher.serve(iri, []byte(`{"id":"`+iri+`","type":"Note"}`))

		obj, err := s.service.ResolveObject(ctx, ap.NewRef(iri))
		s.Require().NoError(err)
		s.Equal(iri, obj.Base().ID)
	})
}

func (s *ResolverSuite) TestCollectItems() {
	ctx := context.Background()

	s.Run("walks pages up to the limit", func() {
		coll := "https://remote.example/users/frank/followers"
		page1 := coll + "?page=1"
		page2 := coll + "?page=2"
		s.fetcher.serve(coll, []byte(`{"id":"`+coll+`","type":"OrderedCollection","totalItems":3,"first":"`+page1+`"}`))
		s.fetcher.serve(page1, []byte(`{"id":"`+page1+`","type":"OrderedCollectionPage","orderedItems":["https://a.example/u/1","https://a.example/u/2"],"next":"`+page2+`"}`))
		s.fetcher.serve(page2, []byte(`{"id":"`+page2+`","type":"OrderedCollectionPage","orderedItems":["https://a.example/u/3"]}`))

		items, err := s.service.CollectItems(ctx, coll, 10)
		s.Require().NoError(err)
		s.Len(items, 3)
		s.Equal("https://a.example/u/1", items[0].IRI())
		s.Equal("https://a.example/u/3", items[2].IRI())
	})

	s.Run("stops at a page cycle instead of looping", func() {
		coll := "https://evil.example/loop"
		page := coll + "?page=1"
		s.fetcher.serve(coll, []byte(`{"id":"`+coll+`","type":"OrderedCollection","first":"`+page+`"}`))
		s.fetcher.serve(page, []byte(`{"id":"`+page+`","type":"OrderedCollectionPage","orderedItems":["https://a.example/u/1"],"next":"`+page+`"}`))

		items, err := s.service.CollectItems(ctx, coll, 100)
		s.Require().NoError(err)
		s.Len(items, 1)
	})

	s.Run("truncates at the requested limit", func() {
		coll := "https://remote.example/big"
		s.fetcher.serve(coll, []byte(`{"id":"`+coll+`","type":"Collection","items":["https://a.example/1","https://a.example/2","https://a.example/3"]}`))

		items, err := s.service.CollectItems(ctx, coll, 2)
		s.Require().NoError(err)
		s.Len(items, 2)
	})

	s.Run("stops following next links at the configured page limit", func() {
		svc := New(s.actors, s.instances, s.keypairs, s.failures, s.fetcher, localDomain, WithPageLimit(2))

		coll := "https://slow.example/endless"
		s.fetcher.serve(coll, []byte(`{"id":"`+coll+`","type":"OrderedCollection","first":"`+coll+`?page=1"}`))
		for i := 1; i <= 4; i++ {
			page := fmt.Sprintf("%s?page=%d", coll, i)
			next := fmt.Sprintf("%s?page=%d", coll, i+1)
			s.fetcher.serve(page, []byte(`{"id":"`+page+`","type":"OrderedCollectionPage","orderedItems":["https://a.example/u/`+fmt.Sprint(i)+`"],"next":"`+next+`"}`))
		}

		items, err := svc.CollectItems(ctx, coll, 100)
		s.Require().NoError(err)
		s.Len(items, 2, "one item per page, two pages allowed")
	})
}

func (s *ResolverSuite) TestPublicKeyFor() {
	ctx := context.Background()
	id := "https://remote.example/users/grace"
	s.fetcher.serve(id, actorDoc(id, ""))

	s.Run("resolves the owner and returns the published key", func() {
		kp, err := s.service.PublicKeyFor(ctx, id+"#main-key")
		s.Require().NoError(err)
		s.Equal(id, kp.OwnerID)
		s.Equal(id+"#main-key", kp.KeyID)
		s.NotEmpty(kp.PublicPEM)
	})

	s.Run("rejects a key id the owner no longer publishes", func() {
		_, err := s.service.PublicKeyFor(ctx, id+"#retired-key")
		s.Require().Error(err)
		s.True(federrors.HasCode(err, federrors.CodeSignatureInvalid))
	})
}
