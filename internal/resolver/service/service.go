// Package service resolves remote identifiers into verified local records.
//
// Resolution is cached in the actor store and deduplicated so that N
// concurrent callers asking for the same identifier trigger exactly one
// network fetch. Failures are cached with a retry window instead of being
// retried on every call.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"fedgate/internal/ap"
	"fedgate/internal/keys"
	"fedgate/internal/resolver/metrics"
	"fedgate/internal/resolver/models"
	"fedgate/pkg/federrors"
	"fedgate/pkg/sentinel"
)

// fetchTimeout bounds each detached fetch independently of the caller's
// context, which may already be gone by the time the flight finishes.
const defaultFetchTimeout = 15 * time.Second

// defaultPageLimit bounds CollectionPage traversal. Remote servers are not
// trusted to terminate next chains.
const defaultPageLimit = 32

type ActorStore interface {
	Upsert(ctx context.Context, rec *models.ActorRecord) error
	FindByIRI(ctx context.Context, iri string) (*models.ActorRecord, error)
	FindLocalByUsername(ctx context.Context, username string) (*models.ActorRecord, error)
}

type InstanceStore interface {
	GetOrCreate(ctx context.Context, domain, sharedInbox string) (*models.Instance, error)
	FindByDomain(ctx context.Context, domain string) (*models.Instance, error)
}

type KeypairStore interface {
	Save(ctx context.Context, kp *keys.Keypair) error
	FindByOwner(ctx context.Context, ownerID string) (*keys.Keypair, error)
	FindByKeyID(ctx context.Context, keyID string) (*keys.Keypair, error)
}

type FailureCache interface {
	Record(ctx context.Context, iri, cause string, retryAfter time.Duration) error
	Get(ctx context.Context, iri string) (*models.Failure, error)
	Clear(ctx context.Context, iri string) error
}

// Fetcher retrieves remote documents. *Client satisfies it; tests substitute
// a fake to count fetches.
type Fetcher interface {
	Fetch(ctx context.Context, iri string) ([]byte, error)
	FetchJSON(ctx context.Context, url string, out any) error
}

// Service resolves actors, objects, and instances.
type Service struct {
	actors    ActorStore
	instances InstanceStore
	keypairs  KeypairStore
	failures  FailureCache
	fetcher   Fetcher

	localDomain  string
	retryAfter   time.Duration
	fetchTimeout time.Duration
	pageLimit    int

	flight  singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRetryAfter sets the backoff window cached alongside failed resolutions.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Service) {
		s.retryAfter = d
	}
}

// WithFetchTimeout bounds each detached network fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.fetchTimeout = d
	}
}

// WithPageLimit caps how many CollectionPage hops one traversal may follow.
func WithPageLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageLimit = n
		}
	}
}

// New constructs a Service. localDomain is this server's own domain; lookups
// for local identifiers fall back to the actor store when a fetch fails.
func New(actors ActorStore, instances InstanceStore, keypairs KeypairStore, failures FailureCache, fetcher Fetcher, localDomain string, opts ...Option) *Service {
	s := &Service{
		actors:       actors,
		instances:    instances,
		keypairs:     keypairs,
		failures:     failures,
		fetcher:      fetcher,
		localDomain:  localDomain,
		retryAfter:   10 * time.Minute,
		fetchTimeout: defaultFetchTimeout,
		pageLimit:    defaultPageLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveActor returns the actor behind an identifier, fetching and caching
// it on first sight. Concurrent calls for the same identifier share one
// fetch; the caller abandoning ctx does not cancel a shared in-flight fetch.
func (s *Service) ResolveActor(ctx context.Context, id string) (*ap.Actor, error) {
	start := time.Now()
	defer s.observeResolve(start)

	if rec, err := s.actors.FindByIRI(ctx, id); err == nil {
		s.incrementCacheHit()
		return rec.Actor, nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, federrors.Wrap(err, federrors.CodeInternal, "load cached actor")
	}

	if f, err := s.failures.Get(ctx, id); err == nil {
		return nil, federrors.Newf(federrors.CodeResolutionFailed, "resolution of %s failed recently: %s", id, f.Cause)
	}

	v, err, shared := s.flight.Do(id, func() (any, error) {
		// Detached from the initiating caller so abandonment does not
		// cancel the fetch for everyone sharing this flight.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetchActor(fctx, id)
	})
	if shared {
		s.incrementSharedFlight()
	}
	if err != nil {
		if actor, ok := s.localFallback(ctx, id); ok {
			return actor, nil
		}
		return nil, err
	}
	return v.(*ap.Actor), nil
}

// fetchActor performs the single network fetch for an identifier and owns
// every cache transition that results from it.
func (s *Service) fetchActor(ctx context.Context, id string) (*ap.Actor, error) {
	s.incrementFetch()

	raw, err := s.fetcher.Fetch(ctx, id)
	if err != nil {
		return nil, s.recordFailure(ctx, id, err)
	}

	obj, err := ap.DecodeObject(raw)
	if err != nil {
		return nil, s.recordFailure(ctx, id, federrors.Wrap(err, federrors.CodeResolutionFailed, "decode actor document"))
	}
	actor, ok := obj.(*ap.Actor)
	if !ok {
		return nil, s.recordFailure(ctx, id, federrors.Newf(federrors.CodeResolutionFailed, "document at %s is %s, not an actor", id, obj.Base().Type))
	}
	if !actor.Usable() {
		return nil, s.recordFailure(ctx, id, federrors.Newf(federrors.CodeResolutionFailed, "actor %s lacks id, inbox, or a usable public key", id))
	}

	if err := s.persistActor(ctx, actor, raw); err != nil {
		return nil, err
	}
	if err := s.failures.Clear(ctx, id); err != nil {
		s.log().WarnContext(ctx, "failed to clear resolution failure", "iri", id, "error", err)
	}
	return actor, nil
}

func (s *Service) persistActor(ctx context.Context, actor *ap.Actor, raw []byte) error {
	rec := &models.ActorRecord{
		Actor:     actor,
		Raw:       raw,
		Local:     actor.Domain() == s.localDomain,
		FetchedAt: time.Now().UTC(),
	}
	if err := s.actors.Upsert(ctx, rec); err != nil {
		return federrors.Wrap(err, federrors.CodeInternal, "persist actor")
	}

	kp := &keys.Keypair{
		OwnerID:   actor.ID,
		KeyID:     actor.PublicKey.ID,
		PublicPEM: []byte(actor.PublicKey.PublicKeyPem),
		CreatedAt: rec.FetchedAt,
	}
	if err := s.keypairs.Save(ctx, kp); err != nil {
		return federrors.Wrap(err, federrors.CodeInternal, "persist actor key")
	}

	if _, err := s.instances.GetOrCreate(ctx, actor.Domain(), actor.SharedInbox()); err != nil {
		return federrors.Wrap(err, federrors.CodeInternal, "persist instance")
	}
	return nil
}

func (s *Service) recordFailure(ctx context.Context, id string, cause error) error {
	s.incrementFetchFailure()
	if err := s.failures.Record(ctx, id, cause.Error(), s.retryAfter); err != nil {
		s.log().WarnContext(ctx, "failed to cache resolution failure", "iri", id, "error", err)
	}
	if federrors.HasCode(cause, federrors.CodeResolutionFailed) {
		return cause
	}
	return federrors.Wrap(cause, federrors.CodeResolutionFailed, "resolve "+id)
}

// localFallback serves identifiers on our own domain from the local store
// when a loopback fetch fails, so a half-configured reverse proxy cannot
// make the server forget its own actors.
func (s *Service) localFallback(ctx context.Context, id string) (*ap.Actor, bool) {
	if domainOf(id) != s.localDomain {
		return nil, false
	}
	rec, err := s.actors.FindByIRI(ctx, id)
	if err != nil {
		return nil, false
	}
	s.log().InfoContext(ctx, "served local actor after failed self-fetch", "iri", id)
	return rec.Actor, true
}

// ResolveHandle resolves a "user@domain" handle through webfinger discovery
// and then resolves the discovered actor identifier.
func (s *Service) ResolveHandle(ctx context.Context, handle string) (*ap.Actor, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	_, domain, ok := strings.Cut(handle, "@")
	if !ok || domain == "" {
		return nil, federrors.Newf(federrors.CodeBadRequest, "handle %q is not user@domain", handle)
	}

	var wf WebfingerResponse
	if err := s.fetcher.FetchJSON(ctx, webfingerURL(domain, handle), &wf); err != nil {
		return nil, err
	}
	iri := wf.ActorIRI()
	if iri == "" {
		return nil, federrors.Newf(federrors.CodeResolutionFailed, "webfinger for %s has no self link", handle)
	}
	return s.ResolveActor(ctx, iri)
}

// ResolveInstanceForActor returns the instance owning an actor, creating the
// record on first sight. Repeated calls for the same domain return the same
// logical instance.
func (s *Service) ResolveInstanceForActor(ctx context.Context, actor *ap.Actor) (*models.Instance, error) {
	domain := actor.Domain()
	if domain == "" {
		return nil, federrors.New(federrors.CodeBadRequest, "actor has no parseable domain")
	}
	inst, err := s.instances.GetOrCreate(ctx, domain, actor.SharedInbox())
	if err != nil {
		return nil, federrors.Wrap(err, federrors.CodeInternal, "get or create instance")
	}
	return inst, nil
}

// ResolveObject materializes a reference: inline documents decode in place,
// bare identifiers are fetched. Objects are not cached; only actors are.
func (s *Service) ResolveObject(ctx context.Context, ref *ap.Ref) (ap.Objecter, error) {
	if ref == nil {
		return nil, federrors.New(federrors.CodeBadRequest, "nil reference")
	}
	if ref.Inline() {
		return ref.Object()
	}
	raw, err := s.fetcher.Fetch(ctx, ref.IRI())
	if err != nil {
		return nil, err
	}
	obj, err := ap.DecodeObject(raw)
	if err != nil {
		return nil, federrors.Wrap(err, federrors.CodeResolutionFailed, "decode "+ref.IRI())
	}
	return obj, nil
}

// CollectItems walks a Collection or OrderedCollection at iri, following
// first/next page links, and returns up to limit item references. Traversal
// is bounded in depth and detects cycles; remote paging is untrusted.
func (s *Service) CollectItems(ctx context.Context, iri string, limit int) ([]ap.Ref, error) {
	raw, err := s.fetcher.Fetch(ctx, iri)
	if err != nil {
		return nil, err
	}
	obj, err := ap.DecodeObject(raw)
	if err != nil {
		return nil, federrors.Wrap(err, federrors.CodeResolutionFailed, "decode collection "+iri)
	}

	var items []ap.Ref
	var next *ap.Ref
	switch c := obj.(type) {
	case *ap.Collection:
		items = c.Items
		next = c.First
	case *ap.OrderedCollection:
		items = c.OrderedItems
		next = c.First
	case *ap.CollectionPage:
		items = c.PageItems()
		next = c.Next
	default:
		return nil, federrors.Newf(federrors.CodeResolutionFailed, "document at %s is %s, not a collection", iri, obj.Base().Type)
	}

	seen := map[string]bool{iri: true}
	for depth := 0; next != nil && len(items) < limit && depth < s.pageLimit; depth++ {
		page, err := s.fetchPage(ctx, next, seen)
		if err != nil {
			return nil, err
		}
		if page == nil {
			break
		}
		items = append(items, page.PageItems()...)
		next = page.Next
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// fetchPage loads one CollectionPage, inline or by fetch. A nil page with a
// nil error means the traversal hit a cycle and should stop.
func (s *Service) fetchPage(ctx context.Context, ref *ap.Ref, seen map[string]bool) (*ap.CollectionPage, error) {
	var (
		obj ap.Objecter
		err error
	)
	if ref.Inline() {
		obj, err = ref.Object()
	} else {
		id := ref.IRI()
		if seen[id] {
			return nil, nil
		}
		seen[id] = true
		var raw []byte
		raw, err = s.fetcher.Fetch(ctx, id)
		if err == nil {
			obj, err = ap.DecodeObject(raw)
		}
	}
	if err != nil {
		return nil, federrors.Wrap(err, federrors.CodeResolutionFailed, "fetch collection page")
	}
	page, ok := obj.(*ap.CollectionPage)
	if !ok {
		return nil, federrors.Newf(federrors.CodeResolutionFailed, "expected collection page, got %s", obj.Base().Type)
	}
	if page.ID != "" {
		if seen[page.ID] {
			return nil, nil
		}
		seen[page.ID] = true
	}
	return page, nil
}

// PublicKeyFor returns the stored public key for a key id, resolving the
// owning actor first if the key is unknown. The key always comes from a
// fetched and cached actor document, never from the request being verified.
// A key id the owner's current document no longer publishes fails the lookup.
func (s *Service) PublicKeyFor(ctx context.Context, keyID string) (*keys.Keypair, error) {
	ownerID := strings.SplitN(keyID, "#", 2)[0]
	if _, err := s.ResolveActor(ctx, ownerID); err != nil {
		return nil, err
	}
	kp, err := s.keypairs.FindByKeyID(ctx, keyID)
	if err != nil {
		return nil, federrors.Wrap(err, federrors.CodeSignatureInvalid, "no key for "+keyID)
	}
	return kp, nil
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func domainOf(iri string) string {
	u, err := url.Parse(iri)
	if err != nil {
		return ""
	}
	return u.Host
}

func (s *Service) incrementCacheHit() {
	if s.metrics != nil {
		s.metrics.CacheHits.Inc()
	}
}

func (s *Service) incrementFetch() {
	if s.metrics != nil {
		s.metrics.Fetches.Inc()
	}
}

func (s *Service) incrementFetchFailure() {
	if s.metrics != nil {
		s.metrics.FetchFailures.Inc()
	}
}

func (s *Service) incrementSharedFlight() {
	if s.metrics != nil {
		s.metrics.SharedFlights.Inc()
	}
}

func (s *Service) observeResolve(start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveResolve(start)
	}
}
