// Package service fans an encoded activity out to remote inboxes.
//
// Each recipient is resolved to a physical inbox endpoint, preferring the
// owning instance's shared inbox, deduplicated, then delivered to
// independently: one dead recipient never blocks or fails the others.
package service

import (
	"bytes"
	"context"
	"crypto"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"fedgate/internal/ap"
	"fedgate/internal/delivery/breaker"
	"fedgate/internal/delivery/metrics"
	"fedgate/internal/keys"
	"fedgate/pkg/federrors"
)

const (
	activityContentType = `application/activity+json`

	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
	defaultParallelism = 8

	// maxCollectionRecipients caps how many members an addressed collection
	// may contribute. Remote collections are unbounded and untrusted.
	maxCollectionRecipients = 100
)

// Resolver supplies the actor lookups and collection expansion delivery needs.
type Resolver interface {
	ResolveActor(ctx context.Context, id string) (*ap.Actor, error)
	CollectItems(ctx context.Context, iri string, limit int) ([]ap.Ref, error)
}

// KeypairSource returns the signing key for a local actor.
type KeypairSource interface {
	FindByOwner(ctx context.Context, ownerID string) (*keys.Keypair, error)
}

// Recipient is one physical delivery destination.
type Recipient struct {
	ActorID  string
	Endpoint string
	Domain   string
	Shared   bool
}

// Result is the per-recipient outcome of one delivery.
type Result struct {
	Recipient  Recipient
	Attempts   int
	StatusCode int
	Permanent  bool
	Err        error
}

func (r *Result) Succeeded() bool { return r.Err == nil }

// Report aggregates per-recipient outcomes. Partial failure is reported
// here, never escalated to a batch-level error.
type Report struct {
	ActivityID string
	Results    []Result
}

// Delivered counts recipients that accepted the activity.
func (r *Report) Delivered() int {
	n := 0
	for i := range r.Results {
		if r.Results[i].Succeeded() {
			n++
		}
	}
	return n
}

// Failed counts recipients whose delivery exhausted retries or failed permanently.
func (r *Report) Failed() int {
	return len(r.Results) - r.Delivered()
}

// Service signs and dispatches activities.
type Service struct {
	resolver Resolver
	keypairs KeypairSource
	http     *resty.Client
	breakers *breaker.Registry

	localDomain string
	maxAttempts int
	backoffBase time.Duration
	parallelism int

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

// WithRetryPolicy bounds the per-recipient attempt count and sets the base
// of the exponential backoff between attempts.
func WithRetryPolicy(maxAttempts int, backoffBase time.Duration) Option {
	return func(s *Service) {
		s.maxAttempts = maxAttempts
		s.backoffBase = backoffBase
	}
}

// WithParallelism caps concurrent in-flight deliveries.
func WithParallelism(n int) Option {
	return func(s *Service) {
		s.parallelism = n
	}
}

// WithBreakers installs a per-domain circuit breaker registry.
func WithBreakers(r *breaker.Registry) Option {
	return func(s *Service) {
		s.breakers = r
	}
}

// New constructs a delivery Service. httpClient is shared with the resolver
// in production; localDomain suppresses network deliveries to our own actors.
func New(resolver Resolver, keypairs KeypairSource, httpClient *resty.Client, localDomain string, opts ...Option) *Service {
	s := &Service{
		resolver:    resolver,
		keypairs:    keypairs,
		http:        httpClient,
		localDomain: localDomain,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		parallelism: defaultParallelism,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecipientsFor resolves the activity's addressed actors into a deduplicated
// set of physical inbox endpoints. An actor advertising a shared inbox is
// delivered to there, so two actors on one instance collapse into a single
// endpoint. An addressed identifier that turns out to be a collection is
// expanded one level into its member actors. A recipient that fails to
// resolve is skipped with a log line; it degrades the recipient set rather
// than aborting the delivery.
func (s *Service) RecipientsFor(ctx context.Context, act *ap.Activity) ([]Recipient, error) {
	if act == nil {
		return nil, federrors.New(federrors.CodeBadRequest, "nil activity")
	}

	ids := act.Audience()
	ids = append(ids, act.Mentions()...)
	if act.Target != nil && act.Target.IRI() != "" {
		ids = append(ids, act.Target.IRI())
	}

	var (
		out  []Recipient
		seen = make(map[string]struct{})
	)
	addrSeen := make(map[string]struct{})
	for _, id := range ids {
		if _, dup := addrSeen[id]; dup {
			continue
		}
		addrSeen[id] = struct{}{}

		if domainOf(id) == s.localDomain {
			continue
		}

		actor, err := s.resolver.ResolveActor(ctx, id)
		if err != nil {
			// The identifier may name a collection rather than an actor.
			// Members expand one level; a member that is itself a
			// collection does not expand further.
			if members, ok := s.expandCollection(ctx, id); ok {
				for _, member := range members {
					s.addRecipient(&out, seen, member)
				}
				continue
			}
			s.log().WarnContext(ctx, "skipping unresolvable recipient", "actor", id, "error", err)
			continue
		}
		s.addRecipient(&out, seen, actor)
	}
	return out, nil
}

// expandCollection tries to read an addressed identifier as a collection of
// member actors. ok is false when the document is not a readable collection.
func (s *Service) expandCollection(ctx context.Context, iri string) ([]*ap.Actor, bool) {
	refs, err := s.resolver.CollectItems(ctx, iri, maxCollectionRecipients)
	if err != nil {
		return nil, false
	}
	var members []*ap.Actor
	for i := range refs {
		id := refs[i].IRI()
		if id == "" || domainOf(id) == s.localDomain {
			continue
		}
		actor, err := s.resolver.ResolveActor(ctx, id)
		if err != nil {
			s.log().WarnContext(ctx, "skipping unresolvable collection member", "collection", iri, "actor", id, "error", err)
			continue
		}
		members = append(members, actor)
	}
	return members, true
}

func (s *Service) addRecipient(out *[]Recipient, seen map[string]struct{}, actor *ap.Actor) {
	r := Recipient{ActorID: actor.ID, Endpoint: actor.Inbox, Domain: actor.Domain()}
	if shared := actor.SharedInbox(); shared != "" {
		r.Endpoint = shared
		r.Shared = true
	}
	if _, dup := seen[r.Endpoint]; dup {
		return
	}
	seen[r.Endpoint] = struct{}{}
	*out = append(*out, r)
}

// Deliver signs one request per recipient with the sending actor's key and
// dispatches them in parallel. The returned Report carries every
// per-recipient outcome; the error return is reserved for failures that
// prevent delivery entirely, such as a missing signing key.
func (s *Service) Deliver(ctx context.Context, act *ap.Activity, recipients []Recipient) (*Report, error) {
	if act == nil || act.Actor == nil || act.Actor.IRI() == "" {
		return nil, federrors.New(federrors.CodeBadRequest, "activity has no actor")
	}

	body, err := ap.Encode(act)
	if err != nil {
		return nil, federrors.Wrap(err, federrors.CodeInternal, "encode activity")
	}

	kp, err := s.keypairs.FindByOwner(ctx, act.Actor.IRI())
	if err != nil {
		return nil, federrors.Wrap(err, federrors.CodeInternal, "no keypair for "+act.Actor.IRI())
	}
	if !kp.HasPrivate() {
		return nil, federrors.New(federrors.CodeInternal, "keypair for "+act.Actor.IRI()+" has no private half")
	}
	priv, err := kp.Private()
	if err != nil {
		return nil, federrors.Wrap(err, federrors.CodeInternal, "parse private key")
	}

	report := &Report{ActivityID: act.ID, Results: make([]Result, len(recipients))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, rcpt := range recipients {
		g.Go(func() error {
			res := s.deliverOne(gctx, kp.KeyID, priv, body, rcpt)
			mu.Lock()
			report.Results[i] = res
			mu.Unlock()
			// Per-recipient failures stay in the report; returning them
			// here would cancel the sibling deliveries.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

// deliverOne runs the bounded retry loop for a single endpoint.
func (s *Service) deliverOne(ctx context.Context, keyID string, priv crypto.PrivateKey, body []byte, rcpt Recipient) Result {
	start := time.Now()
	defer s.observeDelivery(start)

	res := Result{Recipient: rcpt}
	br := s.breakerFor(rcpt.Domain)
	if br != nil && !br.Allow() {
		res.Permanent = true
		res.Err = federrors.New(federrors.CodeDeliveryFailed, "circuit open for "+rcpt.Domain)
		s.incrementFailure()
		return res
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		res.Attempts = attempt
		status, err := s.post(ctx, keyID, priv, body, rcpt.Endpoint)
		res.StatusCode = status

		if err == nil && status >= http.StatusOK && status < http.StatusMultipleChoices {
			res.Err = nil
			if br != nil {
				br.RecordSuccess()
			}
			s.incrementDelivered()
			return res
		}

		permanent := err == nil && status >= 400 && status < 500
		if permanent {
			res.Permanent = true
			res.Err = federrors.Newf(federrors.CodeDeliveryFailed, "recipient %s rejected activity: status %d", rcpt.Endpoint, status)
			break
		}

		if err != nil {
			res.Err = federrors.Wrap(err, federrors.CodeDeliveryFailed, "post "+rcpt.Endpoint)
		} else {
			res.Err = federrors.Newf(federrors.CodeDeliveryFailed, "post %s: status %d", rcpt.Endpoint, status)
		}

		if attempt == s.maxAttempts {
			break
		}
		s.incrementRetry()
		select {
		case <-time.After(s.backoffBase << (attempt - 1)):
		case <-ctx.Done():
			res.Err = federrors.Wrap(ctx.Err(), federrors.CodeDeliveryFailed, "delivery abandoned")
			s.incrementFailure()
			return res
		}
	}

	if br != nil && br.RecordFailure() {
		s.incrementBreakerOpen()
		s.log().WarnContext(ctx, "circuit opened for domain", "domain", rcpt.Domain)
	}
	s.incrementFailure()
	return res
}

// post sends one signed attempt. The request is built and signed by hand so
// the signature covers the exact date, host, and digest headers on the wire,
// then executed on the shared resty transport.
func (s *Service) post(ctx context.Context, keyID string, priv crypto.PrivateKey, body []byte, endpoint string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", activityContentType)
	if err := keys.Sign(req, keyID, priv, body); err != nil {
		return 0, err
	}

	resp, err := s.http.GetClient().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (s *Service) breakerFor(domain string) *breaker.Breaker {
	if s.breakers == nil {
		return nil
	}
	return s.breakers.For(domain)
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

func (s *Service) incrementDelivered() {
	if s.metrics != nil {
		s.metrics.Deliveries.Inc()
	}
}

func (s *Service) incrementFailure() {
	if s.metrics != nil {
		s.metrics.DeliveryFailures.Inc()
	}
}

func (s *Service) incrementRetry() {
	if s.metrics != nil {
		s.metrics.Retries.Inc()
	}
}

func (s *Service) incrementBreakerOpen() {
	if s.metrics != nil {
		s.metrics.BreakerOpens.Inc()
	}
}

func (s *Service) observeDelivery(start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveDelivery(start)
	}
}
