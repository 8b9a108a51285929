// Package httptransport exposes the federation surface over HTTP: discovery,
// actor documents, and the signed inbox endpoints. Handlers stay thin and
// delegate verification and resolution to the domain services.
package httptransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"fedgate/internal/ap"
	"fedgate/internal/keys"
	"fedgate/internal/resolver/models"
	"fedgate/pkg/federrors"
	"fedgate/pkg/httputil"
	"fedgate/pkg/sentinel"
)

// maxInboxBody caps inbound activity documents. Anything larger is hostile.
const maxInboxBody = 1 << 20

// ActorSource serves local actor documents for discovery endpoints.
type ActorSource interface {
	FindLocalByUsername(ctx context.Context, username string) (*models.ActorRecord, error)
	CountLocal(ctx context.Context) (int, error)
}

// KeySource returns the verified public key for an inbound signature's key id.
type KeySource interface {
	PublicKeyFor(ctx context.Context, keyID string) (*keys.Keypair, error)
}

// Sink receives activities that passed signature verification. What happens
// to them afterwards is application logic outside the federation core.
type Sink interface {
	Accept(ctx context.Context, actor string, act *ap.Activity) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, actor string, act *ap.Activity) error

func (f SinkFunc) Accept(ctx context.Context, actor string, act *ap.Activity) error {
	return f(ctx, actor, act)
}

// Handler wires the federation endpoints to their services.
type Handler struct {
	domain string
	actors ActorSource
	keySrc KeySource
	sink   Sink
	logger *slog.Logger
}

// New constructs the federation handler for a local domain.
func New(domain string, actors ActorSource, keySrc KeySource, sink Sink, logger *slog.Logger) *Handler {
	return &Handler{
		domain: domain,
		actors: actors,
		keySrc: keySrc,
		sink:   sink,
		logger: logger,
	}
}

// Register mounts the federation endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/.well-known/webfinger", h.HandleWebfinger)
	r.Get("/users/{name}", h.HandleActor)
	r.Post("/users/{name}/inbox", h.HandleInbox)
	r.Post("/inbox", h.HandleInbox)
}

// HandleWebfinger handles GET /.well-known/webfinger for local actors.
func (h *Handler) HandleWebfinger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resource := r.URL.Query().Get("resource")
	handle, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		httputil.WriteError(w, federrors.New(federrors.CodeBadRequest, "resource must be an acct: URI"))
		return
	}
	username, domain, ok := strings.Cut(strings.TrimPrefix(handle, "@"), "@")
	if !ok || domain != h.domain {
		httputil.WriteError(w, federrors.New(federrors.CodeNotFound, "unknown resource domain"))
		return
	}

	rec, err := h.actors.FindLocalByUsername(ctx, username)
	if err != nil {
		if sentinelNotFound(err) {
			httputil.WriteError(w, federrors.New(federrors.CodeNotFound, "no such user"))
			return
		}
		httputil.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"subject": fmt.Sprintf("acct:%s@%s", username, h.domain),
		"aliases": []string{rec.Actor.ID},
		"links": []map[string]string{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": rec.Actor.ID,
			},
		},
	})
}

// HandleActor handles GET /users/{name}, serving the stored actor document
// byte for byte so published signatures over it stay stable.
func (h *Handler) HandleActor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	rec, err := h.actors.FindLocalByUsername(ctx, name)
	if err != nil {
		if sentinelNotFound(err) {
			httputil.WriteError(w, federrors.New(federrors.CodeNotFound, "no such user"))
			return
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteActivityJSON(w, http.StatusOK, rec.Raw)
}

// HandleInbox handles POST /inbox and POST /users/{name}/inbox. The claimed
// signing key is resolved through the resolver cache, never taken from the
// request body; a failed verification rejects the activity entirely.
func (h *Handler) HandleInbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBody))
	if err != nil {
		httputil.WriteError(w, federrors.New(federrors.CodeBadRequest, "unreadable body"))
		return
	}

	keyID, err := keys.KeyID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	kp, err := h.keySrc.PublicKeyFor(ctx, keyID)
	if err != nil {
		h.logger.WarnContext(ctx, "inbox signature key unresolvable",
			"key_id", keyID,
			"error", err,
		)
		httputil.WriteError(w, federrors.Wrap(err, federrors.CodeSignatureInvalid, "cannot resolve signing key"))
		return
	}
	pub, err := kp.Public()
	if err != nil {
		httputil.WriteError(w, federrors.Wrap(err, federrors.CodeSignatureInvalid, "stored key unusable"))
		return
	}
	if err := keys.Verify(r, pub); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := keys.VerifyDigest(r, body); err != nil {
		httputil.WriteError(w, err)
		return
	}

	obj, err := ap.DecodeObject(body)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	act, ok := obj.(*ap.Activity)
	if !ok {
		httputil.WriteError(w, federrors.Newf(federrors.CodeBadRequest, "inbox expects an activity, got %s", obj.Base().Type))
		return
	}

	// The signer must be the actor the activity claims, otherwise any
	// authenticated server could speak for anyone.
	if act.Actor == nil || act.Actor.IRI() != kp.OwnerID {
		httputil.WriteError(w, federrors.New(federrors.CodeSignatureInvalid, "activity actor does not match signing key owner"))
		return
	}

	if err := h.sink.Accept(ctx, kp.OwnerID, act); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "activity accepted",
		"actor", kp.OwnerID,
		"type", act.Type,
		"activity_id", act.ID,
	)
	w.WriteHeader(http.StatusAccepted)
}

func sentinelNotFound(err error) bool {
	return errors.Is(err, sentinel.ErrNotFound)
}
