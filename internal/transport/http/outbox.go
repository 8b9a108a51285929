package httptransport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fedgate/internal/ap"
	deliverysvc "fedgate/internal/delivery/service"
	"fedgate/pkg/federrors"
	"fedgate/pkg/httputil"
)

// Deliverer fans an activity out to its addressed recipients.
type Deliverer interface {
	RecipientsFor(ctx context.Context, act *ap.Activity) ([]deliverysvc.Recipient, error)
	Deliver(ctx context.Context, act *ap.Activity, recipients []deliverysvc.Recipient) (*deliverysvc.Report, error)
}

// OutboxHandler accepts locally authored activities and fans them out.
// Client authentication is the deployment's concern; this endpoint belongs
// behind a trusted gateway, not on the open internet.
type OutboxHandler struct {
	domain   string
	actors   ActorSource
	delivery Deliverer
	logger   *slog.Logger
}

func NewOutbox(domain string, actors ActorSource, delivery Deliverer, logger *slog.Logger) *OutboxHandler {
	return &OutboxHandler{
		domain:   domain,
		actors:   actors,
		delivery: delivery,
		logger:   logger,
	}
}

// Register mounts the outbox endpoint.
func (h *OutboxHandler) Register(r chi.Router) {
	r.Post("/users/{name}/outbox", h.HandleOutbox)
}

// HandleOutbox handles POST /users/{name}/outbox. The posted activity is
// stamped with the local actor and a fresh id, then delivered synchronously;
// the response reports per-recipient outcomes.
func (h *OutboxHandler) HandleOutbox(w http.ResponseWriter, r *http.Request) {
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

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBody))
	if err != nil {
		httputil.WriteError(w, federrors.New(federrors.CodeBadRequest, "unreadable body"))
		return
	}
	obj, err := ap.DecodeObject(body)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	act, ok := obj.(*ap.Activity)
	if !ok {
		httputil.WriteError(w, federrors.Newf(federrors.CodeBadRequest, "outbox expects an activity, got %s", obj.Base().Type))
		return
	}

	// The server, not the client, owns attribution and identity.
	act.Actor = ap.NewRef(rec.Actor.ID)
	if act.ID == "" {
		act.ID = fmt.Sprintf("https://%s/activities/%s", h.domain, uuid.NewString())
	}
	if act.Context.IsZero() {
		act.Context = ap.NewContext(ap.ActivityStreamsNS)
	}

	recipients, err := h.delivery.RecipientsFor(ctx, act)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	report, err := h.delivery.Deliver(ctx, act, recipients)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "activity fanned out",
		"activity_id", act.ID,
		"recipients", len(recipients),
		"delivered", report.Delivered(),
		"failed", report.Failed(),
	)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"activity_id": act.ID,
		"recipients":  len(recipients),
		"delivered":   report.Delivered(),
		"failed":      report.Failed(),
	})
}
