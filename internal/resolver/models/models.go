package models

import (
	"time"

	"fedgate/internal/ap"
)

// ActorRecord is the stored form of a resolved actor: the decoded document
// plus the raw bytes it was fetched (or built) from. Raw is authoritative;
// Actor is the decoded convenience view.
type ActorRecord struct {
	Actor     *ap.Actor
	Raw       []byte
	Local     bool
	FetchedAt time.Time
}

// Instance is a remote server, created lazily the first time any actor from
// its domain is resolved and never deleted automatically.
type Instance struct {
	Domain      string
	SharedInbox string
	FirstSeenAt time.Time
}

// Failure is a cached negative resolution. It carries the concrete cause for
// reporting and a retry window so an identifier is never permanently poisoned.
type Failure struct {
	IRI        string        `json:"iri"`
	Cause      string        `json:"cause"`
	FailedAt   time.Time     `json:"failed_at"`
	RetryAfter time.Duration `json:"retry_after"`
}

// Retryable reports whether the backoff window has passed.
func (f *Failure) Retryable(now time.Time) bool {
	return now.After(f.FailedAt.Add(f.RetryAfter))
}
