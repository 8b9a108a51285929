package ap

import (
	"encoding/json"
	"net/url"
	"time"
)

// Object is the richer counterpart to Link and the catch-all variant for
// unrecognized object discriminators. Attributes the codec does not model
// are preserved verbatim in Extra so any document survives a decode/encode
// round trip without loss.
type Object struct {
	Context      JSONLDContext `json:"@context,omitzero"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Name         string        `json:"name,omitempty"`
	Content      string        `json:"content,omitempty"`
	Published    string        `json:"published,omitempty"`
	AttributedTo *Ref          `json:"attributedTo,omitempty"`
	To           StringList    `json:"to,omitzero"`
	CC           StringList    `json:"cc,omitzero"`
	Tag          []Ref         `json:"tag,omitempty"`

	// Extra holds fields present on the source document that no typed field
	// captures. Populated by DecodeObject, re-emitted by Encode.
	Extra map[string]json.RawMessage `json:"-"`
}

// Base exposes the shared object attributes.
func (o *Object) Base() *Object { return o }

// Objecter is satisfied by every Object-family variant.
type Objecter interface {
	Base() *Object
}

// PublishedAt parses the published timestamp. The wire value is kept as a
// string so re-encoding reproduces the source byte for byte.
func (o *Object) PublishedAt() (time.Time, error) {
	return time.Parse(time.RFC3339, o.Published)
}

// Audience returns the union of to and cc, excluding the public collection,
// which is an addressing marker rather than a deliverable destination.
func (o *Object) Audience() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, id := range append(o.To.Values(), o.CC.Values()...) {
		if id == PublicAudience {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Mentions decodes the object's tags and returns the href of each Mention.
func (o *Object) Mentions() []string {
	var out []string
	for i := range o.Tag {
		l, err := o.Tag[i].Link()
		if err != nil {
			continue
		}
		if m, ok := l.(*Mention); ok && m.Href != "" {
			out = append(out, m.Href)
		}
	}
	return out
}

// Activity is an Object performed by an actor upon another object. Both
// references may be unresolved IRIs until explicitly fetched.
type Activity struct {
	Object
	Actor     *Ref `json:"actor,omitempty"`
	ObjectRef *Ref `json:"object,omitempty"`
	Target    *Ref `json:"target,omitempty"`
}

// IntransitiveActivity is an activity without an object, such as an arrival.
type IntransitiveActivity struct {
	Object
	Actor  *Ref `json:"actor,omitempty"`
	Target *Ref `json:"target,omitempty"`
}

// Collection is an unordered container of links or objects.
type Collection struct {
	Object
	TotalItems *int  `json:"totalItems,omitempty"`
	Items      []Ref `json:"items,omitempty"`
	First      *Ref  `json:"first,omitempty"`
	Last       *Ref  `json:"last,omitempty"`
}

// OrderedCollection is a container whose item order is significant.
type OrderedCollection struct {
	Object
	TotalItems   *int  `json:"totalItems,omitempty"`
	OrderedItems []Ref `json:"orderedItems,omitempty"`
	First        *Ref  `json:"first,omitempty"`
	Last         *Ref  `json:"last,omitempty"`
}

// CollectionPage is one page of a paginated collection. Traversal via next
// must be depth-bounded by the caller; remote servers are not trusted to
// terminate the chain.
type CollectionPage struct {
	Object
	PartOf       *Ref  `json:"partOf,omitempty"`
	Next         *Ref  `json:"next,omitempty"`
	Prev         *Ref  `json:"prev,omitempty"`
	TotalItems   *int  `json:"totalItems,omitempty"`
	Items        []Ref `json:"items,omitempty"`
	OrderedItems []Ref `json:"orderedItems,omitempty"`
}

// PageItems returns whichever item list the page carries.
func (p *CollectionPage) PageItems() []Ref {
	if len(p.OrderedItems) > 0 {
		return p.OrderedItems
	}
	return p.Items
}

// Actor is an account capable of performing activities.
type Actor struct {
	Object
	PreferredUsername         string     `json:"preferredUsername,omitempty"`
	Inbox                     string     `json:"inbox,omitempty"`
	Outbox                    string     `json:"outbox,omitempty"`
	Followers                 string     `json:"followers,omitempty"`
	Following                 string     `json:"following,omitempty"`
	PublicKey                 *PublicKey `json:"publicKey,omitempty"`
	Endpoints                 *Endpoints `json:"endpoints,omitempty"`
	ManuallyApprovesFollowers bool       `json:"manuallyApprovesFollowers,omitempty"`
}

// Endpoints carries the instance-level delivery endpoints an actor advertises.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Domain returns the host of the actor's canonical identifier.
func (a *Actor) Domain() string {
	u, err := url.Parse(a.ID)
	if err != nil {
		return ""
	}
	return u.Host
}

// SharedInbox returns the actor's advertised shared inbox, if any.
func (a *Actor) SharedInbox() string {
	if a.Endpoints == nil {
		return ""
	}
	return a.Endpoints.SharedInbox
}

// Usable reports whether the actor document carries everything the
// federation core needs: a canonical id, an inbox, and a public key with id
// and PEM material. An actor failing this check must never be used for
// signature verification.
func (a *Actor) Usable() bool {
	if a.ID == "" || a.Inbox == "" {
		return false
	}
	return a.PublicKey != nil && a.PublicKey.ID != "" && a.PublicKey.PublicKeyPem != ""
}

// PublicKey is the published verification key of an actor. On the wire it
// may appear as a bare IRI, in which case only ID is populated and the key
// is unresolved.
type PublicKey struct {
	ID           string `json:"id,omitempty"`
	Owner        string `json:"owner,omitempty"`
	PublicKeyPem string `json:"publicKeyPem,omitempty"`

	iriOnly bool
}

// Resolved reports whether key material is present, not just a reference.
func (k *PublicKey) Resolved() bool { return k != nil && k.PublicKeyPem != "" }

func (k PublicKey) MarshalJSON() ([]byte, error) {
	if k.iriOnly {
		return json.Marshal(k.ID)
	}
	type alias PublicKey
	return json.Marshal(alias(k))
}

func (k *PublicKey) UnmarshalJSON(data []byte) error {
	var iri string
	if err := json.Unmarshal(data, &iri); err == nil {
		*k = PublicKey{ID: iri, iriOnly: true}
		return nil
	}
	type alias PublicKey
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*k = PublicKey(a)
	return nil
}
