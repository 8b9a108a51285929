package ap

import (
	"encoding/json"
)

// Ref is a two-state reference: either a bare IRI naming a remote entity, or
// an inline document embedded in the parent. Turning an IRI into a full
// entity is always an explicit resolver operation, never a side effect of
// field access. Inline payloads are carried verbatim so re-encoding never
// loses fields the codec does not model.
type Ref struct {
	iri string
	raw json.RawMessage
}

// NewRef builds an unresolved reference to the given IRI.
func NewRef(iri string) *Ref {
	return &Ref{iri: iri}
}

// NewInlineRef embeds an already-encoded document.
func NewInlineRef(doc json.RawMessage) *Ref {
	return &Ref{raw: append(json.RawMessage(nil), doc...)}
}

// IRI returns the canonical identifier the reference points at. For inline
// documents this is the embedded id field, which may be empty.
func (r *Ref) IRI() string {
	if r == nil {
		return ""
	}
	if r.iri != "" {
		return r.iri
	}
	var peek struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(r.raw, &peek); err != nil {
		return ""
	}
	return peek.ID
}

// Inline reports whether the reference embeds a full document.
func (r *Ref) Inline() bool { return r != nil && len(r.raw) > 0 }

// Object decodes the inline document as an Object-family variant.
func (r *Ref) Object() (Objecter, error) {
	return DecodeObject(r.raw)
}

// Link decodes the inline document as a Link-family variant.
func (r *Ref) Link() (Linker, error) {
	return DecodeLink(r.raw)
}

func (r Ref) MarshalJSON() ([]byte, error) {
	if len(r.raw) > 0 {
		return r.raw, nil
	}
	return json.Marshal(r.iri)
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.iri = s
		r.raw = nil
		return nil
	}
	r.iri = ""
	r.raw = append(json.RawMessage(nil), data...)
	return nil
}
