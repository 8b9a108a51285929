package ap

import (
	"encoding/json"
	"fmt"
)

// ActivityStreamsNS is the base JSON-LD context every outbound document carries.
const ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"

// SecurityNS is the JSON-LD context for publicKey material on actor documents.
const SecurityNS = "https://w3id.org/security/v1"

// PublicAudience is the special collection IRI addressing everyone. It is
// never a deliverable inbox.
const PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

// JSONLDContext models the @context field. A single entry round-trips as a
// bare value, multiple entries as an array; entries may be strings or
// embedded term maps, which are preserved verbatim.
type JSONLDContext struct {
	values []json.RawMessage
	single bool
}

// NewContext builds a context from namespace IRIs.
func NewContext(namespaces ...string) JSONLDContext {
	c := JSONLDContext{single: len(namespaces) == 1}
	for _, ns := range namespaces {
		raw, _ := json.Marshal(ns)
		c.values = append(c.values, raw)
	}
	return c
}

// IsZero reports whether the context is absent, for omitzero.
func (c JSONLDContext) IsZero() bool { return len(c.values) == 0 }

// Contains reports whether the context includes the given namespace IRI.
func (c JSONLDContext) Contains(ns string) bool {
	for _, raw := range c.values {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s == ns {
			return true
		}
	}
	return false
}

func (c JSONLDContext) MarshalJSON() ([]byte, error) {
	switch {
	case len(c.values) == 0:
		return []byte("null"), nil
	case c.single && len(c.values) == 1:
		return c.values[0], nil
	default:
		return json.Marshal(c.values)
	}
}

func (c *JSONLDContext) UnmarshalJSON(data []byte) error {
	if isJSONArray(data) {
		c.single = false
		return json.Unmarshal(data, &c.values)
	}
	c.single = true
	c.values = []json.RawMessage{append(json.RawMessage(nil), data...)}
	return nil
}

// StringList models wire fields like to/cc that accept a bare string or an
// array of strings, preserving which form the source used.
type StringList struct {
	values []string
	single bool
}

// NewStringList builds a list; a single value round-trips as a bare string.
func NewStringList(values ...string) StringList {
	return StringList{values: values, single: len(values) == 1}
}

// Values returns the contained strings.
func (l StringList) Values() []string { return l.values }

// Contains reports whether v is present.
func (l StringList) Contains(v string) bool {
	for _, s := range l.values {
		if s == v {
			return true
		}
	}
	return false
}

// IsZero reports whether the list is absent, for omitzero.
func (l StringList) IsZero() bool { return len(l.values) == 0 }

func (l StringList) MarshalJSON() ([]byte, error) {
	if l.single && len(l.values) == 1 {
		return json.Marshal(l.values[0])
	}
	return json.Marshal(l.values)
}

func (l *StringList) UnmarshalJSON(data []byte) error {
	if isJSONArray(data) {
		l.single = false
		return json.Unmarshal(data, &l.values)
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("string or array of strings expected: %w", err)
	}
	l.single = true
	l.values = []string{s}
	return nil
}

func isJSONArray(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}
