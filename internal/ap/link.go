package ap

import "encoding/json"

// Link is the root of the reference hierarchy: a pointer at a resource with
// minimal metadata. It doubles as the catch-all variant for unrecognized
// link discriminators, which decode to a bare Link carrying only the type.
type Link struct {
	Type      string `json:"type,omitempty"`
	Href      string `json:"href,omitempty"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// Extra holds fields present on the source document that no typed field
	// captures. Populated by DecodeLink, re-emitted by Encode.
	Extra map[string]json.RawMessage `json:"-"`
}

// LinkBase exposes the shared link attributes.
func (l *Link) LinkBase() *Link { return l }

// Linker is satisfied by every Link-family variant.
type Linker interface {
	LinkBase() *Link
}

// Mention points at an actor referenced in a document's content.
type Mention struct {
	Link
}

// Hashtag is a topic tag; href points at the tag's collection page.
type Hashtag struct {
	Link
}

// Emoji is a custom emoji shortcode with its image resource.
type Emoji struct {
	Link
	ID   string `json:"id,omitempty"`
	Icon *Image `json:"icon,omitempty"`
}

// PropertyValue is a displayed key/value pair on an actor's profile.
type PropertyValue struct {
	Link
	Value string `json:"value,omitempty"`
}

// Image references a picture resource.
type Image struct {
	Link
	URL string `json:"url,omitempty"`
}

// Document references an attached file of arbitrary media type.
type Document struct {
	Link
	URL string `json:"url,omitempty"`
}
