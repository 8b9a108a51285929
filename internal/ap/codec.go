package ap

import (
	"encoding/json"

	"fedgate/pkg/federrors"
)

// Dispatch tables mapping the type discriminator to a constructor. Anything
// absent falls through to the generic variant of its family, so documents
// with vocabulary published after this code shipped still round-trip.
var objectTypes = map[string]func() Objecter{
	"Object":   func() Objecter { return &Object{} },
	"Activity": func() Objecter { return &Activity{} },
	"Create":   func() Objecter { return &Activity{} },
	"Update":   func() Objecter { return &Activity{} },
	"Delete":   func() Objecter { return &Activity{} },
	"Follow":   func() Objecter { return &Activity{} },
	"Accept":   func() Objecter { return &Activity{} },
	"Reject":   func() Objecter { return &Activity{} },
	"Like":     func() Objecter { return &Activity{} },
	"Announce": func() Objecter { return &Activity{} },
	"Undo":     func() Objecter { return &Activity{} },
	"Add":      func() Objecter { return &Activity{} },
	"Remove":   func() Objecter { return &Activity{} },
	"Block":    func() Objecter { return &Activity{} },
	"Flag":     func() Objecter { return &Activity{} },
	"Move":     func() Objecter { return &Activity{} },

	"IntransitiveActivity": func() Objecter { return &IntransitiveActivity{} },
	"Arrive":               func() Objecter { return &IntransitiveActivity{} },
	"Travel":               func() Objecter { return &IntransitiveActivity{} },
	"Question":             func() Objecter { return &IntransitiveActivity{} },

	"Collection":            func() Objecter { return &Collection{} },
	"OrderedCollection":     func() Objecter { return &OrderedCollection{} },
	"CollectionPage":        func() Objecter { return &CollectionPage{} },
	"OrderedCollectionPage": func() Objecter { return &CollectionPage{} },

	"Person":       func() Objecter { return &Actor{} },
	"Application":  func() Objecter { return &Actor{} },
	"Service":      func() Objecter { return &Actor{} },
	"Group":        func() Objecter { return &Actor{} },
	"Organization": func() Objecter { return &Actor{} },
}

var linkTypes = map[string]func() Linker{
	"Link":          func() Linker { return &Link{} },
	"Mention":       func() Linker { return &Mention{} },
	"Hashtag":       func() Linker { return &Hashtag{} },
	"Emoji":         func() Linker { return &Emoji{} },
	"PropertyValue": func() Linker { return &PropertyValue{} },
	"Image":         func() Linker { return &Image{} },
	"Document":      func() Linker { return &Document{} },
}

// DecodeObject decodes an Object-family document. An unrecognized or absent
// type discriminator yields the generic Object with every source field
// preserved; input that is not a JSON object is a malformed document.
func DecodeObject(data []byte) (Objecter, error) {
	fields, err := asFields(data)
	if err != nil {
		return nil, federrors.Wrap(err, federrors.CodeMalformedDocument, "object document is not a JSON object")
	}

	disc, plainString := discriminator(fields)

	var v Objecter
	if ctor, known := objectTypes[disc]; known && plainString {
		v = ctor()
	} else {
		v = &Object{}
	}

	// A non-string type value cannot populate the typed field; decode around
	// it and leave the original value in Extra untouched.
	structData := data
	if !plainString {
		if structData, err = withoutField(fields, "type"); err != nil {
			return nil, federrors.Wrap(err, federrors.CodeMalformedDocument, "object document could not be normalized")
		}
	}

	extra, err := decodeInto(structData, data, v)
	if err != nil {
		return nil, federrors.Wrap(err, federrors.CodeMalformedDocument, "object document failed to decode")
	}
	v.Base().Extra = extra
	return v, nil
}

// DecodeLink decodes a Link-family document. Unlike objects, a link without
// a type discriminator is malformed; unrecognized discriminators fall back
// to the generic Link. Fields no typed shape captures land in Extra, so
// links round-trip losslessly the same way objects do.
func DecodeLink(data []byte) (Linker, error) {
	fields, err := asFields(data)
	if err != nil {
		return nil, federrors.Wrap(err, federrors.CodeMalformedDocument, "link document is not a JSON object")
	}

	disc, plainString := discriminator(fields)
	if disc == "" {
		return nil, federrors.New(federrors.CodeMalformedDocument, "link document missing type")
	}

	var v Linker
	if ctor, known := linkTypes[disc]; known {
		v = ctor()
	} else {
		v = &Link{}
	}

	structData := data
	if !plainString {
		if structData, err = withoutField(fields, "type"); err != nil {
			return nil, federrors.Wrap(err, federrors.CodeMalformedDocument, "link document could not be normalized")
		}
	}

	extra, err := decodeInto(structData, data, v)
	if err != nil {
		return nil, federrors.Wrap(err, federrors.CodeMalformedDocument, "link document failed to decode")
	}
	// A non-string type value stays verbatim in Extra; the typed field only
	// carries a bare string discriminator.
	if plainString {
		v.LinkBase().Type = disc
	}
	v.LinkBase().Extra = extra
	return v, nil
}

// Encode serializes a variant back to its wire document. Known variants emit
// their typed shape; fields captured in Extra are merged back so nothing
// present on the source is dropped, and nothing absent is invented.
func Encode(v any) ([]byte, error) {
	if o, ok := v.(Objecter); ok {
		return encodeWithExtra(o, o.Base().Extra)
	}
	if l, ok := v.(Linker); ok {
		return encodeWithExtra(l, l.LinkBase().Extra)
	}
	return json.Marshal(v)
}

func encodeWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	own, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return own, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(own, &merged); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, present := merged[k]; !present {
			merged[k] = raw
		}
	}
	return json.Marshal(merged)
}

// decodeInto unmarshals structData into v and returns the fields of the full
// source document that v's typed shape did not absorb.
func decodeInto(structData, data []byte, v any) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(structData, v); err != nil {
		return nil, err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}

	// Every key the typed shape re-emits is owned by it; the rest is extra.
	own, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var owned map[string]json.RawMessage
	if err := json.Unmarshal(own, &owned); err != nil {
		return nil, err
	}
	for k := range owned {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

func asFields(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// discriminator extracts the type field. plainString is false when the value
// is absent or not a bare string (e.g. an array of types); callers fall back
// to the generic variant in that case.
func discriminator(fields map[string]json.RawMessage) (disc string, plainString bool) {
	raw, present := fields["type"]
	if !present {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, entry := range list {
			if err := json.Unmarshal(entry, &s); err == nil && s != "" {
				return s, false
			}
		}
	}
	return "", false
}

func withoutField(fields map[string]json.RawMessage, key string) ([]byte, error) {
	trimmed := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if k != key {
			trimmed[k] = v
		}
	}
	return json.Marshal(trimmed)
}
