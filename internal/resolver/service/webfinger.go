package service

import "strings"

// WebfingerResponse is the JRD document returned by a remote instance's
// /.well-known/webfinger endpoint.
type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// ActorIRI returns the href of the rel=self link carrying an ActivityStreams
// media type, or "" when the document advertises none.
func (w *WebfingerResponse) ActorIRI() string {
	for _, l := range w.Links {
		if l.Rel != "self" {
			continue
		}
		if strings.Contains(l.Type, "activity+json") || strings.Contains(l.Type, "activitystreams") {
			return l.Href
		}
	}
	return ""
}
