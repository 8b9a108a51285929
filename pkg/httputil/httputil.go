// Package httputil centralizes JSON response encoding and domain error
// translation so handlers stay thin and error envelopes stay consistent.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"fedgate/pkg/federrors"
)

// WriteJSON writes v as a JSON response with the given status. A content
// type set by the caller wins; discovery endpoints serve JSON variants.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteActivityJSON writes a pre-encoded document with the ActivityStreams
// media type. Federation peers require this content type on actor and object
// documents.
func WriteActivityJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", `application/activity+json; charset=utf-8`)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError translates a coded error into its HTTP envelope. Internal errors
// omit the description so implementation detail never leaks to remote servers.
func WriteError(w http.ResponseWriter, err error) {
	code := federrors.CodeOf(err)
	status := federrors.ToHTTPStatus(code)

	body := map[string]string{"error": string(code)}
	var fe *federrors.Error
	if code != federrors.CodeInternal && errors.As(err, &fe) && fe.Message != "" {
		body["error_description"] = fe.Message
	}
	WriteJSON(w, status, body)
}
