// Package httpserver builds the process's HTTP server. Federation traffic
// is many small signed requests from untrusted remote servers, so every
// phase of a connection is bounded rather than trusting peers to hang up.
package httpserver

import (
	"net/http"
	"time"
)

// Inbox payloads are capped at the handler level, so generous body reads
// are unnecessary; write timeouts leave room for outbox fan-out, which the
// router separately bounds per request.
const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 2 * time.Minute
	maxHeaderBytes    = 16 << 10
)

// New builds the server with timeouts tuned for federation traffic.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}
}
