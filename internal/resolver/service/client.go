package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"fedgate/pkg/federrors"
)

const (
	activityJSONAccept = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	clientUserAgent    = "fedgate"
)

// Client fetches remote federation documents over HTTPS.
type Client struct {
	http *resty.Client
}

// NewClient creates a fetch client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", clientUserAgent).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &Client{http: c}
}

// Fetch retrieves the document at the given IRI with an ActivityStreams
// Accept header. Non-2xx statuses are returned as resolution failures so
// callers can decide whether to cache them.
func (c *Client) Fetch(ctx context.Context, iri string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", activityJSONAccept).
		Get(iri)
	if err != nil {
		return nil, federrors.Wrap(err, federrors.CodeResolutionFailed, "fetch "+iri)
	}
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return nil, federrors.Newf(federrors.CodeResolutionFailed, "fetch %s: status %d", iri, resp.StatusCode())
	}
	return resp.Body(), nil
}

// FetchJSON retrieves a plain JSON resource, used for webfinger and nodeinfo
// documents which are not served under the ActivityStreams media type.
func (c *Client) FetchJSON(ctx context.Context, url string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(out).
		Get(url)
	if err != nil {
		return federrors.Wrap(err, federrors.CodeResolutionFailed, "fetch "+url)
	}
	if resp.StatusCode() != http.StatusOK {
		return federrors.Newf(federrors.CodeResolutionFailed, "fetch %s: status %d", url, resp.StatusCode())
	}
	return nil
}

// SetBaseTransport swaps the underlying transport. Tests use this to point
// the client at an httptest server without touching DNS.
func (c *Client) SetBaseTransport(rt http.RoundTripper) {
	c.http.SetTransport(rt)
}

func webfingerURL(domain, handle string) string {
	return fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		domain, url.QueryEscape("acct:"+handle))
}
