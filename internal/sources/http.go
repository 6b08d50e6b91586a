// Package sources holds the adapters that read upstream datasets: CSV
// extracts, GeoJSON boundary files, Met Office observation JSON, and the
// release feeds that say when a new edition is out.
package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/time/rate"
)

const userAgent = "roadsafety/1.0 (open data ingest)"

// StatusError is an HTTP response with a failing status code.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Client opens dataset locations: local paths directly, http(s) URLs
// through a paced HTTP client.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	header  http.Header
}

// NewClient creates a client allowing requestsPerSecond requests; zero or
// negative means unpaced. Request deadlines come from the caller's context.
func NewClient(requestsPerSecond float64) *Client {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Client{
		http: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		limiter: rate.NewLimiter(limit, 1),
		header:  http.Header{},
	}
}

// WithHeader sets a header sent on every request, such as an API key.
func (c *Client) WithHeader(key, value string) *Client {
	c.header.Set(key, value)
	return c
}

func isURL(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// Open returns the content at location. The caller closes it.
func (c *Client) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if !isURL(location) {
		f, err := os.Open(location)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, &StatusError{URL: location, Code: resp.StatusCode}
	}
	return resp.Body, nil
}
