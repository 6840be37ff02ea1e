// Package fetch defines the transport used to pull catalog indexes and
// image bytes. The content store never talks to the network directly; it is
// handed a Fetcher so deployments can swap the transport.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
)

// ErrUnreachable marks a source that could not be contacted or did not
// serve the requested content. Callers treat it as "try the next source".
var ErrUnreachable = errors.New("source unreachable")

// Fetcher retrieves the bytes behind a URL starting at offset. An offset of
// zero reads from the beginning; a positive offset resumes a partial
// transfer.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error)
}

type HTTPConfig struct {
	Client   *http.Client
	Attempts uint
	Proxy    string
}

type HTTPOption func(cfg *HTTPConfig)

func WithClient(client *http.Client) HTTPOption {
	return func(cfg *HTTPConfig) {
		cfg.Client = client
	}
}

func WithAttempts(attempts uint) HTTPOption {
	return func(cfg *HTTPConfig) {
		cfg.Attempts = attempts
	}
}

// WithProxy routes requests through the given HTTP proxy URL.
func WithProxy(proxy string) HTTPOption {
	return func(cfg *HTTPConfig) {
		cfg.Proxy = proxy
	}
}

// HTTPFetcher fetches over HTTP(S) with ranged requests for resume and a
// short transient-failure retry per source.
type HTTPFetcher struct {
	client   *http.Client
	attempts uint
}

func NewHTTPFetcher(opts ...HTTPOption) (*HTTPFetcher, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("default transport is not of type http.Transport")
	}
	cfg := HTTPConfig{
		Client: &http.Client{
			Transport: transport.Clone(),
		},
		Attempts: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", cfg.Proxy, err)
		}
		if t, ok := cfg.Client.Transport.(*http.Transport); ok {
			t.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &HTTPFetcher{client: cfg.Client, attempts: cfg.Attempts}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error) {
	log := logr.FromContextOrDiscard(ctx).V(4)

	body, err := retry.DoWithData(
		func() (io.ReadCloser, error) {
			return f.fetchOnce(ctx, rawURL, offset)
		},
		retry.Context(ctx),
		retry.Attempts(f.attempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Info("retrying fetch", "url", rawURL, "attempt", n+1, "error", err.Error())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, rawURL, err)
	}
	return body, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusOK:
		// The server ignored the range request; skip what we already have
		// so resumed transfers stay correct.
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				_ = resp.Body.Close()
				return nil, fmt.Errorf("skipping %d already transferred bytes: %w", offset, err)
			}
		}
		return resp.Body, nil
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
}
