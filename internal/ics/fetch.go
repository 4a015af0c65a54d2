package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrFetch marks every failure to obtain a feed payload.
var ErrFetch = errors.New("ical fetch failed")

const (
	defaultFetchTimeout = 10 * time.Second
	maxPayloadBytes     = 10 << 20
	userAgent           = "schedbot/1.0"
	acceptHeader        = "text/calendar, text/plain, */*"
)

// Fetcher downloads calendar feeds over HTTP.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewFetcher returns a Fetcher bounded by timeout (10s when <= 0).
// A nil client uses a fresh http.Client.
func NewFetcher(client *http.Client, timeout time.Duration) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{client: client, timeout: timeout}
}

// Fetch returns the decoded feed body. Every failure (transport, non-200,
// empty body, timeout) wraps ErrFetch.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("%w: url is empty", ErrFetch)
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFetch, RedactURL(rawURL), unwrapURLError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", fmt.Errorf("%w: unexpected HTTP status %d", ErrFetch, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}
	if len(data) > maxPayloadBytes {
		return "", fmt.Errorf("%w: payload exceeds %d bytes", ErrFetch, maxPayloadBytes)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrFetch)
	}
	return Decode(data, resp.Header.Get("Content-Type")), nil
}

// url.Error repeats the full URL, secrets included.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

// RedactURL keeps scheme, host and path, dropping credentials and the query.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ical://(redacted)"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	u.Fragment = ""
	return u.String()
}
