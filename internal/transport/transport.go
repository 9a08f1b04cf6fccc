// Package transport implements the Upstream Transport (C8): a multi-base-URL
// HTTP client that injects tokens, retries once on 401, propagates 429
// without base-URL failover, and fails over base URLs on network errors or
// 5xx.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/antigravity-relay/relay/internal/account"
)

const (
	unaryTimeout   = 120 * time.Second
	defaultUserAgent = "antigravity-relay/1.0"
)

// RateLimitError signals an upstream 429; the Dispatcher marks cooldown and
// retries a different account (spec §4.6/§4.8).
type RateLimitError struct {
	AccountID string
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("rate limited: %s", e.AccountID) }

// AuthError signals an upstream 401 that survived a single refresh+retry
// (spec §4.8 step 4).
type AuthError struct {
	AccountID string
	Err       error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth error for %s: %v", e.AccountID, e.Err) }
func (e *AuthError) Unwrap() error  { return e.Err }

// BadGatewayError signals that every base URL failed (network error or 5xx).
type BadGatewayError struct {
	AccountID string
	Err       error
}

func (e *BadGatewayError) Error() string {
	return fmt.Sprintf("bad gateway for %s: %v", e.AccountID, e.Err)
}
func (e *BadGatewayError) Unwrap() error { return e.Err }

// StatusError is any other non-2xx upstream response (spec §7 "UpstreamError").
type StatusError struct {
	AccountID string
	Status    int
	Body      []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d for %s", e.Status, e.AccountID)
}

// TokenRefresher is the subset of account.Refresher the transport needs.
type TokenRefresher interface {
	EnsureValid(ctx context.Context, acctID string) (string, error)
	ForceRefresh(ctx context.Context, acctID string) error
}

// Client is the Upstream Transport.
type Client struct {
	baseURLs []string
	cursor   uint64 // atomic rotation cursor

	tokens TokenRefresher
	store  *account.Store
	http   *http.Client

	userAgent string
}

// New builds a Client with the given ordered base URLs (production first,
// fallback hosts after; spec §4.8/§4.16).
func New(baseURLs []string, tokens TokenRefresher, store *account.Store) *Client {
	transport := &http2.Transport{
		TLSClientConfig: &tls.Config{},
		ReadIdleTimeout: 30 * time.Second,
		AllowHTTP:       false,
	}
	return NewWithHTTPClient(baseURLs, tokens, store, &http.Client{Transport: transport})
}

// NewWithHTTPClient builds a Client around a caller-supplied *http.Client,
// bypassing the direct-h2 transport New wires up by default. Production
// code should use New; this exists so tests can substitute an
// httptest-backed plain HTTP client (mirrors account.NewRefresher's
// injectable *http.Client).
func NewWithHTTPClient(baseURLs []string, tokens TokenRefresher, store *account.Store, httpClient *http.Client) *Client {
	return &Client{
		baseURLs:  baseURLs,
		tokens:    tokens,
		store:     store,
		http:      httpClient,
		userAgent: defaultUserAgent,
	}
}

func (c *Client) nextCursor() int {
	n := atomic.AddUint64(&c.cursor, 1)
	return int(n % uint64(len(c.baseURLs)))
}

// PostJSON performs a unary POST against <base><path>, rotating base URLs
// and retrying 401 once, per spec §4.8.
func (c *Client) PostJSON(ctx context.Context, acctID, path string, body []byte) ([]byte, error) {
	token, err := c.tokens.EnsureValid(ctx, acctID)
	if err != nil {
		return nil, &AuthError{AccountID: acctID, Err: err}
	}

	start := c.nextCursor()
	var lastErr error
	for i := 0; i < len(c.baseURLs); i++ {
		idx := (start + i) % len(c.baseURLs)
		respBody, status, err := c.doOnce(ctx, c.baseURLs[idx], path, token, body, false)
		if err != nil {
			lastErr = err
			slog.Warn("upstream attempt failed", "component", "transport", "account_id", acctID, "base_url", c.baseURLs[idx], "err", err)
			continue
		}

		switch {
		case status == http.StatusTooManyRequests:
			return nil, &RateLimitError{AccountID: acctID}
		case status == http.StatusUnauthorized:
			if refreshErr := c.tokens.ForceRefresh(ctx, acctID); refreshErr != nil {
				return nil, &AuthError{AccountID: acctID, Err: refreshErr}
			}
			token, err = c.tokens.EnsureValid(ctx, acctID)
			if err != nil {
				return nil, &AuthError{AccountID: acctID, Err: err}
			}
			retryBody, retryStatus, retryErr := c.doOnce(ctx, c.baseURLs[idx], path, token, body, false)
			if retryErr != nil {
				lastErr = retryErr
				continue
			}
			if retryStatus == http.StatusUnauthorized {
				return nil, &AuthError{AccountID: acctID, Err: errors.New("unauthorized after refresh")}
			}
			if retryStatus == http.StatusTooManyRequests {
				return nil, &RateLimitError{AccountID: acctID}
			}
			if retryStatus >= 500 {
				lastErr = fmt.Errorf("status %d", retryStatus)
				continue
			}
			if retryStatus >= 400 {
				return nil, &StatusError{AccountID: acctID, Status: retryStatus, Body: retryBody}
			}
			return retryBody, nil
		case status >= 500:
			lastErr = fmt.Errorf("status %d", status)
			continue
		case status >= 400:
			return nil, &StatusError{AccountID: acctID, Status: status, Body: respBody}
		default:
			return respBody, nil
		}
	}

	return nil, &BadGatewayError{AccountID: acctID, Err: lastErr}
}

// PostStream performs a streaming POST, returning the response body reader
// as soon as headers arrive. Base-URL failover only applies before any
// bytes are read by the caller (spec §4.8 step 5/§4.6).
func (c *Client) PostStream(ctx context.Context, acctID, path string, body []byte) (io.ReadCloser, error) {
	token, err := c.tokens.EnsureValid(ctx, acctID)
	if err != nil {
		return nil, &AuthError{AccountID: acctID, Err: err}
	}

	start := c.nextCursor()
	var lastErr error
	for i := 0; i < len(c.baseURLs); i++ {
		idx := (start + i) % len(c.baseURLs)
		rc, status, err := c.doStreamOnce(ctx, c.baseURLs[idx], path, token, body)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case status == http.StatusTooManyRequests:
			rc.Close()
			return nil, &RateLimitError{AccountID: acctID}
		case status == http.StatusUnauthorized:
			rc.Close()
			if refreshErr := c.tokens.ForceRefresh(ctx, acctID); refreshErr != nil {
				return nil, &AuthError{AccountID: acctID, Err: refreshErr}
			}
			token, err = c.tokens.EnsureValid(ctx, acctID)
			if err != nil {
				return nil, &AuthError{AccountID: acctID, Err: err}
			}
			rc2, status2, err2 := c.doStreamOnce(ctx, c.baseURLs[idx], path, token, body)
			if err2 != nil {
				lastErr = err2
				continue
			}
			if status2 == http.StatusUnauthorized {
				rc2.Close()
				return nil, &AuthError{AccountID: acctID, Err: errors.New("unauthorized after refresh")}
			}
			if status2 == http.StatusTooManyRequests {
				rc2.Close()
				return nil, &RateLimitError{AccountID: acctID}
			}
			if status2 >= 500 {
				rc2.Close()
				lastErr = fmt.Errorf("status %d", status2)
				continue
			}
			if status2 >= 400 {
				b, _ := io.ReadAll(rc2)
				rc2.Close()
				return nil, &StatusError{AccountID: acctID, Status: status2, Body: b}
			}
			return rc2, nil
		case status >= 500:
			rc.Close()
			lastErr = fmt.Errorf("status %d", status)
			continue
		case status >= 400:
			b, _ := io.ReadAll(rc)
			rc.Close()
			return nil, &StatusError{AccountID: acctID, Status: status, Body: b}
		default:
			return rc, nil
		}
	}

	return nil, &BadGatewayError{AccountID: acctID, Err: lastErr}
}

func (c *Client) doOnce(ctx context.Context, base, path, token string, body []byte, stream bool) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	c.setHeaders(req, token, false)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) doStreamOnce(ctx context.Context, base, path, token string, body []byte) (io.ReadCloser, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	c.setHeaders(req, token, true)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.StatusCode, nil
}

func (c *Client) setHeaders(req *http.Request, token string, stream bool) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Host", req.URL.Host)
	}
}
