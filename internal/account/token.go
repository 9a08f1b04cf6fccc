package account

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RefreshBuffer is how far ahead of expiry a token is proactively refreshed
// (spec §4.2).
const RefreshBuffer = 5 * time.Minute

const oauthTokenURL = "https://oauth2.googleapis.com/token"

// TokenRefreshError wraps a failed OAuth refresh, surfaced by the
// Dispatcher as an AuthRefreshFailed error (spec §7).
type TokenRefreshError struct {
	AccountID string
	Err       error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for %s: %v", e.AccountID, e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// Refresher is the Token Refresher (C2): ensures an account's access token
// is valid, refreshing via the OAuth endpoint when near expiry, with a
// per-account single-flight latch so concurrent callers on the same account
// share one in-flight refresh (spec §4.2/§9).
type Refresher struct {
	store        *Store
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu       sync.Mutex
	inFlight map[string]*refreshCall
}

// refreshCall tracks one in-flight refresh so waiters can observe its
// outcome: err is only safe to read after ch is closed.
type refreshCall struct {
	ch  chan struct{}
	err error
}

func NewRefresher(store *Store, clientID, clientSecret string, httpClient *http.Client) *Refresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Refresher{
		store:        store,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		inFlight:     make(map[string]*refreshCall),
	}
}

// EnsureValid refreshes the account's token if it is within RefreshBuffer of
// expiry (or already expired), and returns the valid access token.
func (r *Refresher) EnsureValid(ctx context.Context, acctID string) (string, error) {
	acct, ok := r.store.Get(acctID)
	if !ok {
		return "", fmt.Errorf("unknown account %s", acctID)
	}

	nowPlusBuffer := time.Now().Add(RefreshBuffer).UnixMilli()
	if nowPlusBuffer < acct.ExpiryMs {
		return acct.AccessToken, nil
	}

	if err := r.refreshSingleFlight(ctx, acctID); err != nil {
		return "", err
	}

	acct, _ = r.store.Get(acctID)
	return acct.AccessToken, nil
}

// ForceRefresh refreshes unconditionally (used after an upstream 401, spec
// §4.8 step 4), still coalesced via the single-flight latch.
func (r *Refresher) ForceRefresh(ctx context.Context, acctID string) error {
	return r.refreshSingleFlight(ctx, acctID)
}

func (r *Refresher) refreshSingleFlight(ctx context.Context, acctID string) error {
	r.mu.Lock()
	if call, ok := r.inFlight[acctID]; ok {
		r.mu.Unlock()
		select {
		case <-call.ch:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &refreshCall{ch: make(chan struct{})}
	r.inFlight[acctID] = call
	r.mu.Unlock()

	call.err = r.doRefresh(ctx, acctID)

	r.mu.Lock()
	delete(r.inFlight, acctID)
	r.mu.Unlock()
	close(call.ch)

	return call.err
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (r *Refresher) doRefresh(ctx context.Context, acctID string) error {
	acct, ok := r.store.Get(acctID)
	if !ok {
		return fmt.Errorf("unknown account %s", acctID)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {acct.RefreshToken},
		"client_id":     {r.clientID},
		"client_secret": {r.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		r.store.MarkError(acctID)
		return &TokenRefreshError{AccountID: acctID, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.store.MarkError(acctID)
		return &TokenRefreshError{AccountID: acctID, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		r.store.MarkError(acctID)
		err := fmt.Errorf("oauth refresh status %d: %s", resp.StatusCode, string(body))
		slog.Warn("token refresh failed", "component", "token", "account_id", acctID, "status", resp.StatusCode)
		return &TokenRefreshError{AccountID: acctID, Err: err}
	}

	var parsed oauthTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		r.store.MarkError(acctID)
		return &TokenRefreshError{AccountID: acctID, Err: fmt.Errorf("decode oauth response: %w", err)}
	}

	expiryMs := time.Now().UnixMilli() + parsed.ExpiresIn*1000
	r.store.SetTokens(acctID, parsed.AccessToken, parsed.RefreshToken, expiryMs)
	slog.Debug("token refreshed", "component", "token", "account_id", acctID)
	return nil
}
