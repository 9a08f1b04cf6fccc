package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/antigravity-relay/relay/internal/account"
	"github.com/antigravity-relay/relay/internal/selector"
	"github.com/antigravity-relay/relay/internal/transport"
	"github.com/antigravity-relay/relay/internal/upstream"
)

// fakeTokenRefresher hands back the account id itself as the bearer token,
// so the fake upstream server can tell accounts apart by Authorization header.
type fakeTokenRefresher struct{}

func (fakeTokenRefresher) EnsureValid(ctx context.Context, acctID string) (string, error) {
	return acctID, nil
}
func (fakeTokenRefresher) ForceRefresh(ctx context.Context, acctID string) error { return nil }

type fakeProjectResolver struct{}

func (fakeProjectResolver) Resolve(ctx context.Context, acctID string) (string, error) {
	return "proj", nil
}

type fakeTransformer struct{ stream bool }

func (f fakeTransformer) IsStream(body []byte) bool  { return f.stream }
func (f fakeTransformer) ModelID(body []byte) string { return "test-model" }
func (f fakeTransformer) ToUpstream(body []byte, project string) (*upstream.GenerateContentRequest, error) {
	return &upstream.GenerateContentRequest{
		Model:          "test-model",
		Metadata:       upstream.RequestMetadata{Project: project},
		SafetySettings: upstream.DefaultSafetySettings,
	}, nil
}
func (f fakeTransformer) FromUpstreamUnary(resp *upstream.GenerateContentResponse, requestID string) ([]byte, error) {
	return []byte(`{"result":"ok"}`), nil
}
func (f fakeTransformer) NewAccumulator(requestID string) Accumulator { return &fakeAccumulator{} }
func (f fakeTransformer) ContentType() string                        { return "application/json" }
func (f fakeTransformer) ErrorBody(status int, message string) []byte { return []byte(message) }

type fakeAccumulator struct{}

func (*fakeAccumulator) Feed(payload []byte) ([]byte, bool, error) {
	var frame bytes.Buffer
	frame.WriteString("data: ")
	frame.Write(payload)
	frame.WriteString("\n\n")
	return frame.Bytes(), true, nil
}
func (*fakeAccumulator) Close() ([]byte, error) { return nil, nil }

type nullSink struct{ bytes.Buffer }

func (s *nullSink) Flush() {}

// accountAwareServer returns 429 for the rateLimited account id seen on the
// Authorization header and 200 for every other account, recording which
// account ids were contacted.
func accountAwareServer(t *testing.T, rateLimited string, body string) (*httptest.Server, *[]string) {
	t.Helper()
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		seen = append(seen, token)
		if token == rateLimited {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func newTestDispatcher(t *testing.T, srv *httptest.Server, poolSize int) (*Dispatcher, *account.Store) {
	t.Helper()
	store := account.NewStore(60000)
	// Base URLs carry a path (".../v1internal") that the ":method" suffix
	// attaches to; a bare host:port would turn the suffix into a bad port.
	tr := transport.NewWithHTTPClient([]string{srv.URL + "/v1internal"}, fakeTokenRefresher{}, store, http.DefaultClient)
	sel := selector.New(store)
	d := New(store, sel, fakeProjectResolver{}, tr, Config{MaxRetryAccounts: poolSize, PoolSize: poolSize})
	return d, store
}

// TestUnaryFailsOverFromRateLimitedAccountToHealthyAccount drives scenario 1:
// the first account picked is rate limited (429), the dispatcher marks it
// into cooldown and excludes it, then retries against the next account and
// succeeds.
func TestUnaryFailsOverFromRateLimitedAccountToHealthyAccount(t *testing.T) {
	upResp, _ := marshalUpstreamResponse()
	srv, seen := accountAwareServer(t, "account-1", upResp)
	d, store := newTestDispatcher(t, srv, 2)

	acct1 := store.Add(account.Credential{Email: "a1@example.com", RefreshToken: "rt"})
	acct2 := store.Add(account.Credential{Email: "a2@example.com", RefreshToken: "rt"})

	out, err := d.Unary(context.Background(), fakeTransformer{}, []byte(`{}`), "req-1")
	if err != nil {
		t.Fatalf("Unary: %v", err)
	}
	if string(out) != `{"result":"ok"}` {
		t.Fatalf("unexpected response body %q", out)
	}

	if len(*seen) != 2 || (*seen)[0] != acct1.ID || (*seen)[1] != acct2.ID {
		t.Fatalf("expected account-1 then account-2 to be tried, got %v", *seen)
	}

	a1, _ := store.Get(acct1.ID)
	if a1.Status != account.StatusCooldown {
		t.Fatalf("expected the rate-limited account to be in cooldown, got %q", a1.Status)
	}
	a2, _ := store.Get(acct2.ID)
	if a2.Status != account.StatusReady || a2.RequestCount != 1 {
		t.Fatalf("expected the healthy account to be marked successful, got %+v", a2)
	}
}

// TestUnaryExhaustsPoolWhenEveryAccountIsRateLimited drives scenario 2: both
// accounts return 429, so the dispatcher returns RateLimitExhausted with a
// Retry-After of at least 60 seconds (the default cooldown base).
func TestUnaryExhaustsPoolWhenEveryAccountIsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d, store := newTestDispatcher(t, srv, 2)
	acct1 := store.Add(account.Credential{Email: "a1@example.com", RefreshToken: "rt"})
	acct2 := store.Add(account.Credential{Email: "a2@example.com", RefreshToken: "rt"})

	_, err := d.Unary(context.Background(), fakeTransformer{}, []byte(`{}`), "req-1")
	var derr *Error
	if err == nil {
		t.Fatalf("expected an error when every account is rate limited")
	}
	if de, ok := err.(*Error); ok {
		derr = de
	} else {
		t.Fatalf("expected a *dispatch.Error, got %T: %v", err, err)
	}
	if derr.Kind != KindRateLimitExhausted {
		t.Fatalf("expected KindRateLimitExhausted, got %q", derr.Kind)
	}
	if derr.RetryAfter < 60 {
		t.Fatalf("expected Retry-After >= 60s, got %d", derr.RetryAfter)
	}

	for _, id := range []string{acct1.ID, acct2.ID} {
		a, _ := store.Get(id)
		if a.Status != account.StatusCooldown {
			t.Fatalf("expected account %s to be in cooldown, got %q", id, a.Status)
		}
	}
}

// TestStreamFailsOverFromRateLimitedAccountToHealthyAccount exercises the
// same failover through Stream instead of Unary.
func TestStreamFailsOverFromRateLimitedAccountToHealthyAccount(t *testing.T) {
	srv, seen := accountAwareServer(t, "account-1", "data: {\"result\":\"ok\"}\n\n")
	d, store := newTestDispatcher(t, srv, 2)

	acct1 := store.Add(account.Credential{Email: "a1@example.com", RefreshToken: "rt"})
	acct2 := store.Add(account.Credential{Email: "a2@example.com", RefreshToken: "rt"})

	sink := &nullSink{}
	err := d.Stream(context.Background(), fakeTransformer{stream: true}, []byte(`{}`), "req-1", sink)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(*seen) != 2 || (*seen)[0] != acct1.ID || (*seen)[1] != acct2.ID {
		t.Fatalf("expected account-1 then account-2 to be tried, got %v", *seen)
	}
	if sink.Len() == 0 {
		t.Fatalf("expected the accumulator's frames to reach the sink")
	}
}

func marshalUpstreamResponse() (string, error) {
	resp := upstream.GenerateContentResponse{
		Candidates: []upstream.Candidate{{
			Content:      upstream.Content{Parts: []upstream.Part{{Text: "hi"}}},
			FinishReason: "STOP",
		}},
	}
	b, err := json.Marshal(resp)
	return string(b), err
}
