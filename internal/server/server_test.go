package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/antigravity-relay/relay/internal/account"
	"github.com/antigravity-relay/relay/internal/anthropic"
	"github.com/antigravity-relay/relay/internal/dispatch"
	"github.com/antigravity-relay/relay/internal/openai"
	"github.com/antigravity-relay/relay/internal/selector"
	"github.com/antigravity-relay/relay/internal/transport"
	"github.com/antigravity-relay/relay/internal/upstream"
)

type fakeProjectResolver struct{}

func (fakeProjectResolver) Resolve(ctx context.Context, acctID string) (string, error) {
	return "proj", nil
}

type fakeTokenRefresher struct{}

func (fakeTokenRefresher) EnsureValid(ctx context.Context, acctID string) (string, error) {
	return "tok", nil
}
func (fakeTokenRefresher) ForceRefresh(ctx context.Context, acctID string) error { return nil }

// newTestServer wires a Server against a fake upstream that always succeeds,
// so handleChatCompletions/handleMessages can be driven end to end.
func newTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()
	upResp, err := json.Marshal(upstream.GenerateContentResponse{
		Candidates: []upstream.Candidate{{
			Content:      upstream.Content{Parts: []upstream.Part{{Text: "hi"}}},
			FinishReason: "STOP",
		}},
	})
	if err != nil {
		t.Fatalf("marshal upstream response: %v", err)
	}

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(upResp)
	}))
	t.Cleanup(upstreamSrv.Close)

	store := account.NewStore(60000)
	store.Add(account.Credential{Email: "a@example.com", RefreshToken: "rt"})

	// Base URLs carry a path (".../v1internal") that the ":method" suffix
	// attaches to; a bare host:port would turn the suffix into a bad port.
	tr := transport.NewWithHTTPClient([]string{upstreamSrv.URL + "/v1internal"}, fakeTokenRefresher{}, store, http.DefaultClient)
	sel := selector.New(store)
	d := dispatch.New(store, sel, fakeProjectResolver{}, tr, dispatch.Config{MaxRetryAccounts: 1, PoolSize: 1})

	return New(d, nil, store, apiKey)
}

func TestHandleMessagesOmitsOpenAIHeaderOnAnthropicResponses(t *testing.T) {
	s := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("openai-processing-ms"); got != "" {
		t.Fatalf("expected no openai-processing-ms header on an Anthropic response, got %q", got)
	}
}

func TestHandleChatCompletionsSetsOpenAIHeaderOnOpenAIResponses(t *testing.T) {
	s := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("openai-processing-ms"); got == "" {
		t.Fatalf("expected an openai-processing-ms header on an OpenAI response")
	}
}

func TestWithAuthExtractsBearerForOpenAIEndpoint(t *testing.T) {
	s := &Server{apiKey: "secret"}
	called := false
	h := s.withAuth(authBearer, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called || rec.Code != http.StatusOK {
		t.Fatalf("expected the request to pass through with a valid bearer token, got code %d", rec.Code)
	}
}

func TestWithAuthRejectsWrongBearerToken(t *testing.T) {
	s := &Server{apiKey: "secret"}
	h := s.withAuth(authBearer, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWithAuthExtractsAPIKeyHeaderForAnthropicEndpoint(t *testing.T) {
	s := &Server{apiKey: "secret"}
	called := false
	h := s.withAuth(authAPIKey, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called || rec.Code != http.StatusOK {
		t.Fatalf("expected the request to pass through with a valid x-api-key, got code %d", rec.Code)
	}
}

func TestWithAuthAcceptsEverythingWhenNoAPIKeyConfigured(t *testing.T) {
	s := &Server{apiKey: ""}
	called := false
	h := s.withAuth(authAPIKey, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected the request to pass through when no API key is configured")
	}
}

func TestWriteDispatchErrorMapsKindToStatus(t *testing.T) {
	cases := []struct {
		derr       *dispatch.Error
		wantStatus int
	}{
		{&dispatch.Error{Kind: dispatch.KindRateLimitExhausted, RetryAfter: 42}, http.StatusTooManyRequests},
		{&dispatch.Error{Kind: dispatch.KindAuthRefreshFailed}, http.StatusUnauthorized},
		{&dispatch.Error{Kind: dispatch.KindProjectResolutionFailed}, http.StatusBadGateway},
		{&dispatch.Error{Kind: dispatch.KindNoAccounts}, http.StatusServiceUnavailable},
		{&dispatch.Error{Kind: dispatch.KindUpstreamBadGateway}, http.StatusBadGateway},
		{&dispatch.Error{Kind: dispatch.KindUpstreamError, Status: 418}, 418},
		{&dispatch.Error{Kind: dispatch.KindParseFailure}, http.StatusBadGateway},
	}

	for _, c := range cases {
		rec := httptest.NewRecorder()
		writeDispatchError(rec, openai.New(), c.derr)
		if rec.Code != c.wantStatus {
			t.Fatalf("%s: expected status %d, got %d", c.derr.Kind, c.wantStatus, rec.Code)
		}
	}
}

func TestWriteDispatchErrorSetsRetryAfterOnlyWhenPositive(t *testing.T) {
	rec := httptest.NewRecorder()
	writeDispatchError(rec, anthropic.New(), &dispatch.Error{Kind: dispatch.KindRateLimitExhausted, RetryAfter: 42})
	if got := rec.Header().Get("Retry-After"); got != "42" {
		t.Fatalf("expected Retry-After: 42, got %q", got)
	}

	rec2 := httptest.NewRecorder()
	writeDispatchError(rec2, anthropic.New(), &dispatch.Error{Kind: dispatch.KindUpstreamBadGateway})
	if got := rec2.Header().Get("Retry-After"); got != "" {
		t.Fatalf("expected no Retry-After header, got %q", got)
	}
}
