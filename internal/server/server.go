// Package server exposes the client HTTP surface of spec §6/§4.17:
// /v1/chat/completions, /v1/messages, /v1/models, /v1/quota, /healthz.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-relay/relay/internal/account"
	"github.com/antigravity-relay/relay/internal/anthropic"
	"github.com/antigravity-relay/relay/internal/dispatch"
	"github.com/antigravity-relay/relay/internal/openai"
	"github.com/antigravity-relay/relay/internal/quota"
	"github.com/antigravity-relay/relay/internal/upstream"
)

// Server wires the Dispatcher and dialect transformers to the HTTP surface.
type Server struct {
	mux        *http.ServeMux
	dispatcher *dispatch.Dispatcher
	openai     *openai.Transformer
	anthropic  *anthropic.Transformer
	quota      *quota.Tracker
	store      *account.Store
	apiKey     string
}

func New(d *dispatch.Dispatcher, q *quota.Tracker, store *account.Store, apiKey string) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		dispatcher: d,
		openai:     openai.New(),
		anthropic:  anthropic.New(),
		quota:      q,
		store:      store,
		apiKey:     apiKey,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.Handle("POST /v1/chat/completions", s.withAuth(authBearer, http.HandlerFunc(s.handleChatCompletions)))
	s.mux.Handle("POST /v1/messages", s.withAuth(authAPIKey, http.HandlerFunc(s.handleMessages)))
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	s.mux.HandleFunc("GET /v1/quota", s.handleQuota)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	slog.Debug("request served", "component", "server", "method", r.Method, "path", r.URL.Path, "elapsed_ms", time.Since(start).Milliseconds())
}

// --- auth ---

type authMode int

const (
	authBearer authMode = iota
	authAPIKey
)

// withAuth enforces the PROXY_API_KEY check described in spec §6: OpenAI
// endpoints read it from "Authorization: Bearer <k>", /v1/messages from
// "x-api-key". When no key is configured, all requests are accepted.
func (s *Server) withAuth(mode authMode, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		var provided string
		switch mode {
		case authBearer:
			auth := r.Header.Get("Authorization")
			provided = strings.TrimPrefix(auth, "Bearer ")
		case authAPIKey:
			provided = r.Header.Get("x-api-key")
		}

		if provided != s.apiKey {
			writeAuthError(w, mode)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, mode authMode) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	if mode == authAPIKey {
		_, _ = w.Write((&anthropic.Transformer{}).ErrorBody(http.StatusUnauthorized, "missing or invalid API key"))
		return
	}
	_, _ = w.Write((&openai.Transformer{}).ErrorBody(http.StatusUnauthorized, "missing or invalid API key"))
}

// --- /v1/chat/completions ---

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, s.openai, true)
}

// --- /v1/messages ---

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, s.anthropic, false)
}

// handle drives one unary-or-stream request through the Dispatcher.
// isOpenAI selects the OpenAI-only "openai-processing-ms" response header
// (spec §4.6): Anthropic's /v1/messages does not carry it.
func (s *Server) handle(w http.ResponseWriter, r *http.Request, t dispatch.Transformer, isOpenAI bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	requestID := dispatch.NewRequestID()
	w.Header().Set("x-request-id", requestID)

	if t.IsStream(body) {
		s.handleStream(w, r.Context(), t, body, requestID)
		return
	}

	start := time.Now()
	out, err := s.dispatcher.Unary(r.Context(), t, body, requestID)
	if err != nil {
		writeDispatchError(w, t, err)
		return
	}

	w.Header().Set("Content-Type", t.ContentType())
	if isOpenAI {
		w.Header().Set("openai-processing-ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) { return fw.w.Write(p) }
func (fw *flushWriter) Flush()                       { fw.f.Flush() }

func (s *Server) handleStream(w http.ResponseWriter, ctx context.Context, t dispatch.Transformer, body []byte, requestID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Headers are not committed until the Dispatcher actually starts
	// writing (the dispatcher only calls sink.Write after it has a live
	// upstream stream), so pre-header failover still applies up to that
	// point (spec §4.6/§4.9).
	headerWriter := &headerOnFirstWrite{w: w, requestID: requestID}
	sink := &flushWriter{w: headerWriter, f: flusher}

	err := s.dispatcher.Stream(ctx, t, body, requestID, sink)
	if err != nil {
		if headerWriter.written {
			// Headers already sent: this is a terminal stream error, not
			// retried (spec §4.6/§9). Emit as much of a dialect error frame
			// as we can; the connection is already committed to 200.
			slog.Warn("terminal stream error after headers sent", "component", "server", "err", err)
			message := err.Error()
			var derr *dispatch.Error
			if errors.As(err, &derr) {
				message = derr.Message
			}
			frame := []byte("data: ")
			if _, isAnthropic := t.(*anthropic.Transformer); isAnthropic {
				frame = []byte("event: error\ndata: ")
			}
			frame = append(frame, t.ErrorBody(http.StatusBadGateway, message)...)
			frame = append(frame, "\n\n"...)
			_, _ = sink.Write(frame)
			sink.Flush()
			return
		}
		writeDispatchError(w, t, err)
	}
}

// headerOnFirstWrite defers sending the streaming response's status line
// and headers until the first byte is actually written, so a pre-header
// dispatch failure can still be reported as a normal error response.
type headerOnFirstWrite struct {
	w         http.ResponseWriter
	requestID string
	written   bool
}

func (h *headerOnFirstWrite) Write(p []byte) (int, error) {
	if !h.written {
		h.w.Header().Set("Content-Type", "text/event-stream")
		h.w.Header().Set("Cache-Control", "no-cache")
		h.w.Header().Set("Connection", "keep-alive")
		h.w.Header().Set("x-request-id", h.requestID)
		h.w.WriteHeader(http.StatusOK)
		h.written = true
	}
	return h.w.Write(p)
}

func writeDispatchError(w http.ResponseWriter, t dispatch.Transformer, err error) {
	var derr *dispatch.Error
	status := http.StatusBadGateway
	message := err.Error()
	retryAfter := 0

	if errors.As(err, &derr) {
		message = derr.Message
		switch derr.Kind {
		case dispatch.KindRateLimitExhausted:
			status = http.StatusTooManyRequests
			retryAfter = derr.RetryAfter
		case dispatch.KindAuthRefreshFailed:
			status = http.StatusUnauthorized
		case dispatch.KindProjectResolutionFailed:
			status = http.StatusBadGateway
		case dispatch.KindNoAccounts:
			status = http.StatusServiceUnavailable
		case dispatch.KindUpstreamBadGateway:
			status = http.StatusBadGateway
		case dispatch.KindUpstreamError:
			if derr.Status != 0 {
				status = derr.Status
			}
		case dispatch.KindParseFailure:
			status = http.StatusBadGateway
		default:
			status = http.StatusBadGateway
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.WriteHeader(status)
	_, _ = w.Write(t.ErrorBody(status, message))
}

// --- /v1/models ---

type modelsListResponse struct {
	Object string            `json:"object"`
	Data   []modelListEntry  `json:"data"`
}

type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	entries := make([]modelListEntry, 0, len(upstream.ModelTable))
	now := time.Now().Unix()
	for _, m := range upstream.ModelTable {
		entries = append(entries, modelListEntry{ID: m.ID, Object: "model", Created: now, OwnedBy: "antigravity-relay"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(modelsListResponse{Object: "list", Data: entries})
}

// --- /v1/quota ---

type quotaResponse struct {
	Accounts []quotaAccountEntry `json:"accounts"`
}

type quotaAccountEntry struct {
	ID            string             `json:"id"`
	Email         string             `json:"email"`
	Status        string             `json:"status"`
	Models        []quotaModelEntry  `json:"models"`
	LastFetchedMs int64              `json:"lastFetchedAt"`
}

type quotaModelEntry struct {
	ModelName string  `json:"modelName"`
	Quota     float64 `json:"quota"`
	ResetMs   int64   `json:"resetTime,omitempty"`
	Status    string  `json:"status"`
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	accounts := s.store.List()
	readyIDs := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if a.Status == account.StatusReady {
			readyIDs = append(readyIDs, a.ID)
		}
	}
	s.quota.RefreshAll(r.Context(), readyIDs)

	allIDs := make([]string, 0, len(accounts))
	for _, a := range accounts {
		allIDs = append(allIDs, a.ID)
	}
	snapshots := s.quota.Snapshot(allIDs)

	byID := make(map[string]account.Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}

	out := quotaResponse{Accounts: make([]quotaAccountEntry, 0, len(snapshots))}
	for _, snap := range snapshots {
		a := byID[snap.AccountID]
		models := make([]quotaModelEntry, 0, len(snap.Models))
		for _, m := range snap.Models {
			models = append(models, quotaModelEntry{
				ModelName: m.ModelName,
				Quota:     m.RemainingFraction,
				ResetMs:   m.ResetMs,
				Status:    m.Status,
			})
		}
		out.Accounts = append(out.Accounts, quotaAccountEntry{
			ID:            a.ID,
			Email:         a.Email,
			Status:        string(a.Status),
			Models:        models,
			LastFetchedMs: snap.LastFetchedMs,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// --- /healthz ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	accounts := s.store.List()
	ready := 0
	for _, a := range accounts {
		if a.Status == account.StatusReady {
			ready++
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"pool_size":   len(accounts),
		"ready_count": ready,
	})
}
