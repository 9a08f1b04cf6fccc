// Package dispatch implements the Dispatcher (C7): executes a logical
// request against the account pool with at-most-N account failovers,
// uniform for unary and streaming dispatch.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-relay/relay/internal/account"
	"github.com/antigravity-relay/relay/internal/sse"
	"github.com/antigravity-relay/relay/internal/transport"
	"github.com/antigravity-relay/relay/internal/upstream"
)

// Accumulator turns decoded upstream SSE payloads into client-dialect SSE
// frames (spec §3 "stream accumulator", §4.10/§4.11).
type Accumulator interface {
	// Feed processes one upstream JSON payload and returns the raw bytes to
	// write to the client (already framed as "data: ...\n\n" or
	// "event:...\ndata:...\n\n"), and whether this payload carried the
	// terminal usage-bearing chunk.
	Feed(payload []byte) (frames []byte, terminal bool, err error)
	// Close is invoked if the upstream stream ended without a terminal
	// chunk; it synthesizes the closing sequence.
	Close() (frames []byte, err error)
}

// Transformer is implemented once per client dialect (OpenAI, Anthropic).
type Transformer interface {
	// IsStream reports whether the client request body asks for a stream.
	IsStream(body []byte) bool
	// ModelID extracts the client-requested model id from the body.
	ModelID(body []byte) string
	// ToUpstream translates a client request body into an upstream request.
	ToUpstream(body []byte, project string) (*upstream.GenerateContentRequest, error)
	// FromUpstreamUnary translates an upstream response into the
	// client-dialect JSON body.
	FromUpstreamUnary(resp *upstream.GenerateContentResponse, requestID string) ([]byte, error)
	// NewAccumulator starts a fresh stream accumulator for one request.
	NewAccumulator(requestID string) Accumulator
	// ContentType is the Content-Type for unary JSON responses.
	ContentType() string
	// ErrorBody shapes a dialect-specific error body for a given HTTP
	// status and message (spec §7).
	ErrorBody(status int, message string) []byte
}

// ProjectResolver is the subset of account.Resolver the Dispatcher needs.
type ProjectResolver interface {
	Resolve(ctx context.Context, acctID string) (string, error)
}

// Selector is the subset of selector.Selector the Dispatcher needs.
type Selector interface {
	Pick(model string, exclude map[string]bool) (string, bool)
}

// Config is the Dispatcher's tunables.
type Config struct {
	MaxRetryAccounts int
	PoolSize         int
}

// Dispatcher is C7.
type Dispatcher struct {
	store     *account.Store
	selector  Selector
	projects  ProjectResolver
	transport *transport.Client
	cfg       Config
}

func New(store *account.Store, sel Selector, projects ProjectResolver, tr *transport.Client, cfg Config) *Dispatcher {
	return &Dispatcher{store: store, selector: sel, projects: projects, transport: tr, cfg: cfg}
}

func (d *Dispatcher) attempts() int {
	n := d.cfg.MaxRetryAccounts
	if d.cfg.PoolSize > 0 && d.cfg.PoolSize < n {
		n = d.cfg.PoolSize
	}
	if n <= 0 {
		n = 1
	}
	return n
}

// retryAfterSeconds computes the Retry-After value for a RateLimitExhausted
// response (spec §4.6).
func (d *Dispatcher) retryAfterSeconds() int {
	earliest, ok := d.store.EarliestCooldownEnd()
	if !ok {
		return 60
	}
	secs := math.Ceil(float64(earliest-time.Now().UnixMilli()) / 1000)
	if secs < 1 {
		secs = 1
	}
	return int(secs)
}

// Unary executes request against the pool, returning the client-dialect
// response body and content type (spec §4.6).
func (d *Dispatcher) Unary(ctx context.Context, t Transformer, body []byte, requestID string) ([]byte, error) {
	if d.cfg.PoolSize == 0 {
		return nil, newError(KindNoAccounts, 0, 0, "account pool is empty", nil)
	}

	model := t.ModelID(body)
	exclude := make(map[string]bool)

	for i := 0; i < d.attempts(); i++ {
		acctID, ok := d.selector.Pick(model, exclude)
		if !ok {
			return nil, newError(KindRateLimitExhausted, 0, d.retryAfterSeconds(), "no ready accounts", nil)
		}

		project, err := d.projects.Resolve(ctx, acctID)
		if err != nil {
			return nil, newError(KindProjectResolutionFailed, 0, 0, "project resolution failed", err)
		}

		upReq, err := t.ToUpstream(body, project)
		if err != nil {
			return nil, newError(KindUpstreamError, http.StatusBadRequest, 0, "request translation failed", err)
		}

		reqBody, err := json.Marshal(upReq)
		if err != nil {
			return nil, newError(KindUpstreamError, http.StatusBadRequest, 0, "request encode failed", err)
		}

		respBody, err := d.transport.PostJSON(ctx, acctID, ":generateContent", reqBody)
		if err != nil {
			var rl *transport.RateLimitError
			if errors.As(err, &rl) {
				d.store.MarkCooldown(acctID)
				exclude[acctID] = true
				slog.Warn("account rate limited", "component", "dispatch", "account_id", acctID)
				continue
			}
			return nil, classifyTransportError(err)
		}

		var upResp upstream.GenerateContentResponse
		if err := json.Unmarshal(respBody, &upResp); err != nil {
			return nil, newError(KindParseFailure, 0, 0, "malformed upstream response", err)
		}

		d.store.MarkSuccess(acctID)

		out, err := t.FromUpstreamUnary(&upResp, requestID)
		if err != nil {
			return nil, newError(KindUpstreamError, http.StatusBadGateway, 0, "response translation failed", err)
		}
		return out, nil
	}

	return nil, newError(KindRateLimitExhausted, 0, d.retryAfterSeconds(), "retry budget exhausted", nil)
}

// StreamSink receives the client-dialect bytes for a streaming response,
// along with a Flush hook matching http.Flusher.
type StreamSink interface {
	io.Writer
	Flush()
}

// Stream executes request against the pool with streaming dispatch. Before
// any bytes are written to sink, a 429 fails over to another account; once
// the upstream stream has started writing, any subsequent error becomes a
// terminal stream error (spec §4.6/§4.9).
func (d *Dispatcher) Stream(ctx context.Context, t Transformer, body []byte, requestID string, sink StreamSink) error {
	if d.cfg.PoolSize == 0 {
		return newError(KindNoAccounts, 0, 0, "account pool is empty", nil)
	}

	model := t.ModelID(body)
	exclude := make(map[string]bool)

	for i := 0; i < d.attempts(); i++ {
		acctID, ok := d.selector.Pick(model, exclude)
		if !ok {
			return newError(KindRateLimitExhausted, 0, d.retryAfterSeconds(), "no ready accounts", nil)
		}

		project, err := d.projects.Resolve(ctx, acctID)
		if err != nil {
			return newError(KindProjectResolutionFailed, 0, 0, "project resolution failed", err)
		}

		upReq, err := t.ToUpstream(body, project)
		if err != nil {
			return newError(KindUpstreamError, http.StatusBadRequest, 0, "request translation failed", err)
		}
		reqBody, err := json.Marshal(upReq)
		if err != nil {
			return newError(KindUpstreamError, http.StatusBadRequest, 0, "request encode failed", err)
		}

		upstreamBody, err := d.transport.PostStream(ctx, acctID, ":streamGenerateContent?alt=sse", reqBody)
		if err != nil {
			var rl *transport.RateLimitError
			if errors.As(err, &rl) {
				d.store.MarkCooldown(acctID)
				exclude[acctID] = true
				slog.Warn("account rate limited (stream)", "component", "dispatch", "account_id", acctID)
				continue
			}
			return classifyTransportError(err)
		}

		// Headers are about to be committed to the client: from this point
		// failure is terminal, not retried (spec §4.6/§9).
		d.store.MarkSuccess(acctID)
		err = d.runStream(ctx, t, upstreamBody, requestID, sink)
		upstreamBody.Close()
		return err
	}

	return newError(KindRateLimitExhausted, 0, d.retryAfterSeconds(), "retry budget exhausted", nil)
}

func (d *Dispatcher) runStream(ctx context.Context, t Transformer, body io.ReadCloser, requestID string, sink StreamSink) error {
	acc := t.NewAccumulator(requestID)
	framer := sse.New()
	terminalSeen := false

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return newError(KindClientDisconnect, 0, 0, "client disconnected", ctx.Err())
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			payloads := framer.Feed(buf[:n])
			for _, p := range payloads {
				frames, terminal, err := acc.Feed([]byte(p))
				if err != nil {
					slog.Warn("skipping malformed stream chunk", "component", "dispatch", "err", err)
					continue
				}
				if len(frames) > 0 {
					if _, werr := sink.Write(frames); werr != nil {
						return newError(KindClientDisconnect, 0, 0, "client write failed", werr)
					}
					sink.Flush()
				}
				if terminal {
					terminalSeen = true
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if !terminalSeen {
				return newError(KindUpstreamBadGateway, 0, 0, "upstream stream read failed", readErr)
			}
			break
		}
	}

	if !terminalSeen {
		frames, err := acc.Close()
		if err != nil {
			return newError(KindParseFailure, 0, 0, "failed to synthesize closing stream frames", err)
		}
		if len(frames) > 0 {
			if _, werr := sink.Write(frames); werr != nil {
				return newError(KindClientDisconnect, 0, 0, "client write failed", werr)
			}
			sink.Flush()
		}
	}
	return nil
}

func classifyTransportError(err error) error {
	var authErr *transport.AuthError
	if errors.As(err, &authErr) {
		return newError(KindAuthRefreshFailed, http.StatusUnauthorized, 0, "auth refresh failed", err)
	}
	var gatewayErr *transport.BadGatewayError
	if errors.As(err, &gatewayErr) {
		return newError(KindUpstreamBadGateway, http.StatusBadGateway, 0, "all base urls failed", err)
	}
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) {
		return newError(KindUpstreamError, statusErr.Status, 0, fmt.Sprintf("upstream status %d", statusErr.Status), err)
	}
	return newError(KindUpstreamError, http.StatusBadGateway, 0, "upstream error", err)
}

// NewRequestID generates the locally-assigned id echoed as x-request-id
// (spec §4.6/§4.15).
func NewRequestID() string {
	return "req-" + uuid.NewString()
}
