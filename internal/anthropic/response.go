package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/antigravity-relay/relay/internal/upstream"
)

type Transformer struct{}

func New() *Transformer { return &Transformer{} }

func (t *Transformer) ContentType() string { return "application/json" }

// MessagesResponse is the unary client-facing response body.
type MessagesResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Model      string          `json:"model,omitempty"`
	Content    []ResponseBlock `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      AnthropicUsage  `json:"usage"`
}

type ResponseBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func mapStopReason(upstreamReason string, sawToolUse bool) string {
	if sawToolUse {
		return "tool_use"
	}
	switch upstreamReason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// FromUpstreamUnary implements dispatch.Transformer (spec §4.11 "Upstream →
// response (unary)").
func (t *Transformer) FromUpstreamUnary(resp *upstream.GenerateContentResponse, requestID string) ([]byte, error) {
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("upstream response has no candidates")
	}
	cand := resp.Candidates[0]

	var blocks []ResponseBlock
	var sawToolUse bool
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			sawToolUse = true
			input := part.FunctionCall.Args
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, ResponseBlock{
				Type:  "tool_use",
				ID:    part.FunctionCall.ID,
				Name:  part.FunctionCall.Name,
				Input: input,
			})
		case part.Thought:
			blocks = append(blocks, ResponseBlock{Type: "thinking", Thinking: part.Text})
		default:
			blocks = append(blocks, ResponseBlock{Type: "text", Text: part.Text})
		}
	}

	out := MessagesResponse{
		ID:         requestID,
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		StopReason: mapStopReason(cand.FinishReason, sawToolUse),
	}
	if resp.UsageMetadata != nil {
		out.Usage = AnthropicUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}

	return json.Marshal(out)
}

// ErrorBody implements dispatch.Transformer (spec §7, §6 "Error body shapes").
func (t *Transformer) ErrorBody(status int, message string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    errorType(status),
			"message": message,
		},
	})
	return body
}

func errorType(status int) string {
	switch status {
	case 400:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 404:
		return "not_found_error"
	case 429:
		return "rate_limit_error"
	case 500, 502, 503:
		return "api_error"
	case 529:
		return "overloaded_error"
	default:
		if status >= 500 {
			return "api_error"
		}
		return "invalid_request_error"
	}
}
