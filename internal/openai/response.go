package openai

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-relay/relay/internal/upstream"
)

// Transformer implements dispatch.Transformer for the OpenAI dialect.
type Transformer struct{}

func New() *Transformer { return &Transformer{} }

func (t *Transformer) ContentType() string { return "application/json" }

// ChatCompletionResponse is the unary client-facing response body.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int         `json:"index"`
	Message      *Message    `json:"message,omitempty"`
	Delta        *Delta      `json:"delta,omitempty"`
	FinishReason *string     `json:"finish_reason"`
}

type Message struct {
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

type Delta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
}

type ToolCallDelta struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function *ToolCallFuncDelta `json:"function,omitempty"`
}

type ToolCallFuncDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func mapFinishReason(upstreamReason string, sawToolCall bool) string {
	if sawToolCall {
		return "tool_calls"
	}
	switch upstreamReason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

// FromUpstreamUnary implements dispatch.Transformer (spec §4.10 "Upstream →
// response (unary)").
func (t *Transformer) FromUpstreamUnary(resp *upstream.GenerateContentResponse, requestID string) ([]byte, error) {
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("upstream response has no candidates")
	}
	cand := resp.Candidates[0]

	var content, reasoning string
	var toolCalls []ToolCall
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + randomHex(24)
			}
			args := "{}"
			if len(part.FunctionCall.Args) > 0 {
				args = string(part.FunctionCall.Args)
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:   id,
				Type: "function",
				Function: ToolCallFunc{
					Name:      part.FunctionCall.Name,
					Arguments: args,
				},
			})
		case part.Thought:
			reasoning += part.Text
		default:
			content += part.Text
		}
	}

	finish := mapFinishReason(cand.FinishReason, len(toolCalls) > 0)

	out := ChatCompletionResponse{
		ID:      requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Choices: []Choice{{
			Index: 0,
			Message: &Message{
				Role:             "assistant",
				Content:          content,
				ReasoningContent: reasoning,
				ToolCalls:        toolCalls,
			},
			FinishReason: &finish,
		}},
	}
	if resp.UsageMetadata != nil {
		out.Usage = &Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}

	return json.Marshal(out)
}

// ErrorBody implements dispatch.Transformer (spec §7, §6 "Error body shapes").
func (t *Transformer) ErrorBody(status int, message string) []byte {
	errType := errorType(status)
	body, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"param":   nil,
			"code":    errorCode(status),
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
		return "invalid_request_error"
	case 429:
		return "rate_limit_error"
	default:
		if status >= 500 {
			return "server_error"
		}
		return "invalid_request_error"
	}
}

func errorCode(status int) string {
	switch status {
	case 429:
		return "rate_limit_exceeded"
	case 401:
		return "invalid_api_key"
	default:
		return "error"
	}
}

func randomHex(n int) string {
	b := make([]byte, n/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
