// Package openai implements the OpenAI ↔ Upstream Transformer (C10).
package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/antigravity-relay/relay/internal/upstream"
)

// thinkingBudgets maps reasoning_effort to a thinking token budget for
// Claude and Gemini-2.5-family models (spec §4.10).
var thinkingBudgets = map[string]int{
	"low":    8192,
	"medium": 16384,
	"high":   32768,
}

// ChatMessage is one element of the OpenAI "messages" array.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolCallFunc `json:"function"`
}

type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ContentPart is one element of a multi-part "content" array (text/image).
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// ToolDef is one element of the "tools" array.
type ToolDef struct {
	Type     string       `json:"type"`
	Function ToolDefFunc  `json:"function"`
}

type ToolDefFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatCompletionRequest is the client-facing request body.
type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	Tools          []ToolDef       `json:"tools,omitempty"`
	ToolChoice     json.RawMessage `json:"tool_choice,omitempty"`
	ReasoningEffort string         `json:"reasoning_effort,omitempty"`
}

// IsStream implements dispatch.Transformer.
func (t *Transformer) IsStream(body []byte) bool {
	var req struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &req)
	return req.Stream
}

// ModelID implements dispatch.Transformer.
func (t *Transformer) ModelID(body []byte) string {
	var req struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &req)
	return req.Model
}

// ToUpstream implements dispatch.Transformer (spec §4.10 "Request → upstream").
func (t *Transformer) ToUpstream(body []byte, project string) (*upstream.GenerateContentRequest, error) {
	var req ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode chat completion request: %w", err)
	}

	info, _ := upstream.Resolve(req.Model)

	var systemInstruction *upstream.Content
	contents := make([]upstream.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			// The last system message wins (spec: "the last system message
			// becomes a systemInstruction").
			systemInstruction = &upstream.Content{Role: "user", Parts: []upstream.Part{{Text: textOf(m.Content)}}}
		case "user":
			contents = append(contents, upstream.Content{Role: "user", Parts: userParts(m.Content)})
		case "assistant":
			parts := []upstream.Part{}
			if text := textOf(m.Content); text != "" {
				parts = append(parts, upstream.Part{Text: text})
			}
			for _, tc := range m.ToolCalls {
				var args json.RawMessage
				if tc.Function.Arguments != "" {
					args = json.RawMessage(tc.Function.Arguments)
				} else {
					args = json.RawMessage("{}")
				}
				parts = append(parts, upstream.Part{FunctionCall: &upstream.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: args,
				}})
			}
			contents = append(contents, upstream.Content{Role: "model", Parts: parts})
		case "tool":
			result := parseJSONOrWrap(textOf(m.Content))
			contents = append(contents, upstream.Content{Role: "user", Parts: []upstream.Part{{
				FunctionResponse: &upstream.FunctionResponse{ID: m.ToolCallID, Name: "tool", Response: result},
			}}})
		}
	}

	genConfig := &upstream.GenerationConfig{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSequences: req.Stop,
	}
	maxTokens := info.DefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	genConfig.MaxOutputTokens = &maxTokens

	applyThinking(genConfig, info, req.ReasoningEffort)

	upReq := &upstream.GenerateContentRequest{
		Model:             info.UpstreamModel,
		Contents:          contents,
		SystemInstruction: systemInstruction,
		GenerationConfig:  genConfig,
		SafetySettings:    upstream.DefaultSafetySettings,
		Metadata:          buildMetadata(project),
	}

	if len(req.Tools) > 0 {
		decls := make([]upstream.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decl := upstream.FunctionDeclaration{Name: tool.Function.Name, Description: tool.Function.Description}
			if info.Family == upstream.FamilyClaude {
				decl.Parameters = cleanSchema(tool.Function.Parameters)
			} else {
				decl.ParametersJSONSchema = tool.Function.Parameters
			}
			decls = append(decls, decl)
		}
		upReq.Tools = []upstream.Tool{{FunctionDeclarations: decls}}
	}

	if cfg := toolChoiceConfig(req.ToolChoice); cfg != nil {
		upReq.ToolConfig = &upstream.ToolConfig{FunctionCallingConfig: *cfg}
	}

	return upReq, nil
}

func applyThinking(gc *upstream.GenerationConfig, info upstream.ModelInfo, effort string) {
	if upstream.IsHaiku(info.ID) {
		// Haiku doesn't support extended thinking; leave ThinkingConfig unset.
		return
	}
	switch info.Family {
	case upstream.FamilyGemini3:
		level := "high"
		if effort == "low" {
			level = "low"
		}
		gc.ThinkingConfig = &upstream.ThinkingConfig{ThinkingLevel: level, IncludeThoughts: true}
	case upstream.FamilyClaude, upstream.FamilyGemini25:
		if info.IsOpus {
			budget := -1
			if b, ok := thinkingBudgets[effort]; ok {
				budget = b
			}
			gc.ThinkingConfig = &upstream.ThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
		} else if effort != "" {
			budget, ok := thinkingBudgets[effort]
			if !ok {
				budget = thinkingBudgets["medium"]
			}
			gc.ThinkingConfig = &upstream.ThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
		}
	}
}

func cleanSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return raw
	}
	cleaned := upstream.CleanClaudeSchema(decoded)
	out, err := json.Marshal(cleaned)
	if err != nil {
		return raw
	}
	return out
}

func toolChoiceConfig(raw json.RawMessage) *upstream.FunctionCallingConfig {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		switch asString {
		case "auto":
			return &upstream.FunctionCallingConfig{Mode: "AUTO"}
		case "none":
			return &upstream.FunctionCallingConfig{Mode: "NONE"}
		case "required":
			return &upstream.FunctionCallingConfig{Mode: "ANY"}
		}
		return nil
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return &upstream.FunctionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{named.Function.Name}}
	}
	return nil
}

func buildMetadata(project string) upstream.RequestMetadata {
	sessionID := negativeSessionID()
	return upstream.RequestMetadata{
		Project:   project,
		UserAgent: "antigravity-relay/1.0",
		RequestID: "agent-" + uuid.NewString(),
		SessionID: sessionID,
	}
}

// negativeSessionID produces a negative-prefixed 18-digit decimal string
// from a fresh uuid, per spec §4.10.
func negativeSessionID() string {
	id := uuid.New()
	var n uint64
	for _, b := range id[:8] {
		n = n<<8 | uint64(b)
	}
	n %= 1_000_000_000_000_000_000
	return fmt.Sprintf("-%018d", n)
}

func textOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	}
	return ""
}

func userParts(raw json.RawMessage) []upstream.Part {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []upstream.Part{{Text: s}}
	}
	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	out := make([]upstream.Part, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, upstream.Part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			out = append(out, upstream.Part{InlineData: parseImageURL(p.ImageURL.URL)})
		}
	}
	return out
}

func parseImageURL(u string) *upstream.InlineData {
	if strings.HasPrefix(u, "data:") {
		rest := strings.TrimPrefix(u, "data:")
		semi := strings.Index(rest, ";")
		comma := strings.Index(rest, ",")
		if semi > 0 && comma > semi {
			mime := rest[:semi]
			payload := rest[comma+1:]
			return &upstream.InlineData{MimeType: mime, Data: payload}
		}
	}
	return &upstream.InlineData{MimeType: "image/png", Data: u}
}

func parseJSONOrWrap(s string) json.RawMessage {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		trimmed = "{}"
	}
	var probe interface{}
	if err := json.Unmarshal([]byte(trimmed), &probe); err == nil {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"output": s})
	return wrapped
}
