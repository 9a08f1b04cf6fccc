// Package anthropic implements the Anthropic ↔ Upstream Transformer (C11).
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/antigravity-relay/relay/internal/upstream"
)

var thinkingBudgets = map[string]int{
	"low":    8192,
	"medium": 16384,
	"high":   32768,
}

const defaultThinkingBudget = 16384

// ContentBlock is one element of a "content" array, either in a request
// message or (shaped differently) in a response.
type ContentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Source  *ImageSource    `json:"source,omitempty"`
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Message is one element of the "messages" array.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Tool is one element of the "tools" array.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type ThinkingRequest struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// MessagesRequest is the client-facing request body.
type MessagesRequest struct {
	Model      string          `json:"model"`
	System     json.RawMessage `json:"system,omitempty"`
	Messages   []Message       `json:"messages"`
	Stream     bool            `json:"stream"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP       *float64        `json:"top_p,omitempty"`
	MaxTokens  int             `json:"max_tokens,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Tools      []Tool          `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
	Thinking   *ThinkingRequest `json:"thinking,omitempty"`
}

func (t *Transformer) IsStream(body []byte) bool {
	var req struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &req)
	return req.Stream
}

func (t *Transformer) ModelID(body []byte) string {
	var req struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &req)
	return req.Model
}

// ToUpstream implements dispatch.Transformer (spec §4.11 "Request → upstream").
func (t *Transformer) ToUpstream(body []byte, project string) (*upstream.GenerateContentRequest, error) {
	var req MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode messages request: %w", err)
	}

	info, _ := upstream.Resolve(req.Model)

	var systemInstruction *upstream.Content
	if text := systemText(req.System); text != "" {
		systemInstruction = &upstream.Content{Role: "user", Parts: []upstream.Part{{Text: text}}}
	}

	contents := make([]upstream.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		blocks := parseBlocks(m.Content)
		switch m.Role {
		case "user":
			contents = append(contents, upstream.Content{Role: "user", Parts: userBlockParts(blocks)})
		case "assistant":
			contents = append(contents, upstream.Content{Role: "model", Parts: assistantBlockParts(blocks)})
		}
	}

	genConfig := &upstream.GenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = info.DefaultMaxTokens
	}
	genConfig.MaxOutputTokens = &maxTokens

	if req.Thinking != nil && req.Thinking.Type == "enabled" && !upstream.IsHaiku(info.ID) {
		budget := req.Thinking.BudgetTokens
		if budget == 0 {
			budget = defaultThinkingBudget
		}
		genConfig.ThinkingConfig = &upstream.ThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
	}

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
			decl := upstream.FunctionDeclaration{Name: tool.Name, Description: tool.Description}
			if info.Family == upstream.FamilyClaude {
				decl.Parameters = cleanSchema(tool.InputSchema)
			} else {
				decl.ParametersJSONSchema = tool.InputSchema
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
	var named struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return nil
	}
	switch named.Type {
	case "auto":
		return &upstream.FunctionCallingConfig{Mode: "AUTO"}
	case "any":
		return &upstream.FunctionCallingConfig{Mode: "ANY"}
	case "tool":
		return &upstream.FunctionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{named.Name}}
	case "none":
		return &upstream.FunctionCallingConfig{Mode: "NONE"}
	}
	return nil
}

func buildMetadata(project string) upstream.RequestMetadata {
	return upstream.RequestMetadata{
		Project:   project,
		UserAgent: "antigravity-relay/1.0",
		RequestID: "agent-" + uuid.NewString(),
		SessionID: negativeSessionID(),
	}
}

func negativeSessionID() string {
	id := uuid.New()
	var n uint64
	for _, b := range id[:8] {
		n = n<<8 | uint64(b)
	}
	n %= 1_000_000_000_000_000_000
	return fmt.Sprintf("-%018d", n)
}

func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	blocks := parseBlocks(raw)
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func parseBlocks(raw json.RawMessage) []ContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []ContentBlock{{Type: "text", Text: s}}
	}
	var blocks []ContentBlock
	_ = json.Unmarshal(raw, &blocks)
	return blocks
}

func userBlockParts(blocks []ContentBlock) []upstream.Part {
	out := make([]upstream.Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, upstream.Part{Text: b.Text})
		case "image":
			if b.Source != nil && b.Source.Type == "base64" {
				out = append(out, upstream.Part{InlineData: &upstream.InlineData{MimeType: b.Source.MediaType, Data: b.Source.Data}})
			}
		case "tool_result":
			result := parseJSONOrWrap(rawContentText(b.Content))
			out = append(out, upstream.Part{FunctionResponse: &upstream.FunctionResponse{
				ID:       b.ToolUseID,
				Name:     "tool_result",
				Response: result,
			}})
		}
	}
	return out
}

func assistantBlockParts(blocks []ContentBlock) []upstream.Part {
	out := make([]upstream.Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, upstream.Part{Text: b.Text})
		case "tool_use":
			args := b.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			out = append(out, upstream.Part{FunctionCall: &upstream.FunctionCall{ID: b.ID, Name: b.Name, Args: args}})
		}
	}
	return out
}

func rawContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
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
