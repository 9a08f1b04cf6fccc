// Package upstream defines the wire shapes exchanged with the Cloud Code
// ("Antigravity") v1internal API, shared by the OpenAI and Anthropic
// transformers.
package upstream

import "encoding/json"

// Part is one piece of a Content's payload. Exactly one of Text,
// InlineData, FunctionCall, FunctionResponse should be set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type FunctionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// Content is one turn: a role and its parts.
type Content struct {
	Role  string `json:"role"` // "user" | "model"
	Parts []Part `json:"parts"`
}

// FunctionDeclaration describes one callable tool.
type FunctionDeclaration struct {
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	Parameters         json.RawMessage `json:"parameters,omitempty"`
	ParametersJSONSchema json.RawMessage `json:"parametersJsonSchema,omitempty"`
}

// Tool wraps function declarations, mirroring the upstream's tool envelope.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// FunctionCallingConfig drives tool_choice translation.
type FunctionCallingConfig struct {
	Mode                 string   `json:"mode"` // AUTO | NONE | ANY
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type ToolConfig struct {
	FunctionCallingConfig FunctionCallingConfig `json:"functionCallingConfig"`
}

// GenerationConfig carries sampling and thinking parameters.
type GenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ThinkingConfig   *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig carries either a budget (Claude / Gemini-2.5 style) or a
// level (Gemini-3 style); exactly one is populated per spec §4.10.
type ThinkingConfig struct {
	ThinkingBudget   *int   `json:"thinkingBudget,omitempty"`
	ThinkingLevel    string `json:"thinkingLevel,omitempty"`
	IncludeThoughts  bool   `json:"include_thoughts,omitempty"`
}

// SafetySetting is copied verbatim into every request from DefaultSafetySettings.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// DefaultSafetySettings is the fixed table referenced by spec §4.10's
// metadata envelope.
var DefaultSafetySettings = []SafetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_CIVIC_INTEGRITY", Threshold: "BLOCK_NONE"},
}

// RequestMetadata is the envelope around every generateContent call.
type RequestMetadata struct {
	Project   string `json:"project"`
	UserAgent string `json:"userAgent"`
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

// GenerateContentRequest is the full upstream request body.
type GenerateContentRequest struct {
	Model             string            `json:"model"`
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings"`
	Metadata          RequestMetadata   `json:"metadata"`
}

// UsageMetadata mirrors the upstream's token accounting block.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Candidate is one generated completion.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

// GenerateContentResponse is the full upstream response body (and the shape
// of each decoded SSE chunk payload for streaming responses).
type GenerateContentResponse struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}
