package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/antigravity-relay/relay/internal/upstream"
)

func TestFromUpstreamUnaryMapsThinkingTextAndToolUse(t *testing.T) {
	tr := New()
	resp := &upstream.GenerateContentResponse{
		Candidates: []upstream.Candidate{{
			Content: upstream.Content{Parts: []upstream.Part{
				{Text: "let me think", Thought: true},
				{Text: "the answer is 4"},
				{FunctionCall: &upstream.FunctionCall{ID: "t1", Name: "calc"}},
			}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &upstream.UsageMetadata{PromptTokenCount: 2, CandidatesTokenCount: 5},
	}

	out, err := tr.FromUpstreamUnary(resp, "req-1")
	if err != nil {
		t.Fatalf("FromUpstreamUnary: %v", err)
	}
	var decoded MessagesResponse
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Content) != 3 {
		t.Fatalf("expected 3 content blocks, got %d", len(decoded.Content))
	}
	if decoded.Content[0].Type != "thinking" || decoded.Content[1].Type != "text" || decoded.Content[2].Type != "tool_use" {
		t.Fatalf("unexpected block ordering/types: %+v", decoded.Content)
	}
	if decoded.StopReason != "tool_use" {
		t.Fatalf("expected tool_use to override stop reason, got %q", decoded.StopReason)
	}
	if decoded.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected output tokens %d", decoded.Usage.OutputTokens)
	}
}

func TestErrorBodyShapesAnthropicErrorTable(t *testing.T) {
	tr := New()
	cases := []struct {
		status   int
		wantType string
	}{
		{400, "invalid_request_error"},
		{404, "not_found_error"},
		{429, "rate_limit_error"},
		{500, "api_error"},
		{529, "overloaded_error"},
	}
	for _, c := range cases {
		body := tr.ErrorBody(c.status, "boom")
		var decoded struct {
			Error struct {
				Type string `json:"type"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &decoded); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Error.Type != c.wantType {
			t.Fatalf("status %d: expected %q, got %q", c.status, c.wantType, decoded.Error.Type)
		}
	}
}
