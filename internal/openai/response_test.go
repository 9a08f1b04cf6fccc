package openai

import (
	"encoding/json"
	"testing"

	"github.com/antigravity-relay/relay/internal/upstream"
)

func TestFromUpstreamUnaryMapsTextAndUsage(t *testing.T) {
	tr := New()
	resp := &upstream.GenerateContentResponse{
		Candidates: []upstream.Candidate{{
			Content:      upstream.Content{Parts: []upstream.Part{{Text: "hello"}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &upstream.UsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 1, TotalTokenCount: 4},
	}

	out, err := tr.FromUpstreamUnary(resp, "req-1")
	if err != nil {
		t.Fatalf("FromUpstreamUnary: %v", err)
	}

	var decoded ChatCompletionResponse
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Choices[0].Message.Content != "hello" {
		t.Fatalf("unexpected content %q", decoded.Choices[0].Message.Content)
	}
	if *decoded.Choices[0].FinishReason != "stop" {
		t.Fatalf("unexpected finish reason %q", *decoded.Choices[0].FinishReason)
	}
	if decoded.Usage.TotalTokens != 4 {
		t.Fatalf("unexpected total tokens %d", decoded.Usage.TotalTokens)
	}
}

func TestFromUpstreamUnaryToolCallOverridesFinishReason(t *testing.T) {
	tr := New()
	resp := &upstream.GenerateContentResponse{
		Candidates: []upstream.Candidate{{
			Content:      upstream.Content{Parts: []upstream.Part{{FunctionCall: &upstream.FunctionCall{Name: "f"}}}},
			FinishReason: "STOP",
		}},
	}
	out, err := tr.FromUpstreamUnary(resp, "req-1")
	if err != nil {
		t.Fatalf("FromUpstreamUnary: %v", err)
	}
	var decoded ChatCompletionResponse
	json.Unmarshal(out, &decoded)
	if *decoded.Choices[0].FinishReason != "tool_calls" {
		t.Fatalf("expected tool_calls finish reason, got %q", *decoded.Choices[0].FinishReason)
	}
}

func TestFromUpstreamUnaryErrorsOnNoCandidates(t *testing.T) {
	tr := New()
	_, err := tr.FromUpstreamUnary(&upstream.GenerateContentResponse{}, "req-1")
	if err == nil {
		t.Fatalf("expected an error when there are no candidates")
	}
}

func TestErrorBodyShapesOpenAIErrorTable(t *testing.T) {
	tr := New()
	cases := []struct {
		status   int
		wantType string
	}{
		{400, "invalid_request_error"},
		{401, "authentication_error"},
		{403, "permission_error"},
		{429, "rate_limit_error"},
		{500, "server_error"},
	}
	for _, c := range cases {
		body := tr.ErrorBody(c.status, "boom")
		var decoded struct {
			Error struct {
				Type string `json:"type"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &decoded); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if decoded.Error.Type != c.wantType {
			t.Fatalf("status %d: expected type %q, got %q", c.status, c.wantType, decoded.Error.Type)
		}
	}
}
