package anthropic

import (
	"encoding/json"
	"testing"
)

func TestToUpstreamMapsStringSystemPrompt(t *testing.T) {
	tr := New()
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"system": "be concise",
		"messages": [{"role":"user","content":"hi"}]
	}`)
	upReq, err := tr.ToUpstream(body, "proj")
	if err != nil {
		t.Fatalf("ToUpstream: %v", err)
	}
	if upReq.SystemInstruction == nil || upReq.SystemInstruction.Parts[0].Text != "be concise" {
		t.Fatalf("expected system instruction, got %+v", upReq.SystemInstruction)
	}
}

func TestToUpstreamMapsToolUseAndToolResult(t *testing.T) {
	tr := New()
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"messages": [
			{"role": "user", "content": "what's the weather"},
			{"role": "assistant", "content": [{"type":"tool_use","id":"t1","name":"weather","input":{"city":"nyc"}}]},
			{"role": "user", "content": [{"type":"tool_result","tool_use_id":"t1","content":"72F"}]}
		]
	}`)
	upReq, err := tr.ToUpstream(body, "proj")
	if err != nil {
		t.Fatalf("ToUpstream: %v", err)
	}
	if len(upReq.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(upReq.Contents))
	}
	assistant := upReq.Contents[1]
	if len(assistant.Parts) != 1 || assistant.Parts[0].FunctionCall == nil || assistant.Parts[0].FunctionCall.Name != "weather" {
		t.Fatalf("expected a weather function call part, got %+v", assistant.Parts)
	}
	toolResult := upReq.Contents[2]
	if len(toolResult.Parts) != 1 || toolResult.Parts[0].FunctionResponse == nil {
		t.Fatalf("expected a function response part, got %+v", toolResult.Parts)
	}
}

func TestToUpstreamThinkingEnabledSetsBudget(t *testing.T) {
	tr := New()
	body := []byte(`{
		"model": "claude-opus-4-5",
		"messages": [{"role":"user","content":"hi"}],
		"thinking": {"type": "enabled", "budget_tokens": 9000}
	}`)
	upReq, err := tr.ToUpstream(body, "proj")
	if err != nil {
		t.Fatalf("ToUpstream: %v", err)
	}
	tc := upReq.GenerationConfig.ThinkingConfig
	if tc == nil || tc.ThinkingBudget == nil || *tc.ThinkingBudget != 9000 {
		t.Fatalf("expected thinking budget 9000, got %+v", tc)
	}
}

func TestToUpstreamThinkingDisabledLeavesConfigNil(t *testing.T) {
	tr := New()
	body := []byte(`{"model": "claude-opus-4-5", "messages": [{"role":"user","content":"hi"}]}`)
	upReq, err := tr.ToUpstream(body, "proj")
	if err != nil {
		t.Fatalf("ToUpstream: %v", err)
	}
	if upReq.GenerationConfig.ThinkingConfig != nil {
		t.Fatalf("expected no thinking config when thinking is omitted, got %+v", upReq.GenerationConfig.ThinkingConfig)
	}
}

func TestToUpstreamCleansToolInputSchemaForClaude(t *testing.T) {
	tr := New()
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"messages": [{"role":"user","content":"hi"}],
		"tools": [{"name": "lookup", "input_schema": {"$schema":"http://json-schema.org/draft-07/schema#","type":"object"}}]
	}`)
	upReq, err := tr.ToUpstream(body, "proj")
	if err != nil {
		t.Fatalf("ToUpstream: %v", err)
	}
	var cleaned map[string]interface{}
	json.Unmarshal(upReq.Tools[0].FunctionDeclarations[0].Parameters, &cleaned)
	if _, ok := cleaned["$schema"]; ok {
		t.Fatalf("expected $schema to be stripped")
	}
}

func TestToolChoiceConfigVariants(t *testing.T) {
	cases := []struct {
		raw      string
		wantMode string
	}{
		{`{"type":"auto"}`, "AUTO"},
		{`{"type":"any"}`, "ANY"},
		{`{"type":"none"}`, "NONE"},
		{`{"type":"tool","name":"lookup"}`, "ANY"},
	}
	for _, c := range cases {
		cfg := toolChoiceConfig(json.RawMessage(c.raw))
		if cfg == nil || cfg.Mode != c.wantMode {
			t.Fatalf("%s: expected mode %q, got %+v", c.raw, c.wantMode, cfg)
		}
	}
}
