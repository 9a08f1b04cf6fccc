package openai

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/antigravity-relay/relay/internal/upstream"
)

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestAccumulatorEmitsRoleOnFirstChunk(t *testing.T) {
	tr := New()
	acc := tr.NewAccumulator("req-1")

	payload := mustMarshal(t, upstream.GenerateContentResponse{
		Candidates: []upstream.Candidate{{
			Content: upstream.Content{Parts: []upstream.Part{{Text: "hi"}}},
		}},
	})

	frames, terminal, err := acc.Feed(payload)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if terminal {
		t.Fatalf("expected non-terminal chunk")
	}
	if !strings.Contains(string(frames), `"role":"assistant"`) {
		t.Fatalf("expected role to be emitted on first chunk, got %s", frames)
	}
	if !strings.Contains(string(frames), `"content":"hi"`) {
		t.Fatalf("expected content delta, got %s", frames)
	}
}

func TestAccumulatorIncrementsToolIndexPerChunkNotPerCall(t *testing.T) {
	tr := New()
	acc := tr.NewAccumulator("req-1")

	// One upstream chunk carrying two function-call parts: per the
	// documented rule the tool index advances once for the whole chunk.
	payload := mustMarshal(t, upstream.GenerateContentResponse{
		Candidates: []upstream.Candidate{{
			Content: upstream.Content{Parts: []upstream.Part{
				{FunctionCall: &upstream.FunctionCall{Name: "f1"}},
				{FunctionCall: &upstream.FunctionCall{Name: "f2"}},
			}},
		}},
	})
	frames, _, err := acc.Feed(payload)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if strings.Count(string(frames), `"index":0,"id"`) != 2 {
		t.Fatalf("expected both tool calls in this chunk to share index 0, got %s", frames)
	}

	next := mustMarshal(t, upstream.GenerateContentResponse{
		Candidates: []upstream.Candidate{{
			Content: upstream.Content{Parts: []upstream.Part{
				{FunctionCall: &upstream.FunctionCall{Name: "f3"}},
			}},
		}},
	})
	frames2, _, err := acc.Feed(next)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !strings.Contains(string(frames2), `"index":1`) {
		t.Fatalf("expected the next chunk's tool call to advance to index 1, got %s", frames2)
	}
}

func TestAccumulatorEmitsUsageAndDoneOnTerminalChunk(t *testing.T) {
	tr := New()
	acc := tr.NewAccumulator("req-1")

	payload := mustMarshal(t, upstream.GenerateContentResponse{
		Candidates: []upstream.Candidate{{
			Content:      upstream.Content{Parts: []upstream.Part{{Text: "done"}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &upstream.UsageMetadata{PromptTokenCount: 5, CandidatesTokenCount: 2, TotalTokenCount: 7},
	})

	frames, terminal, err := acc.Feed(payload)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !terminal {
		t.Fatalf("expected terminal=true on usage-bearing chunk")
	}
	if !strings.Contains(string(frames), `"finish_reason":"stop"`) {
		t.Fatalf("expected finish_reason stop, got %s", frames)
	}
	if !strings.HasSuffix(string(frames), "data: [DONE]\n\n") {
		t.Fatalf("expected frames to end with the DONE sentinel, got %s", frames)
	}

	// Close after a terminal chunk is a no-op.
	closeFrames, err := acc.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(closeFrames) != 0 {
		t.Fatalf("expected Close to be a no-op after a terminal chunk, got %s", closeFrames)
	}
}

func TestAccumulatorCloseSynthesizesClosingSequenceWithoutUsage(t *testing.T) {
	tr := New()
	acc := tr.NewAccumulator("req-1")

	payload := mustMarshal(t, upstream.GenerateContentResponse{
		Candidates: []upstream.Candidate{{
			Content: upstream.Content{Parts: []upstream.Part{{Text: "partial"}}},
		}},
	})
	if _, _, err := acc.Feed(payload); err != nil {
		t.Fatalf("feed: %v", err)
	}

	frames, err := acc.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(string(frames), `"finish_reason":"stop"`) {
		t.Fatalf("expected synthesized finish_reason, got %s", frames)
	}
	if !strings.HasSuffix(string(frames), "data: [DONE]\n\n") {
		t.Fatalf("expected synthesized frames to end with DONE, got %s", frames)
	}
}
