package openai

import (
	"encoding/json"
	"fmt"

	"github.com/antigravity-relay/relay/internal/dispatch"
	"github.com/antigravity-relay/relay/internal/upstream"
)

// Accumulator is the per-stream state of spec §3/§4.10 "Upstream → stream".
type Accumulator struct {
	requestID    string
	roleEmitted  bool
	sawToolCall  bool
	lastFinish   string
	toolIdx      int
	complete     bool
}

func (t *Transformer) NewAccumulator(requestID string) dispatch.Accumulator {
	return &Accumulator{requestID: requestID}
}

func frame(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return append(append([]byte("data: "), b...), []byte("\n\n")...)
}

var doneFrame = []byte("data: [DONE]\n\n")

// Feed implements dispatch.Accumulator.
func (a *Accumulator) Feed(payload []byte) ([]byte, bool, error) {
	var chunk upstream.GenerateContentResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, false, fmt.Errorf("decode upstream chunk: %w", err)
	}

	var out []byte
	delta := Delta{}
	hasDelta := false

	if !a.roleEmitted {
		delta.Role = "assistant"
		hasDelta = true
		a.roleEmitted = true
	}

	if len(chunk.Candidates) > 0 {
		cand := chunk.Candidates[0]
		if cand.FinishReason != "" {
			a.lastFinish = cand.FinishReason
		}

		var sawFunctionCallThisChunk bool
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				sawFunctionCallThisChunk = true
				a.sawToolCall = true
				idx := a.toolIdx
				args := "{}"
				if len(part.FunctionCall.Args) > 0 {
					args = string(part.FunctionCall.Args)
				}
				id := part.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("call_%d", idx)
				}
				delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
					Index: idx,
					ID:    id,
					Type:  "function",
					Function: &ToolCallFuncDelta{
						Name:      part.FunctionCall.Name,
						Arguments: args,
					},
				})
				hasDelta = true
			case part.Thought:
				delta.ReasoningContent += part.Text
				if part.Text != "" {
					hasDelta = true
				}
			default:
				delta.Content += part.Text
				if part.Text != "" {
					hasDelta = true
				}
			}
		}
		if sawFunctionCallThisChunk {
			// Per the documented (imperfect) index-management rule: bump
			// once per chunk that contains any function-call parts, not
			// per unique tool-call id.
			a.toolIdx++
		}
	}

	if hasDelta {
		out = append(out, frame(ChatCompletionResponse{
			ID:      a.requestID,
			Object:  "chat.completion.chunk",
			Choices: []Choice{{Index: 0, Delta: &delta}},
		})...)
	}

	if chunk.UsageMetadata != nil && chunk.UsageMetadata.CandidatesTokenCount > 0 {
		a.complete = true
		finish := mapFinishReason(a.lastFinish, a.sawToolCall)
		out = append(out, frame(ChatCompletionResponse{
			ID:      a.requestID,
			Object:  "chat.completion.chunk",
			Choices: []Choice{{Index: 0, Delta: &Delta{}, FinishReason: &finish}},
			Usage: &Usage{
				PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
				CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
			},
		})...)
		out = append(out, doneFrame...)
	}

	return out, a.complete, nil
}

// Close implements dispatch.Accumulator: synthesizes the closing sequence
// if the upstream stream ended without a usage-bearing chunk.
func (a *Accumulator) Close() ([]byte, error) {
	if a.complete {
		return nil, nil
	}
	finish := mapFinishReason(a.lastFinish, a.sawToolCall)
	out := frame(ChatCompletionResponse{
		ID:      a.requestID,
		Object:  "chat.completion.chunk",
		Choices: []Choice{{Index: 0, Delta: &Delta{}, FinishReason: &finish}},
	})
	out = append(out, doneFrame...)
	return out, nil
}
