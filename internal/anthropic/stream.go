package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/antigravity-relay/relay/internal/dispatch"
	"github.com/antigravity-relay/relay/internal/upstream"
)

// Accumulator is the per-stream state of spec §3/§4.11 "Upstream → stream
// (event-typed)".
type Accumulator struct {
	requestID string

	started bool

	openTextIndex     *int
	openThinkingIndex *int
	nextIndex         int

	lastFinish   string
	sawToolUse   bool
	outputTokens int
	complete     bool
}

func (t *Transformer) NewAccumulator(requestID string) dispatch.Accumulator {
	return &Accumulator{requestID: requestID}
}

func event(name string, v interface{}) []byte {
	b, _ := json.Marshal(v)
	out := append([]byte("event: "+name+"\n"), []byte("data: ")...)
	out = append(out, b...)
	out = append(out, []byte("\n\n")...)
	return out
}

// Feed implements dispatch.Accumulator.
func (a *Accumulator) Feed(payload []byte) ([]byte, bool, error) {
	var chunk upstream.GenerateContentResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, false, fmt.Errorf("decode upstream chunk: %w", err)
	}

	var out []byte

	if !a.started {
		a.started = true
		out = append(out, event("message_start", map[string]interface{}{
			"type": "message_start",
			"message": map[string]interface{}{
				"id":            a.requestID,
				"type":          "message",
				"role":          "assistant",
				"content":       []interface{}{},
				"stop_reason":   nil,
				"usage":         map[string]interface{}{"input_tokens": 0, "output_tokens": 0},
			},
		})...)
	}

	if len(chunk.Candidates) > 0 {
		cand := chunk.Candidates[0]
		if cand.FinishReason != "" {
			a.lastFinish = cand.FinishReason
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				a.sawToolUse = true
				idx := a.nextIndex
				a.nextIndex++
				input := part.FunctionCall.Args
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				out = append(out, event("content_block_start", map[string]interface{}{
					"type":  "content_block_start",
					"index": idx,
					"content_block": map[string]interface{}{
						"type": "tool_use",
						"id":   part.FunctionCall.ID,
						"name": part.FunctionCall.Name,
					},
				})...)
				out = append(out, event("content_block_delta", map[string]interface{}{
					"type":  "content_block_delta",
					"index": idx,
					"delta": map[string]interface{}{
						"type":         "input_json_delta",
						"partial_json": string(input),
					},
				})...)
				out = append(out, event("content_block_stop", map[string]interface{}{
					"type":  "content_block_stop",
					"index": idx,
				})...)
			case part.Thought:
				if part.Text == "" {
					continue
				}
				if a.openThinkingIndex == nil {
					idx := a.nextIndex
					a.nextIndex++
					a.openThinkingIndex = &idx
					out = append(out, event("content_block_start", map[string]interface{}{
						"type":  "content_block_start",
						"index": idx,
						"content_block": map[string]interface{}{
							"type":     "thinking",
							"thinking": "",
						},
					})...)
				}
				out = append(out, event("content_block_delta", map[string]interface{}{
					"type":  "content_block_delta",
					"index": *a.openThinkingIndex,
					"delta": map[string]interface{}{
						"type":     "thinking_delta",
						"thinking": part.Text,
					},
				})...)
			default:
				if part.Text == "" {
					continue
				}
				if a.openTextIndex == nil {
					idx := a.nextIndex
					a.nextIndex++
					a.openTextIndex = &idx
					out = append(out, event("content_block_start", map[string]interface{}{
						"type":  "content_block_start",
						"index": idx,
						"content_block": map[string]interface{}{
							"type": "text",
							"text": "",
						},
					})...)
				}
				out = append(out, event("content_block_delta", map[string]interface{}{
					"type":  "content_block_delta",
					"index": *a.openTextIndex,
					"delta": map[string]interface{}{
						"type": "text_delta",
						"text": part.Text,
					},
				})...)
			}
		}
	}

	if chunk.UsageMetadata != nil && chunk.UsageMetadata.CandidatesTokenCount > 0 {
		a.outputTokens = chunk.UsageMetadata.CandidatesTokenCount
		a.complete = true
		out = append(out, a.closingSequence()...)
	}

	return out, a.complete, nil
}

// closingSequence emits content_block_stop for every open non-tool block (in
// index order), then message_delta and message_stop (spec §4.11 step 3/4).
func (a *Accumulator) closingSequence() []byte {
	var out []byte

	type openBlock struct{ index int }
	var open []openBlock
	if a.openThinkingIndex != nil {
		open = append(open, openBlock{*a.openThinkingIndex})
	}
	if a.openTextIndex != nil {
		open = append(open, openBlock{*a.openTextIndex})
	}
	for i := 0; i < len(open); i++ {
		for j := i + 1; j < len(open); j++ {
			if open[j].index < open[i].index {
				open[i], open[j] = open[j], open[i]
			}
		}
	}
	for _, b := range open {
		out = append(out, event("content_block_stop", map[string]interface{}{
			"type":  "content_block_stop",
			"index": b.index,
		})...)
	}

	stopReason := mapStopReason(a.lastFinish, a.sawToolUse)
	out = append(out, event("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]interface{}{
			"output_tokens": a.outputTokens,
		},
	})...)
	out = append(out, event("message_stop", map[string]interface{}{
		"type": "message_stop",
	})...)

	return out
}

// Close implements dispatch.Accumulator.
func (a *Accumulator) Close() ([]byte, error) {
	if a.complete {
		return nil, nil
	}
	a.complete = true
	return a.closingSequence(), nil
}
