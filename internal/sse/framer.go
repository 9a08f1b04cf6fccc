// Package sse implements the SSE Framer (C9): a stateful byte-stream to
// record-stream splitter for "data: " framed server-sent events.
package sse

import "strings"

const donePayload = "data: [DONE]"

// Framer maintains a partial-line buffer across chunks and yields the
// payload of each completed "data: " line (spec §4.9).
type Framer struct {
	buf string
}

// New returns an empty Framer.
func New() *Framer {
	return &Framer{}
}

// Feed appends a chunk, splits on newlines, and returns the payloads of any
// completed "data: " lines found. Empty payloads and the literal "[DONE]"
// sentinel are not yielded as payloads (callers should check SawDone
// separately).
func (f *Framer) Feed(chunk []byte) []string {
	f.buf += string(chunk)

	lines := strings.Split(f.buf, "\n")
	// The last element is a possibly-incomplete fragment; retain it.
	f.buf = lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	var out []string
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		out = append(out, payload)
	}
	return out
}

// SawDone reports whether chunk's textual form contains the "data: [DONE]"
// sentinel anywhere (it may arrive split across Feed calls; callers that
// need exact boundary detection should check the Feed output for the
// "[DONE]" payload being swallowed, or call SawDone on the raw chunk when
// inspecting a single self-contained chunk).
func (f *Framer) SawDone(chunk []byte) bool {
	return strings.Contains(string(chunk), donePayload)
}

// Reset clears the buffer, for reuse across a new stream.
func (f *Framer) Reset() {
	f.buf = ""
}
