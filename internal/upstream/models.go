package upstream

import "strings"

// Family groups models that share a thinking/reasoning translation rule
// (spec §4.10/§4.11).
type Family string

const (
	FamilyGemini3   Family = "gemini-3"
	FamilyGemini25  Family = "gemini-2.5"
	FamilyClaude    Family = "claude"
)

// ModelInfo is one entry of the static model table (spec §4.12).
type ModelInfo struct {
	ID               string
	UpstreamModel    string
	Family           Family
	IsOpus           bool
	DefaultMaxTokens int
}

// ModelTable is the static table served by GET /v1/models and consulted by
// both transformers to resolve family/thinking behavior. Unrecognized
// client model ids are passed through verbatim (forward compatibility).
var ModelTable = []ModelInfo{
	{ID: "gemini-3-pro-preview", UpstreamModel: "gemini-3-pro-preview", Family: FamilyGemini3, DefaultMaxTokens: 65536},
	{ID: "gemini-3-flash", UpstreamModel: "gemini-3-flash", Family: FamilyGemini3, DefaultMaxTokens: 65536},
	{ID: "gemini-2.5-pro", UpstreamModel: "gemini-2.5-pro", Family: FamilyGemini25, DefaultMaxTokens: 65536},
	{ID: "gemini-2.5-flash", UpstreamModel: "gemini-2.5-flash", Family: FamilyGemini25, DefaultMaxTokens: 65536},
	{ID: "claude-opus-4-5", UpstreamModel: "claude-opus-4-5", Family: FamilyClaude, IsOpus: true, DefaultMaxTokens: 8192},
	{ID: "claude-sonnet-4-5", UpstreamModel: "claude-sonnet-4-5", Family: FamilyClaude, DefaultMaxTokens: 8192},
	{ID: "claude-haiku-4-5", UpstreamModel: "claude-haiku-4-5", Family: FamilyClaude, DefaultMaxTokens: 8192},
}

var modelByID = func() map[string]ModelInfo {
	m := make(map[string]ModelInfo, len(ModelTable))
	for _, info := range ModelTable {
		m[info.ID] = info
	}
	return m
}()

// Resolve looks up a client-facing model id. If unknown, it returns a
// best-effort ModelInfo inferred from the name (family guessed by
// substring) so the transformers still have something reasonable to key
// their thinking-mode decision on, and false as the second result so callers
// can log the fallback.
func Resolve(id string) (ModelInfo, bool) {
	if info, ok := modelByID[id]; ok {
		return info, true
	}
	lower := strings.ToLower(id)
	family := FamilyGemini25
	switch {
	case strings.Contains(lower, "gemini-3"):
		family = FamilyGemini3
	case strings.Contains(lower, "claude"):
		family = FamilyClaude
	}
	return ModelInfo{
		ID:               id,
		UpstreamModel:    id,
		Family:           family,
		IsOpus:           strings.Contains(lower, "opus"),
		DefaultMaxTokens: 8192,
	}, false
}

// IsHaiku reports whether a model id refers to a Haiku variant, which does
// not support extended thinking; both transformers skip ThinkingConfig for it.
func IsHaiku(id string) bool {
	return strings.Contains(strings.ToLower(id), "haiku")
}
