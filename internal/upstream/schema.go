package upstream

// claudeSchemaDropKeys are stripped recursively from JSON schemas sent to
// Claude-family upstream models (spec §4.10). Dropping $ref destroys
// references to named subschemas; this is a known, deliberate lossy
// transform for this upstream, not a bug (spec §9 Open Questions).
var claudeSchemaDropKeys = map[string]bool{
	"$schema":          true,
	"additionalProperties": true,
	"strict":           true,
	"default":          true,
	"title":            true,
	"$id":              true,
	"$ref":             true,
}

// CleanClaudeSchema recursively removes claudeSchemaDropKeys from a decoded
// JSON schema. It is idempotent: re-running it on its own output is a
// no-op, since the keys it removes are never reintroduced.
func CleanClaudeSchema(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			if claudeSchemaDropKeys[k] {
				continue
			}
			out[k] = CleanClaudeSchema(sub)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			out[i] = CleanClaudeSchema(sub)
		}
		return out
	default:
		return v
	}
}
