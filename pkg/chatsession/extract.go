package chatsession

import "strings"

// ExtractContent returns the text fragment carried by a chunk, or "" when it
// has none. Payload shapes differ between chunk types, so several locations
// are tried in a fixed order.
func ExtractContent(chunk Chunk) string {
	raw := chunk.Raw
	if raw == nil {
		return ""
	}
	if s, ok := raw["delta"].(string); ok && s != "" {
		return s
	}
	if s, ok := raw["content"].(string); ok && s != "" {
		return s
	}
	if s, ok := raw["text"].(string); ok && s != "" {
		return s
	}
	if out, ok := raw["output"].([]any); ok {
		var b strings.Builder
		for _, item := range out {
			if m, ok := item.(map[string]any); ok {
				b.WriteString(contentText(m["content"]))
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	if m, ok := raw["message"].(map[string]any); ok {
		if s := contentText(m["content"]); s != "" {
			return s
		}
	}
	if choices, ok := raw["choices"].([]any); ok && len(choices) > 0 {
		if c, ok := choices[0].(map[string]any); ok {
			if d, ok := c["delta"].(map[string]any); ok {
				if s, ok := d["content"].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	if d, ok := raw["data"].(map[string]any); ok {
		if s, ok := d["delta"].(string); ok {
			return s
		}
	}
	return ""
}

// contentText accepts a plain string or a list of {text} parts.
func contentText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		var b strings.Builder
		for _, part := range t {
			switch p := part.(type) {
			case string:
				b.WriteString(p)
			case map[string]any:
				if s, ok := p["text"].(string); ok {
					b.WriteString(s)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}
