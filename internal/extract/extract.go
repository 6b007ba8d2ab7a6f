// Package extract recovers structured data from free-form LLM replies.
//
// Models are asked to answer with a bare JSON object but frequently wrap it in
// prose or Markdown code fences. JSON tries three strategies in order and
// returns the first object that decodes:
//  1. the whole reply
//  2. each ``` fenced segment (with an optional leading "json" tag)
//  3. the span from the first '{' to the last '}'
//
// A reply with no recoverable object yields ok == false, never an error.
package extract

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const fence = "```"

// JSON returns the first JSON object recoverable from raw.
func JSON(raw string) (map[string]any, bool) {
	if obj, ok := decodeObject(raw); ok {
		return obj, true
	}

	if strings.Contains(raw, fence) {
		for _, part := range strings.Split(raw, fence) {
			seg := strings.TrimSpace(part)
			if seg == "" {
				continue
			}
			if len(seg) >= 4 && strings.EqualFold(seg[:4], "json") {
				seg = strings.TrimSpace(seg[4:])
			}
			if strings.HasPrefix(seg, "{") && strings.Contains(seg, "}") {
				if obj, ok := decodeObject(seg); ok {
					return obj, true
				}
			}
		}
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start != -1 && end > start {
		if obj, ok := decodeObject(raw[start : end+1]); ok {
			return obj, true
		}
	}

	return nil, false
}

// JSONFrom is JSON for an optional reply; nil means no structure.
func JSONFrom(raw *string) (map[string]any, bool) {
	if raw == nil {
		return nil, false
	}
	return JSON(*raw)
}

func decodeObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// Float reads a numeric field, accepting numeric strings. Missing or
// mistyped values yield def.
func Float(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	}
	return def
}

// Bool reads a boolean field, accepting "true"/"false" strings.
func Bool(m map[string]any, key string, def bool) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// String reads a string field.
func String(m map[string]any, key string, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

// ApproximateLength estimates text length as its word count, never below 1.
func ApproximateLength(text string) int {
	return max(1, len(strings.Fields(text)))
}

// Snippet returns at most n runes of text.
func Snippet(text string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
