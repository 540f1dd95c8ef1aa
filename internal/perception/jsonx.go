package perception

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Tolerant JSON handling for model output. Models wrap JSON in prose and
// code fences, drop closing brackets, and leave trailing commas; the
// helpers here recover what they can instead of failing the extraction.

// StripCodeFences removes markdown code fences around a payload.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Language tag on the opening fence
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 12 && !strings.ContainsAny(first, "{}[]") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ExtractArray locates the outermost top-level JSON array in s. It uses
// a byte-level scan that is safe for UTF-8 because the delimiters are
// ASCII and never appear inside multi-byte sequences.
func ExtractArray(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escape := false

	for i := 0; i < len(s); i++ {
		b := s[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '[':
			if depth == 0 {
				start = i
			}
			depth++
		case ']':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// FindObjectCandidates scans s for top-level JSON object candidates,
// handling nested braces and string escaping.
func FindObjectCandidates(s string) []string {
	var candidates []string
	var depth int
	start := -1
	inString := false
	escape := false

	for i := 0; i < len(s); i++ {
		b := s[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}
		if b == '"' {
			inString = true
			continue
		}
		if b == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if b == '}' {
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					candidates = append(candidates, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return candidates
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// RepairTrailingCommas removes commas immediately preceding a closing
// brace or bracket.
func RepairTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

// DecodeArray decodes a JSON array of T out of raw model output.
// Strategy ladder: direct decode, fence strip, outermost-array scan,
// trailing-comma repair, and finally per-object salvage.
func DecodeArray[T any](raw string) ([]T, error) {
	attempts := []string{raw}

	stripped := StripCodeFences(raw)
	if stripped != raw {
		attempts = append(attempts, stripped)
	}
	if arr, ok := ExtractArray(stripped); ok {
		attempts = append(attempts, arr, RepairTrailingCommas(arr))
	}

	for _, attempt := range attempts {
		var out []T
		if err := json.Unmarshal([]byte(attempt), &out); err == nil {
			return out, nil
		}
	}

	// Salvage well-formed objects individually.
	var salvaged []T
	for _, cand := range FindObjectCandidates(stripped) {
		var item T
		if err := json.Unmarshal([]byte(cand), &item); err == nil {
			salvaged = append(salvaged, item)
		}
	}
	if len(salvaged) > 0 {
		return salvaged, nil
	}
	return nil, fmt.Errorf("no decodable JSON array in %d bytes of output", len(raw))
}

// DecodeObject decodes a single JSON object of T out of raw model
// output, using the same repair ladder as DecodeArray.
func DecodeObject[T any](raw string) (T, error) {
	var zero T

	attempts := []string{raw, StripCodeFences(raw)}
	for _, cand := range FindObjectCandidates(StripCodeFences(raw)) {
		attempts = append(attempts, cand, RepairTrailingCommas(cand))
	}

	for _, attempt := range attempts {
		var out T
		if err := json.Unmarshal([]byte(attempt), &out); err == nil {
			return out, nil
		}
	}
	return zero, fmt.Errorf("no decodable JSON object in %d bytes of output", len(raw))
}
