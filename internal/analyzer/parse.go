package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/squorworks/pipeline/pkg/models"
)

// ParseReply extracts the result object from a raw model reply. Models
// often wrap the JSON in markdown fences or prose despite instructions,
// so the parser tries, in order: the whole reply, a fenced ```json
// block, and the outermost brace span.
func ParseReply(raw string) (*models.AnalysisResult, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ParseError{Raw: raw, Err: fmt.Errorf("empty reply")}
	}

	candidates := []string{trimmed}
	if fenced := fencedJSON(trimmed); fenced != "" {
		candidates = append(candidates, fenced)
	}
	if span := braceSpan(trimmed); span != "" {
		candidates = append(candidates, span)
	}

	var lastErr error
	for _, c := range candidates {
		var res models.AnalysisResult
		if err := json.Unmarshal([]byte(c), &res); err != nil {
			lastErr = err
			continue
		}
		if err := validate(&res); err != nil {
			lastErr = err
			continue
		}
		return &res, nil
	}
	return nil, &ParseError{Raw: raw, Err: lastErr}
}

func validate(res *models.AnalysisResult) error {
	for _, pair := range []struct {
		key string
		v   int
	}{
		{"s", res.Squor.S}, {"q", res.Squor.Q}, {"u", res.Squor.U},
		{"o", res.Squor.O}, {"r", res.Squor.R},
	} {
		if pair.v < 0 || pair.v > 5 {
			return fmt.Errorf("squor rating %q out of range: %d", pair.key, pair.v)
		}
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return fmt.Errorf("confidence out of range: %v", res.Confidence)
	}
	sq := res.Squor
	if res.Product.Name == "" && sq.S == 0 && sq.Q == 0 && sq.U == 0 && sq.O == 0 && sq.R == 0 {
		return fmt.Errorf("reply carries neither product identity nor ratings")
	}
	return nil
}

// fencedJSON returns the contents of the first ```json fenced block, or
// the first plain ``` block when no language tag is present.
func fencedJSON(s string) string {
	start := strings.Index(s, "```json")
	offset := len("```json")
	if start == -1 {
		start = strings.Index(s, "```")
		offset = len("```")
	}
	if start == -1 {
		return ""
	}
	rest := s[start+offset:]
	end := strings.Index(rest, "```")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// braceSpan returns the span from the first '{' to the last '}'.
func braceSpan(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}
