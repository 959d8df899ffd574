package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)\\s*```")

// ExtractJSON isolates the JSON part of an LLM reply: the body of the first
// fenced code block, else the span from the first '{' to the last '}', else
// the trimmed text.
func ExtractJSON(text string) string {
	if text == "" {
		return ""
	}
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first >= 0 && last > first {
		return strings.TrimSpace(text[first : last+1])
	}
	return strings.TrimSpace(text)
}

// ParseJSONResponse decodes an LLM reply, tolerating code fences and prose
// around the JSON value.
func ParseJSONResponse(text string) (any, error) {
	extracted := ExtractJSON(text)
	if extracted == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	var result any
	if err := json.Unmarshal([]byte(extracted), &result); err != nil {
		return nil, fmt.Errorf("%w: LLM response is not valid JSON", ErrMalformedResponse)
	}
	return result, nil
}
