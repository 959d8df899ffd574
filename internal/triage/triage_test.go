package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/TobiSchelling/ActionRAG/internal/llm"
	"github.com/TobiSchelling/ActionRAG/internal/retrieve"
)

// mockChat implements llm.Chatter for testing.
type mockChat struct {
	responses []string
	err       error
	calls     int
	prompts   []string
	temps     []float64
}

func (m *mockChat) Chat(_ context.Context, _ *llm.Provider, _ string, msgs []llm.Message, o *llm.Overrides) (string, error) {
	m.calls++
	m.prompts = append(m.prompts, msgs[len(msgs)-1].Content)
	if o != nil && o.Temperature != nil {
		m.temps = append(m.temps, *o.Temperature)
	}
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return `{"relevant_indices": []}`, nil
	}
	r := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return r, nil
}

func makeMatches(n int) []retrieve.Match {
	out := make([]retrieve.Match, n)
	for i := range out {
		out[i] = retrieve.Match{Score: 1 - float64(i)/float64(n+1), ActionPoint: fmt.Sprintf("action %d", i)}
	}
	return out
}

func TestClassifyBatching(t *testing.T) {
	chat := &mockChat{responses: []string{
		`{"relevant_indices": [1, 50]}`,
		`{"relevant_indices": [2]}`,
		`{"relevant_indices": [20, 21]}`,
	}}
	c := NewClassifier(chat, 50)

	labels, err := c.Classify(context.Background(), "q", makeMatches(120), &llm.Provider{ID: "p"}, "m")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if chat.calls != 3 {
		t.Errorf("expected 3 batches, got %d", chat.calls)
	}
	if len(labels) != 120 {
		t.Fatalf("expected 120 labels, got %d", len(labels))
	}

	// Third batch holds 20 items, so its index 21 is out of range.
	relevant := map[int]bool{0: true, 49: true, 51: true, 119: true}
	for i, l := range labels {
		want := Irrelevant
		if relevant[i] {
			want = Relevant
		}
		if l != want {
			t.Errorf("label %d = %s, want %s", i, l, want)
		}
	}

	if !strings.Contains(chat.prompts[2], "20. action 119") || strings.Contains(chat.prompts[2], "21.") {
		t.Errorf("expected last batch enumerated 1..20, got %q", chat.prompts[2])
	}
	for _, temp := range chat.temps {
		if temp != 0 {
			t.Errorf("expected temperature override 0, got %v", temp)
		}
	}
}

func TestClassifyLabelVectorAlwaysAligned(t *testing.T) {
	for _, n := range []int{0, 1, 49, 50, 51, 100, 137} {
		chat := &mockChat{responses: []string{`[1, 2, 3, 999, -4]`}}
		labels, err := NewClassifier(chat, 50).Classify(context.Background(), "q", makeMatches(n), &llm.Provider{}, "m")
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if len(labels) != n {
			t.Errorf("n=%d: got %d labels", n, len(labels))
		}
		for _, l := range labels {
			if l != Relevant && l != Irrelevant {
				t.Errorf("n=%d: invalid label %q", n, l)
			}
		}
	}
}

func TestClassifyMalformedBatchFails(t *testing.T) {
	chat := &mockChat{responses: []string{
		`{"relevant_indices": [1]}`,
		`I think items one and two are relevant.`,
	}}
	_, err := NewClassifier(chat, 2).Classify(context.Background(), "q", makeMatches(5), &llm.Provider{}, "m")
	if !errors.Is(err, llm.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if chat.calls != 2 {
		t.Errorf("expected to stop at the failing batch, got %d calls", chat.calls)
	}
}

func TestClassifyChatError(t *testing.T) {
	chat := &mockChat{err: llm.ErrTimeout}
	_, err := NewClassifier(chat, 50).Classify(context.Background(), "q", makeMatches(3), &llm.Provider{}, "m")
	if !errors.Is(err, llm.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestParseRelevantIndices(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		n    int
		want []int
	}{
		{"plain", `{"relevant_indices": [1, 3]}`, 5, []int{1, 3}},
		{"fenced", "```json\n{\"relevant_indices\": [2]}\n```", 5, []int{2}},
		{"prose", "Here is the result: {\"relevant_indices\": [4]} done", 5, []int{4}},
		{"camel key", `{"relevantIndexes": [1]}`, 5, []int{1}},
		{"relevant key", `{"relevant": [5]}`, 5, []int{5}},
		{"indices key", `{"indices": [2]}`, 5, []int{2}},
		{"bare array", `[1, 2]`, 5, []int{1, 2}},
		{"string numbers", `{"relevant_indices": ["1", " 3 ", "x"]}`, 5, []int{1, 3}},
		{"zero based", `{"relevant_indices": [0, 2]}`, 5, []int{1, 3}},
		{"out of range", `{"relevant_indices": [0, 5, 9]}`, 5, nil},
		{"rounding", `{"relevant_indices": [1.6]}`, 5, []int{2}},
		{"empty", `{"relevant_indices": []}`, 5, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseRelevantIndices(c.raw, c.n)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.name == "out of range" {
				// [0,5,9] is treated as 0-based: [1,6,10], only 1 survives.
				if len(got) != 1 || !got[1] {
					t.Errorf("expected {1}, got %v", got)
				}
				return
			}
			if len(got) != len(c.want) {
				t.Fatalf("expected %v, got %v", c.want, got)
			}
			for _, i := range c.want {
				if !got[i] {
					t.Errorf("expected index %d in %v", i, got)
				}
			}
		})
	}
}

func TestParseRelevantIndicesErrors(t *testing.T) {
	for _, raw := range []string{"no json here", `{"answer": "yes"}`, `"just a string"`, ""} {
		if _, err := ParseRelevantIndices(raw, 5); !errors.Is(err, llm.ErrMalformedResponse) {
			t.Errorf("%q: expected ErrMalformedResponse, got %v", raw, err)
		}
	}
}

func TestNormalizeZeroBased(t *testing.T) {
	if got := NormalizeZeroBased([]float64{1, 2}); got[0] != 1 || got[1] != 2 {
		t.Errorf("1-based input must be unchanged, got %v", got)
	}
	if got := NormalizeZeroBased([]float64{0, 4}); got[0] != 1 || got[1] != 5 {
		t.Errorf("expected shift by one, got %v", got)
	}
}

func TestChunk(t *testing.T) {
	chunks := Chunk(makeMatches(120), 50)
	if len(chunks) != 3 || len(chunks[0]) != 50 || len(chunks[1]) != 50 || len(chunks[2]) != 20 {
		t.Errorf("unexpected chunk sizes")
	}
	if Chunk([]int{1}, 0) != nil {
		t.Error("expected nil for non-positive size")
	}
}
