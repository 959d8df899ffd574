package compose

import (
	"strings"
	"testing"

	"github.com/TobiSchelling/ActionRAG/internal/retrieve"
)

func ptr(s string) *string { return &s }

func TestAnswerMessages(t *testing.T) {
	msgs := AnswerMessages("What is the leave policy?", []retrieve.Match{
		{Score: 0.91, ActionID: "A-17", ActionPoint: "Employees get 20 days of leave", CircularName: ptr("HR/2024/01")},
		{Score: 0.52, ActionPoint: "Leave requests need approval"},
	})

	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if !strings.Contains(msgs[0].Content, `"No relevant action points found."`) {
		t.Error("expected the no-match sentinel in the system prompt")
	}
	user := msgs[1].Content
	if !strings.Contains(user, "Question: What is the leave policy?") {
		t.Error("expected question in user prompt")
	}
	if !strings.Contains(user, "Employees get 20 days of leave\nCircular: HR/2024/01") {
		t.Error("expected circular reference under the action point")
	}
	if strings.Contains(user, "A-17") || strings.Contains(user, "0.91") {
		t.Error("ids and scores must not reach the prompt")
	}
}

func TestAnswerMessagesNoMatches(t *testing.T) {
	msgs := AnswerMessages("q", nil)
	if !strings.HasSuffix(msgs[1].Content, "Action points:\nNone.") {
		t.Errorf("expected 'None.' placeholder, got %q", msgs[1].Content)
	}
}

func TestReframeMessages(t *testing.T) {
	msgs := ReframeMessages("leave?", "  talks about travel ", "")
	user := msgs[1].Content
	if !strings.Contains(user, "What is incorrect: talks about travel") {
		t.Errorf("expected trimmed incorrect feedback, got %q", user)
	}
	if !strings.Contains(user, "What is missing: None.") {
		t.Errorf("expected None. for empty missing feedback, got %q", user)
	}
	if !strings.HasSuffix(user, "Rewrite:") {
		t.Error("expected prompt to end with Rewrite:")
	}
	if !strings.Contains(msgs[0].Content, "Return only the rewritten question") {
		t.Error("expected instruction to return only the question")
	}
}

func TestClassificationMessagesNumbering(t *testing.T) {
	msgs := ClassificationMessages("q", []retrieve.Match{
		{ActionPoint: "first"},
		{ActionPoint: "second", CircularName: ptr("C-2")},
	})
	user := msgs[1].Content
	if !strings.Contains(user, "1. first\n2. second (Circular: C-2)") {
		t.Errorf("unexpected enumeration %q", user)
	}
	if !strings.Contains(msgs[0].Content, "1-based indices") {
		t.Error("expected 1-based instruction")
	}
}
