// Package compose builds the chat prompts used to answer, reframe and
// classify questions against retrieved action points.
package compose

import (
	"fmt"
	"strings"

	"github.com/TobiSchelling/ActionRAG/internal/llm"
	"github.com/TobiSchelling/ActionRAG/internal/retrieve"
)

// NoMatchResponse is the exact reply requested when nothing is relevant.
const NoMatchResponse = "No relevant action points found."

var answerSystemPrompt = "You answer questions using only the provided action points. " +
	"If the action points are missing or do not answer the question, " +
	fmt.Sprintf("respond with exactly: %q. ", NoMatchResponse) +
	"If circular references are provided, include a short References section listing " +
	"the circular names you used. Do not mention action ids, indices, or similarity scores."

const reframeSystemPrompt = "You rewrite user questions for semantic retrieval. " +
	"Return only the rewritten question and nothing else."

const classifySystemPrompt = "You identify which action points are relevant to the question. " +
	"Return ONLY valid JSON with a single key 'relevant_indices' containing an array " +
	"of 1-based indices for relevant items. Use the same numbering shown in the list."

// AnswerMessages grounds the answer in the candidate texts.
func AnswerMessages(question string, matches []retrieve.Match) []llm.Message {
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		if c := m.Circular(); c != "" {
			lines = append(lines, m.ActionPoint+"\nCircular: "+c)
			continue
		}
		lines = append(lines, m.ActionPoint)
	}
	if len(lines) == 0 {
		lines = []string{"None."}
	}
	user := fmt.Sprintf("Question: %s\n\nAction points:\n%s", question, strings.Join(lines, "\n"))
	return []llm.Message{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: user},
	}
}

// ReframeMessages asks for a retrieval-friendly rewrite of the question.
func ReframeMessages(question, incorrect, missing string) []llm.Message {
	incorrect = strings.TrimSpace(incorrect)
	if incorrect == "" {
		incorrect = "None."
	}
	missing = strings.TrimSpace(missing)
	if missing == "" {
		missing = "None."
	}
	user := strings.Join([]string{
		"Original question: " + question,
		"What is incorrect: " + incorrect,
		"What is missing: " + missing,
		"Rewrite:",
	}, "\n")
	return []llm.Message{
		{Role: "system", Content: reframeSystemPrompt},
		{Role: "user", Content: user},
	}
}

// ClassificationMessages enumerates a batch from 1 and asks for the indices
// of the relevant items as JSON.
func ClassificationMessages(question string, batch []retrieve.Match) []llm.Message {
	lines := []string{"Question: " + question, "", "Action points:"}
	for i, m := range batch {
		suffix := ""
		if c := m.Circular(); c != "" {
			suffix = " (Circular: " + c + ")"
		}
		lines = append(lines, fmt.Sprintf("%d. %s%s", i+1, m.ActionPoint, suffix))
	}
	lines = append(lines, "", `Return JSON: {"relevant_indices": [1, 5, 9]}`)
	return []llm.Message{
		{Role: "system", Content: classifySystemPrompt},
		{Role: "user", Content: strings.Join(lines, "\n")},
	}
}
