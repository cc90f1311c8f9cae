// Package prompt assembles the single text prompt sent to the generation backend.
package prompt

import "strings"

const (
	historyHeader = "Previous conversation:\n"
	contextHeader = "Context from knowledge base:\n"
	questionLabel = "Question: "
	answerSuffix  = "Answer clearly and concisely:"
)

// Build composes history, retrieved context and question in that fixed order.
// The history block is omitted when history is empty; the context block is always
// present, even with an empty body.
func Build(history, context, question string) string {
	var b strings.Builder
	b.Grow(len(historyHeader) + len(history) + len(contextHeader) + len(context) +
		len(questionLabel) + len(question) + len(answerSuffix) + 6)

	if history != "" {
		b.WriteString(historyHeader)
		b.WriteString(history)
		b.WriteString("\n\n")
	}
	b.WriteString(contextHeader)
	b.WriteString(context)
	b.WriteString("\n\n")
	b.WriteString(questionLabel)
	b.WriteString(question)
	b.WriteString("\n\n")
	b.WriteString(answerSuffix)
	return b.String()
}
