package prompt

import (
	"strings"
	"testing"
)

func TestBuild(t *testing.T) {
	cases := []struct {
		name     string
		history  string
		context  string
		question string
		want     string
	}{
		{
			name:     "no history",
			context:  "X is a thing.",
			question: "What is X?",
			want:     "Context from knowledge base:\nX is a thing.\n\nQuestion: What is X?\n\nAnswer clearly and concisely:",
		},
		{
			name:     "with history",
			history:  "User: What is X?\nAssistant: X is a thing, in short.",
			context:  "Y is another thing.",
			question: "And Y?",
			want: "Previous conversation:\nUser: What is X?\nAssistant: X is a thing, in short.\n\n" +
				"Context from knowledge base:\nY is another thing.\n\n" +
				"Question: And Y?\n\n" +
				"Answer clearly and concisely:",
		},
		{
			name:     "empty context keeps section",
			question: "Anything?",
			want:     "Context from knowledge base:\n\n\nQuestion: Anything?\n\nAnswer clearly and concisely:",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Build(tc.history, tc.context, tc.question); got != tc.want {
				t.Fatalf("Build() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBuildBlockOrder(t *testing.T) {
	got := Build("User: h", "ctx", "q?")

	positions := []int{
		strings.Index(got, "Previous conversation:"),
		strings.Index(got, "Context from knowledge base:"),
		strings.Index(got, "Question: q?"),
		strings.Index(got, "Answer clearly and concisely:"),
	}
	for i, p := range positions {
		if p < 0 {
			t.Fatalf("block %d missing from prompt %q", i, got)
		}
		if i > 0 && p <= positions[i-1] {
			t.Fatalf("block %d at %d precedes block %d at %d", i, p, i-1, positions[i-1])
		}
	}
	if !strings.HasSuffix(got, "Answer clearly and concisely:") {
		t.Fatalf("prompt does not end with the instruction suffix: %q", got)
	}
}

func TestBuildOmitsHistoryBlockWhenEmpty(t *testing.T) {
	if got := Build("", "ctx", "q"); strings.Contains(got, "Previous conversation") {
		t.Fatalf("Build() with empty history contains history block: %q", got)
	}
}
