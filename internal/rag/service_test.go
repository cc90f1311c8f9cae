package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antoniostano/ragchat/internal/observability"
	"github.com/antoniostano/ragchat/internal/ollama"
	"github.com/antoniostano/ragchat/internal/policy"
	"github.com/antoniostano/ragchat/internal/retrieval"
	"github.com/antoniostano/ragchat/internal/session"
)

type stubRetriever struct {
	text  string
	found bool
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (r *stubRetriever) Nearest(ctx context.Context, query string) (retrieval.Match, bool, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return retrieval.Match{}, false, ctx.Err()
		}
	}
	if r.err != nil {
		return retrieval.Match{}, false, r.err
	}
	return retrieval.Match{Document: retrieval.Document{ID: "d1", Text: r.text}}, r.found, nil
}

type stubGenerator struct {
	mu      sync.Mutex
	replies []string
	prompts []string
	err     error
	delay   time.Duration
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string, onDelta ollama.DeltaHandler) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	var reply string
	if len(g.replies) > 0 {
		reply = g.replies[0]
		g.replies = g.replies[1:]
	}
	g.mu.Unlock()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.err != nil {
		return "", g.err
	}
	if onDelta != nil {
		if err := onDelta(reply); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func (g *stubGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

var metricsSeq atomic.Int64

func newTestService(r retrieval.Retriever, g ollama.Generator, sessions *session.Manager, cfg Config) *Service {
	metrics := observability.NewMetrics(fmt.Sprintf("test_rag_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1)))
	return NewService(r, g, sessions, metrics, cfg)
}

func TestAnswerFreshSession(t *testing.T) {
	sessions := session.NewManager(session.Options{MaxTurns: 5})
	gen := &stubGenerator{replies: []string{"X is a thing, in short."}}
	svc := newTestService(&stubRetriever{text: "X is a thing.", found: true}, gen, sessions, Config{})

	ans, err := svc.Answer(context.Background(), Query{Question: "What is X?", SessionID: "s1"}, nil)
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if ans.Text != "X is a thing, in short." {
		t.Fatalf("Answer().Text = %q", ans.Text)
	}

	want := []session.Turn{
		{Role: session.RoleUser, Content: "What is X?"},
		{Role: session.RoleAssistant, Content: "X is a thing, in short."},
	}
	got := sessions.Turns("s1")
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Turns = %+v, want %+v", got, want)
	}

	p := gen.lastPrompt()
	if strings.Contains(p, "Previous conversation") {
		t.Fatalf("prompt for fresh session has history block: %q", p)
	}
	if p != "Context from knowledge base:\nX is a thing.\n\nQuestion: What is X?\n\nAnswer clearly and concisely:" {
		t.Fatalf("prompt = %q", p)
	}
}

func TestAnswerContinuesSession(t *testing.T) {
	sessions := session.NewManager(session.Options{MaxTurns: 5})
	gen := &stubGenerator{replies: []string{"X is a thing, in short.", "Y is other."}}
	svc := newTestService(&stubRetriever{text: "X is a thing.", found: true}, gen, sessions, Config{})

	if _, err := svc.Answer(context.Background(), Query{Question: "What is X?", SessionID: "s1"}, nil); err != nil {
		t.Fatalf("first Answer() error = %v", err)
	}
	if _, err := svc.Answer(context.Background(), Query{Question: "And Y?", SessionID: "s1"}, nil); err != nil {
		t.Fatalf("second Answer() error = %v", err)
	}

	p := gen.lastPrompt()
	wantHistory := "Previous conversation:\nUser: What is X?\nAssistant: X is a thing, in short.\n\n"
	if !strings.HasPrefix(p, wantHistory) {
		t.Fatalf("prompt = %q, want prefix %q", p, wantHistory)
	}
	if strings.Count(p, "And Y?") != 1 {
		t.Fatalf("current question should appear once (not in its own history): %q", p)
	}
	if n := len(sessions.Turns("s1")); n != 4 {
		t.Fatalf("len(Turns) = %d, want 4", n)
	}
}

func TestAnswerEvictsAcrossRequests(t *testing.T) {
	sessions := session.NewManager(session.Options{MaxTurns: 5})
	sessions.Append("s1", session.Turn{Role: session.RoleUser, Content: "q1"})
	sessions.Append("s1", session.Turn{Role: session.RoleAssistant, Content: "a1"})
	sessions.Append("s1", session.Turn{Role: session.RoleUser, Content: "q2"})

	gen := &stubGenerator{replies: []string{"a2", "a3"}}
	svc := newTestService(&stubRetriever{found: false}, gen, sessions, Config{})

	if _, err := svc.Answer(context.Background(), Query{Question: "q3", SessionID: "s1"}, nil); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	got := sessions.Turns("s1")
	if len(got) != 5 || got[0].Content != "q1" {
		t.Fatalf("after one request Turns = %+v, want 5 turns starting at q1", got)
	}

	if _, err := svc.Answer(context.Background(), Query{Question: "q4", SessionID: "s1"}, nil); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	got = sessions.Turns("s1")
	if len(got) != 5 {
		t.Fatalf("len(Turns) = %d, want 5", len(got))
	}
	if got[0].Content != "q2" || got[4].Content != "a3" {
		t.Fatalf("Turns = %+v, want window q2..a3", got)
	}
}

func TestAnswerWithoutSessionSharesNoState(t *testing.T) {
	sessions := session.NewManager(session.Options{})
	gen := &stubGenerator{replies: []string{"one", "two"}}
	svc := newTestService(&stubRetriever{text: "ctx", found: true}, gen, sessions, Config{})

	for i := 0; i < 2; i++ {
		if _, err := svc.Answer(context.Background(), Query{Question: "same question"}, nil); err != nil {
			t.Fatalf("Answer() error = %v", err)
		}
		if p := gen.lastPrompt(); strings.Contains(p, "Previous conversation") {
			t.Fatalf("call %d prompt has history: %q", i, p)
		}
	}
	if sessions.Len() != 0 {
		t.Fatalf("session store Len() = %d, want 0", sessions.Len())
	}
}

func TestAnswerRetrievalMissKeepsEmptyContextBlock(t *testing.T) {
	gen := &stubGenerator{replies: []string{"dunno"}}
	svc := newTestService(&stubRetriever{found: false}, gen, session.NewManager(session.Options{}), Config{})

	if _, err := svc.Answer(context.Background(), Query{Question: "q?"}, nil); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if p := gen.lastPrompt(); !strings.HasPrefix(p, "Context from knowledge base:\n\n\nQuestion: q?") {
		t.Fatalf("prompt = %q", p)
	}
}

func TestAnswerRejectsEmptyQuestion(t *testing.T) {
	r := &stubRetriever{found: true}
	gen := &stubGenerator{}
	svc := newTestService(r, gen, session.NewManager(session.Options{}), Config{})

	for _, q := range []string{"", "   \n"} {
		_, err := svc.Answer(context.Background(), Query{Question: q, SessionID: "s1"}, nil)
		if !errors.Is(err, ErrMalformedRequest) {
			t.Fatalf("Answer(%q) error = %v, want ErrMalformedRequest", q, err)
		}
	}
	if r.calls.Load() != 0 || len(gen.prompts) != 0 {
		t.Fatalf("backends called for malformed request: retrieval=%d generation=%d", r.calls.Load(), len(gen.prompts))
	}
}

func TestAnswerRetrievalFailure(t *testing.T) {
	sessions := session.NewManager(session.Options{})
	gen := &stubGenerator{}
	svc := newTestService(&stubRetriever{err: errors.New("store offline")}, gen, sessions, Config{})

	_, err := svc.Answer(context.Background(), Query{Question: "q", SessionID: "s1"}, nil)
	if !errors.Is(err, ErrRetrieval) {
		t.Fatalf("error = %v, want ErrRetrieval", err)
	}
	if len(gen.prompts) != 0 {
		t.Fatalf("generation called after retrieval failure")
	}
	if got := sessions.Turns("s1"); len(got) != 0 {
		t.Fatalf("session written after retrieval failure: %+v", got)
	}
}

func TestAnswerGenerationFailure(t *testing.T) {
	sessions := session.NewManager(session.Options{})
	svc := newTestService(&stubRetriever{found: true, text: "ctx"}, &stubGenerator{err: errors.New("model crashed")}, sessions, Config{})

	ans, err := svc.Answer(context.Background(), Query{Question: "q", SessionID: "s1"}, nil)
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("error = %v, want ErrGeneration", err)
	}
	if ans.Text != "" {
		t.Fatalf("partial answer returned: %q", ans.Text)
	}
	got := sessions.Turns("s1")
	if len(got) != 1 || got[0].Role != session.RoleUser {
		t.Fatalf("Turns = %+v, want only the question", got)
	}
}

func TestAnswerBackendTimeouts(t *testing.T) {
	svc := newTestService(
		&stubRetriever{found: true, delay: time.Second},
		&stubGenerator{},
		session.NewManager(session.Options{}),
		Config{RetrievalTimeout: 20 * time.Millisecond},
	)
	_, err := svc.Answer(context.Background(), Query{Question: "q"}, nil)
	if !errors.Is(err, ErrRetrieval) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want retrieval deadline exceeded", err)
	}

	svc = newTestService(
		&stubRetriever{found: true},
		&stubGenerator{delay: time.Second},
		session.NewManager(session.Options{}),
		Config{GenerationTimeout: 20 * time.Millisecond},
	)
	_, err = svc.Answer(context.Background(), Query{Question: "q"}, nil)
	if !errors.Is(err, ErrGeneration) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want generation deadline exceeded", err)
	}
}

func TestAnswerStreamsDeltas(t *testing.T) {
	svc := newTestService(&stubRetriever{found: true}, &stubGenerator{replies: []string{"streamed"}}, session.NewManager(session.Options{}), Config{})

	var got strings.Builder
	ans, err := svc.Answer(context.Background(), Query{Question: "q"}, func(d string) error {
		got.WriteString(d)
		return nil
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if got.String() != ans.Text {
		t.Fatalf("streamed %q, answer %q", got.String(), ans.Text)
	}
}

func TestAnswerConcurrentSameSessionKeepsPairsTogether(t *testing.T) {
	sessions := session.NewManager(session.Options{MaxTurns: 100})
	gen := &echoGenerator{delay: 2 * time.Millisecond}
	svc := newTestService(&stubRetriever{found: true, text: "ctx"}, gen, sessions, Config{})

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := Query{Question: "q" + string(rune('a'+i)), SessionID: "shared"}
			if _, err := svc.Answer(context.Background(), q, nil); err != nil {
				t.Errorf("Answer() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	turns := sessions.Turns("shared")
	if len(turns) != 2*n {
		t.Fatalf("len(Turns) = %d, want %d", len(turns), 2*n)
	}
	for i := 0; i < len(turns); i += 2 {
		if turns[i+1].Content != "re: "+turns[i].Content {
			t.Fatalf("pair %d interleaved: %+v / %+v", i/2, turns[i], turns[i+1])
		}
	}
}

func TestAnswerRedactsStoredTurns(t *testing.T) {
	sessions := session.NewManager(session.Options{})
	svc := newTestService(&stubRetriever{found: true}, &stubGenerator{replies: []string{"ok"}}, sessions, Config{
		Redactor: policy.Redactor{Enabled: true},
	})

	if _, err := svc.Answer(context.Background(), Query{Question: "mail sam@example.com", SessionID: "s1"}, nil); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if got := sessions.Turns("s1")[0].Content; strings.Contains(got, "sam@example.com") {
		t.Fatalf("stored question not redacted: %q", got)
	}
}

// echoGenerator answers with the question line of the prompt it was given.
type echoGenerator struct {
	delay time.Duration
}

func (g *echoGenerator) Generate(ctx context.Context, prompt string, _ ollama.DeltaHandler) (string, error) {
	time.Sleep(g.delay)
	i := strings.LastIndex(prompt, "Question: ")
	q := prompt[i+len("Question: "):]
	q = q[:strings.Index(q, "\n")]
	return "re: " + q, nil
}

// deletingGenerator forgets the session while the answer is being generated.
type deletingGenerator struct {
	sessions *session.Manager
	id       string
}

func (g *deletingGenerator) Generate(context.Context, string, ollama.DeltaHandler) (string, error) {
	g.sessions.Delete(g.id)
	return "late answer", nil
}

func TestAnswerSessionDeletedMidRequestStaysEmpty(t *testing.T) {
	sessions := session.NewManager(session.Options{})
	svc := newTestService(&stubRetriever{found: true}, &deletingGenerator{sessions: sessions, id: "s1"}, sessions, Config{})

	ans, err := svc.Answer(context.Background(), Query{Question: "What is X?", SessionID: "s1"}, nil)
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if ans.Text != "late answer" {
		t.Fatalf("Answer() = %q, want %q", ans.Text, "late answer")
	}
	if got := sessions.RenderHistory("s1"); got != "" {
		t.Fatalf("history after mid-request delete = %q, want empty", got)
	}
}
