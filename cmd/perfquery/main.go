package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/ragchat/internal/protocol"
)

type options struct {
	baseURL      string
	mode         string
	sessionID    string
	queries      int
	interDelay   time.Duration
	queryTimeout time.Duration
	questions    []string
	verbose      bool
}

type queryRequest struct {
	Q         string `json:"q"`
	SessionID string `json:"session_id,omitempty"`
}

type queryResponse struct {
	Answer string `json:"answer"`
	Error  string `json:"error"`
	Code   string `json:"code"`
}

type wsEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Answer    string `json:"answer,omitempty"`
	TextDelta string `json:"text_delta,omitempty"`
}

type sample struct {
	total      time.Duration
	firstDelta time.Duration
}

var defaultQuestions = []string{
	"What is this knowledge base about?",
	"Summarize the most important point in one sentence.",
	"What did I ask you first?",
	"Give one follow-up question I should ask.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfquery: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfquery: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var questionsRaw string
	var interMS int
	var timeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "ragchat base URL")
	flag.StringVar(&cfg.mode, "mode", "http", "transport: http (POST /query) or ws (/query/ws)")
	flag.StringVar(&cfg.sessionID, "session-id", "", "session_id to replay under (default: random; \"none\" sends no session)")
	flag.IntVar(&cfg.queries, "queries", 10, "number of queries to replay")
	flag.IntVar(&interMS, "inter-query-ms", 100, "delay between queries in milliseconds")
	flag.IntVar(&timeoutMS, "query-timeout-ms", 120000, "timeout per query in milliseconds")
	flag.StringVar(&questionsRaw, "questions", "", "questions separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	return normalizeOptions(cfg, questionsRaw, interMS, timeoutMS)
}

func normalizeOptions(cfg options, questionsRaw string, interMS, timeoutMS int) (options, error) {
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	cfg.mode = strings.ToLower(strings.TrimSpace(cfg.mode))
	if cfg.mode != "http" && cfg.mode != "ws" {
		return options{}, fmt.Errorf("mode must be http or ws")
	}
	if cfg.queries <= 0 {
		return options{}, fmt.Errorf("queries must be > 0")
	}
	switch strings.TrimSpace(cfg.sessionID) {
	case "":
		cfg.sessionID = "perf-" + uuid.NewString()
	case "none":
		cfg.sessionID = ""
	}
	if interMS < 0 {
		interMS = 0
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.interDelay = time.Duration(interMS) * time.Millisecond
	cfg.queryTimeout = time.Duration(timeoutMS) * time.Millisecond

	if strings.TrimSpace(questionsRaw) == "" {
		cfg.questions = append([]string(nil), defaultQuestions...)
	} else {
		for _, part := range strings.Split(questionsRaw, "|") {
			if q := strings.TrimSpace(part); q != "" {
				cfg.questions = append(cfg.questions, q)
			}
		}
		if len(cfg.questions) == 0 {
			return options{}, fmt.Errorf("questions produced no non-empty entries")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx := context.Background()
	httpClient := &http.Client{Timeout: cfg.queryTimeout}

	if cfg.verbose {
		fmt.Printf("perfquery: mode=%s session=%q queries=%d\n", cfg.mode, cfg.sessionID, cfg.queries)
	}

	var conn *websocket.Conn
	if cfg.mode == "ws" {
		wsURL, err := wsURLFor(cfg.baseURL)
		if err != nil {
			return fmt.Errorf("build ws URL: %w", err)
		}
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			return fmt.Errorf("open websocket: %w", err)
		}
		defer conn.Close()
	}

	samples := make([]sample, 0, cfg.queries)
	for i := 0; i < cfg.queries; i++ {
		question := cfg.questions[i%len(cfg.questions)]
		var (
			s   sample
			err error
		)
		if conn != nil {
			s, err = queryWS(conn, cfg, fmt.Sprintf("perf-%d", i+1), question)
		} else {
			s, err = queryHTTP(ctx, httpClient, cfg, question)
		}
		if err != nil {
			return fmt.Errorf("query %d: %w", i+1, err)
		}
		samples = append(samples, s)
		if cfg.verbose {
			fmt.Printf("perfquery: %d/%d %q total=%s\n", i+1, cfg.queries, question, s.total.Round(time.Millisecond))
		}
		if cfg.interDelay > 0 && i < cfg.queries-1 {
			time.Sleep(cfg.interDelay)
		}
	}

	printSummary(os.Stdout, samples, cfg.mode == "ws")
	if err := printServerStages(ctx, httpClient, cfg.baseURL); err != nil {
		fmt.Fprintf(os.Stderr, "perfquery: server stage snapshot unavailable: %v\n", err)
	}
	return nil
}

func queryHTTP(ctx context.Context, client *http.Client, cfg options, question string) (sample, error) {
	body, err := json.Marshal(queryRequest{Q: question, SessionID: cfg.sessionID})
	if err != nil {
		return sample{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return sample{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := client.Do(req)
	if err != nil {
		return sample{}, err
	}
	defer res.Body.Close()

	var out queryResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 4<<20)).Decode(&out); err != nil {
		return sample{}, fmt.Errorf("decode response (status %d): %w", res.StatusCode, err)
	}
	elapsed := time.Since(start)
	if res.StatusCode != http.StatusOK {
		return sample{}, fmt.Errorf("status %d: %s (%s)", res.StatusCode, out.Error, out.Code)
	}
	return sample{total: elapsed, firstDelta: elapsed}, nil
}

func queryWS(conn *websocket.Conn, cfg options, requestID, question string) (sample, error) {
	start := time.Now()
	if err := conn.WriteJSON(protocol.ClientQuery{
		Type:      protocol.TypeQuery,
		RequestID: requestID,
		Q:         question,
		SessionID: cfg.sessionID,
	}); err != nil {
		return sample{}, err
	}

	var s sample
	_ = conn.SetReadDeadline(start.Add(cfg.queryTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return sample{}, err
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.RequestID != "" && env.RequestID != requestID {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeAnswerDelta:
			if s.firstDelta == 0 {
				s.firstDelta = time.Since(start)
			}
		case protocol.TypeAnswer:
			s.total = time.Since(start)
			if s.firstDelta == 0 {
				s.firstDelta = s.total
			}
			return s, nil
		case protocol.TypeErrorEvent:
			return sample{}, fmt.Errorf("server error %s: %s", env.Code, env.Detail)
		}
	}
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/query/ws"
	return u.String(), nil
}

// percentile uses nearest-rank on a sorted copy; it returns 0 for no samples.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := int(p/100*float64(len(sorted))+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

func printSummary(w io.Writer, samples []sample, streaming bool) {
	totals := make([]time.Duration, 0, len(samples))
	firsts := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		totals = append(totals, s.total)
		firsts = append(firsts, s.firstDelta)
	}
	fmt.Fprintf(w, "perfquery: total      p50=%s p95=%s max=%s\n",
		percentile(totals, 50).Round(time.Millisecond),
		percentile(totals, 95).Round(time.Millisecond),
		percentile(totals, 100).Round(time.Millisecond))
	if streaming {
		fmt.Fprintf(w, "perfquery: first delta p50=%s p95=%s\n",
			percentile(firsts, 50).Round(time.Millisecond),
			percentile(firsts, 95).Round(time.Millisecond))
	}
}

func printServerStages(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return err
	}
	fmt.Printf("perfquery: server stages\n%s\n", pretty.String())
	return nil
}
