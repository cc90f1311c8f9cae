package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/antoniostano/ragchat/internal/reliability"
)

// errStreamTruncated reports a generate response that ended before Ollama
// marked it done, so the text cannot be trusted as a full answer.
var errStreamTruncated = errors.New("ollama stream ended before done")

// HTTPClient calls Ollama's /api/generate and /api/embeddings endpoints.
// Deadlines come from the caller's context.
type HTTPClient struct {
	baseURL    string
	model      string
	embedModel string
	client     *http.Client
}

func NewHTTPClient(baseURL, model, embedModel string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:      strings.TrimSpace(model),
		embedModel: strings.TrimSpace(embedModel),
		client:     &http.Client{},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate sends prompt to the configured model. With a non-nil onDelta the
// response is streamed and every fragment is forwarded as it arrives.
func (c *HTTPClient) Generate(ctx context.Context, prompt string, onDelta DeltaHandler) (string, error) {
	res, err := c.post(ctx, "/api/generate", generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: onDelta != nil,
	})
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if onDelta != nil {
		return consumeNDJSON(res.Body, onDelta)
	}

	var out generateChunk
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama generate: %s", out.Error)
	}
	if !out.Done {
		return "", errStreamTruncated
	}
	return out.Response, nil
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := c.post(ctx, "/api/embeddings", embeddingRequest{
		Model:  c.embedModel,
		Prompt: text,
	})
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var out embeddingResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, errors.New("ollama returned an empty embedding")
	}
	return out.Embedding, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &reliability.StatusError{
			Backend:    "ollama",
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	return res, nil
}

func consumeNDJSON(body io.Reader, onDelta DeltaHandler) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	done := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return "", fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama generate: %s", chunk.Error)
		}
		if chunk.Response != "" {
			out.WriteString(chunk.Response)
			if err := onDelta(chunk.Response); err != nil {
				return "", err
			}
		}
		if chunk.Done {
			done = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	if !done {
		return "", errStreamTruncated
	}
	return out.String(), nil
}
