package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const errModelUnavailable = "模型服务暂不可用"

// compatClient is the shared HTTP client for OpenAI-compatible
// chat-completions APIs. Each adapter owns one instance with its own
// credential; nothing is shared across providers.
type compatClient struct {
	name     string
	apiKey   string
	apiBase  string
	chatPath string
	client   *http.Client
}

func newCompatClient(name, apiKey, apiBase, defaultBase, chatPath string) *compatClient {
	if apiBase == "" {
		apiBase = defaultBase
	}
	apiBase = strings.TrimRight(apiBase, "/")
	if chatPath == "" {
		chatPath = "/chat/completions"
	}
	return &compatClient{
		name:     name,
		apiKey:   apiKey,
		apiBase:  apiBase,
		chatPath: chatPath,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// sinkError marks an error raised by the caller's chunk callback (typically
// a broken SSE connection) as opposed to an upstream failure.
type sinkError struct {
	err error
}

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

type chatDelta struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
}

type streamPayload struct {
	Choices []struct {
		Delta chatDelta `json:"delta"`
	} `json:"choices"`
}

type completionPayload struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// streamChat POSTs a streaming chat-completions request and relays each
// delta through onChunk. extra is merged into the request body for
// vendor-specific keys (e.g. GLM's thinking switch).
func (c *compatClient) streamChat(ctx context.Context, model string, messages []Message, extra map[string]any, onChunk func(Chunk) error) error {
	body := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   true,
	}
	for k, v := range extra {
		body[k] = v
	}

	respBody, err := c.doRequest(ctx, body)
	if err != nil {
		return err
	}
	defer respBody.Close()

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var payload streamPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			slog.Warn("provider.chunk_parse_failed", "provider", c.name, "chunk", data)
			continue
		}
		if len(payload.Choices) == 0 {
			continue
		}

		delta := payload.Choices[0].Delta
		if delta.Content == "" && delta.ReasoningContent == "" {
			continue
		}
		if err := onChunk(Chunk{Content: delta.Content, Reasoning: delta.ReasoningContent}); err != nil {
			return &sinkError{err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: read stream: %w", c.name, err)
	}
	return nil
}

// complete POSTs a non-streaming request and returns the reply text. Used
// for title generation.
func (c *compatClient) complete(ctx context.Context, model string, messages []Message, extra map[string]any) (string, error) {
	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"max_tokens":  20,
		"temperature": 0.3,
	}
	for k, v := range extra {
		body[k] = v
	}

	respBody, err := c.doRequest(ctx, body)
	if err != nil {
		return "", err
	}
	defer respBody.Close()

	var payload completionPayload
	if err := json.NewDecoder(respBody).Decode(&payload); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	if len(payload.Choices) == 0 {
		return "", fmt.Errorf("%s: empty choices", c.name)
	}
	return payload.Choices[0].Message.Content, nil
}

func (c *compatClient) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+c.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%s: status %d: %s", c.name, resp.StatusCode, string(detail))
	}
	return resp.Body, nil
}

// openAIAdapter implements Adapter on top of compatClient. Per-vendor
// differences are captured by the model picker and the extra body hook.
type openAIAdapter struct {
	client     *compatClient
	pickModel  func(deepThinking bool) string
	extraBody  func(deepThinking bool) map[string]any
	titleModel string
	titleExtra map[string]any
}

func (a *openAIAdapter) Name() string { return a.client.name }

func (a *openAIAdapter) Stream(ctx context.Context, messages []Message, deepThinking bool, onChunk func(Chunk) error) error {
	model := a.pickModel(deepThinking)
	var extra map[string]any
	if a.extraBody != nil {
		extra = a.extraBody(deepThinking)
	}

	slog.Info("provider.stream", "provider", a.client.name, "model", model,
		"messages", len(messages), "deep_thinking", deepThinking)

	err := a.client.streamChat(ctx, model, messages, extra, onChunk)
	if err == nil {
		return nil
	}

	var sink *sinkError
	if errors.As(err, &sink) {
		return sink.Unwrap()
	}
	if ctx.Err() != nil {
		// Client went away; the aborted upstream call is not an upstream
		// failure.
		return ctx.Err()
	}

	slog.Error("provider.stream_failed", "provider", a.client.name, "error", err)
	if cerr := onChunk(Chunk{Error: errModelUnavailable, Details: err.Error()}); cerr != nil {
		return cerr
	}
	return nil
}

func (a *openAIAdapter) Title(ctx context.Context, userInput, fullReply string) string {
	prompt := fmt.Sprintf("根据以下对话生成20字内标题（只需返回标题）：\n用户：%s\nAI：%s", userInput, fullReply)

	out, err := a.client.complete(ctx, a.titleModel, []Message{{Role: "user", Content: prompt}}, a.titleExtra)
	if err != nil || strings.TrimSpace(out) == "" {
		slog.Error("provider.title_failed", "provider", a.client.name, "error", err)
		return truncateRunes(fullReply, 20)
	}
	return truncateRunes(strings.Trim(out, "。\n"), 20)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
