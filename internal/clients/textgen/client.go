package textgen

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/inkforge/inkforge-backend/internal/platform/envutil"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

// Request is one generation call. OnToken, when set, receives streamed
// chunks as they arrive; the full text is still returned at the end.
type Request struct {
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
	OnToken     func(chunk string)
}

// Response carries the generated text plus usage accounting.
type Response struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Generator is the text-generation boundary. Stages depend on this, never on
// a concrete provider.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	httpClient *http.Client
	log        *logger.Logger

	baseURL      string
	apiKey       string
	defaultModel string
	maxRetries   int
	retryBackoff time.Duration
}

func NewClient(baseLog *logger.Logger) *Client {
	log := baseLog.With("component", "TextgenClient")
	return &Client{
		httpClient:   &http.Client{Timeout: envutil.Duration("TEXTGEN_HTTP_TIMEOUT", 120*time.Second, log)},
		log:          log,
		baseURL:      strings.TrimRight(envutil.Str("TEXTGEN_BASE_URL", "https://api.openai.com/v1", log), "/"),
		apiKey:       envutil.Str("TEXTGEN_API_KEY", "", log),
		defaultModel: envutil.Str("TEXTGEN_MODEL", "gpt-4o-mini", log),
		maxRetries:   envutil.Int("TEXTGEN_MAX_RETRIES", 2, log),
		retryBackoff: envutil.Duration("TEXTGEN_RETRY_BACKOFF", 2*time.Second, log),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	messages := []chatMessage{}
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	body := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.OnToken != nil,
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * c.retryBackoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		res, retryable, err := c.doOnce(ctx, body, req.OnToken)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			break
		}
		c.log.Warn("generation attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, body chatRequest, onToken func(string)) (*Response, bool, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, false, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, true, fmt.Errorf("textgen status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, false, fmt.Errorf("textgen status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if body.Stream {
		text, err := readStream(resp.Body, onToken)
		if err != nil {
			return nil, true, err
		}
		return &Response{Text: text, Model: body.Model}, false, nil
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, true, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, false, fmt.Errorf("textgen returned no choices")
	}
	return &Response{
		Text:             out.Choices[0].Message.Content,
		Model:            out.Model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, false, nil
}

// readStream consumes an SSE chat stream, forwarding each delta and
// accumulating the full text.
func readStream(r io.Reader, onToken func(string)) (string, error) {
	var sb strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			sb.WriteString(ch.Delta.Content)
			if onToken != nil {
				onToken(ch.Delta.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	return sb.String(), nil
}
