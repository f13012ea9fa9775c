// Package openai adapts the Chat Completions API, in both one-shot and
// SSE streaming form.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/llm"
	"github.com/PsiTechC/Convis-1-sub000/pkg/resilience"
)

type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.openai.com/v1",
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	Delta        chatMessage `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type chatMessage struct {
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// post sends the chat completion request and maps HTTP 429 onto the
// rate-limit error the breaker and fallback chain key off. The caller
// owns the body on success.
func (a *Adapter) post(ctx context.Context, input llm.Context, stream bool) (*http.Response, error) {
	payload := map[string]any{
		"model":    a.Model,
		"stream":   stream,
		"messages": input.Messages,
	}
	if stream {
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", bytes.NewBuffer(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)

	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, resilience.RateLimitError{Provider: "openai", Message: string(body)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errors.New(string(body))
	}
	return resp, nil
}

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	httpResp, err := a.post(ctx, input, false)
	if err != nil {
		return llm.Response{}, err
	}
	defer httpResp.Body.Close()

	var payload chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&payload); err != nil {
		return llm.Response{}, err
	}
	if len(payload.Choices) == 0 {
		return llm.Response{}, errors.New("no choices")
	}
	first := payload.Choices[0]
	resp := llm.Response{
		Text:         strings.TrimSpace(first.Message.Content),
		FinishReason: first.FinishReason,
	}
	if payload.Usage != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     payload.Usage.PromptTokens,
			CompletionTokens: payload.Usage.CompletionTokens,
			TotalTokens:      payload.Usage.TotalTokens,
		}
		resp.Tokens = resp.Usage.TotalTokens
	}
	return resp, nil
}

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	httpResp, err := a.post(ctx, input, true)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 128)
	go func() {
		defer httpResp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(httpResp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- text:
			}
		}
	}()
	return out, nil
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}
