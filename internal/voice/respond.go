package voice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmoralesf/conserje/internal/reliability"
)

// BackendStatusError reports a non-OK response from the chat backend
// before any streaming began.
type BackendStatusError struct {
	Status int
}

func (e *BackendStatusError) Error() string {
	return fmt.Sprintf("response backend status %d", e.Status)
}

type ChatConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
}

// ChatProvider streams reply text from an OpenAI-style chat-completions
// endpoint over SSE. Cancelling the request context abandons the stream at
// the next event boundary.
type ChatProvider struct {
	cfg    ChatConfig
	client *http.Client
}

func NewChatProvider(cfg ChatConfig) *ChatProvider {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &ChatProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *ChatProvider) StreamReply(ctx context.Context, turns []ReplyTurn) (<-chan ResponseEvent, error) {
	messages := make([]chatMessage, 0, len(turns)+1)
	if strings.TrimSpace(p.cfg.SystemPrompt) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: p.cfg.SystemPrompt})
	}
	for _, t := range turns {
		role := t.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, chatMessage{Role: role, Content: t.Text})
	}

	body, err := json.Marshal(chatRequest{Model: p.cfg.Model, Messages: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open response stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &BackendStatusError{Status: resp.StatusCode}
	}

	events := make(chan ResponseEvent, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 4096), 512*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				events <- ResponseEvent{Type: ResponseEventDone}
				return
			}
			var msg chatDelta
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				continue
			}
			for _, choice := range msg.Choices {
				if choice.Delta.Content != "" {
					select {
					case <-ctx.Done():
						return
					case events <- ResponseEvent{Type: ResponseEventDelta, TextDelta: choice.Delta.Content}:
					}
				}
				if choice.FinishReason != "" {
					events <- ResponseEvent{Type: ResponseEventDone}
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			events <- ResponseEvent{
				Type:      ResponseEventError,
				Code:      "response_stream_broken",
				Detail:    err.Error(),
				Retryable: reliability.IsRetryableStreamError(err),
			}
			return
		}
		// Stream ended without [DONE]; the increments seen so far stand.
		if ctx.Err() == nil {
			events <- ResponseEvent{Type: ResponseEventDone}
		}
	}()
	return events, nil
}
