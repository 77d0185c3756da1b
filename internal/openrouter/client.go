package openrouter

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
)

const maxErrorBodyBytes = 8 * 1024

var ErrMissingAPIKey = errors.New("openrouter api key is required")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type StreamRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type streamAPIRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type streamAPIResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type listModelsAPIResponse struct {
	Data []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

// UpstreamError carries the aggregator's HTTP status and raw body so the
// handler boundary can forward both unchanged.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e UpstreamError) Error() string {
	return fmt.Sprintf("openrouter returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to an OpenRouter-compatible aggregator. It holds no API key:
// every call is made with the key of the user on whose behalf it runs.
type Client struct {
	baseURL    string
	appURL     string
	appTitle   string
	httpClient *http.Client
}

func NewClient(baseURL, appURL, appTitle string, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		appURL:     strings.TrimSpace(appURL),
		appTitle:   strings.TrimSpace(appTitle),
		httpClient: httpClient,
	}
}

func (c Client) StreamChatCompletion(
	ctx context.Context,
	apiKey string,
	req StreamRequest,
	onStart func() error,
	onDelta func(string) error,
) error {
	if strings.TrimSpace(apiKey) == "" {
		return ErrMissingAPIKey
	}
	if strings.TrimSpace(req.Model) == "" {
		return errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return errors.New("messages are required")
	}

	payload, err := json.Marshal(streamAPIRequest{
		Model:    strings.TrimSpace(req.Model),
		Messages: req.Messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("marshal openrouter request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build openrouter request: %w", err)
	}
	c.setHeaders(httpReq, apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request openrouter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if onStart != nil {
		if err := onStart(); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return nil
		}

		var parsed streamAPIResponse
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			continue
		}

		if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
			return errors.New(strings.TrimSpace(parsed.Error.Message))
		}

		for _, choice := range parsed.Choices {
			delta := choice.Delta.Content
			if delta == "" {
				continue
			}
			if onDelta != nil {
				if err := onDelta(delta); err != nil {
					return err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read openrouter stream: %w", err)
	}
	return nil
}

func (c Client) ListModels(ctx context.Context, apiKey string) ([]Model, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build openrouter models request: %w", err)
	}
	c.setHeaders(httpReq, apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request openrouter models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed listModelsAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode openrouter models response: %w", err)
	}

	models := make([]Model, 0, len(parsed.Data))
	for _, model := range parsed.Data {
		id := strings.TrimSpace(model.ID)
		if id == "" {
			continue
		}
		name := strings.TrimSpace(model.Name)
		if name == "" {
			name = id
		}
		models = append(models, Model{ID: id, Name: name})
	}

	return models, nil
}

func (c Client) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if c.appURL != "" {
		req.Header.Set("HTTP-Referer", c.appURL)
	}
	if c.appTitle != "" {
		req.Header.Set("X-Title", c.appTitle)
	}
}
