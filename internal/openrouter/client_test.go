package openrouter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStreamChatCompletionStreamsDeltas(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer user-key" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		if got := r.Header.Get("X-Title"); got != "T3 Chat Clone" {
			t.Fatalf("unexpected app title header: %q", got)
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		rawBody := string(body)
		if !strings.Contains(rawBody, `"model":"google/gemma-2-9b-it:free"`) {
			t.Fatalf("request body missing model: %s", rawBody)
		}
		if !strings.Contains(rawBody, `"stream":true`) {
			t.Fatalf("request body missing stream=true: %s", rawBody)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "http://localhost:3000", "T3 Chat Clone", server.Client())

	started := false
	var out strings.Builder
	err := client.StreamChatCompletion(
		context.Background(),
		"user-key",
		StreamRequest{
			Model: "google/gemma-2-9b-it:free",
			Messages: []Message{
				{Role: "user", Content: "hi"},
			},
		},
		func() error {
			started = true
			return nil
		},
		func(delta string) error {
			out.WriteString(delta)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("stream chat completion: %v", err)
	}

	if !started {
		t.Fatal("expected onStart callback to be called")
	}
	if got := out.String(); got != "Hello world" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestStreamChatCompletionRequiresAPIKey(t *testing.T) {
	t.Parallel()

	client := NewClient("http://unreachable.invalid", "", "", nil)

	err := client.StreamChatCompletion(
		context.Background(),
		"   ",
		StreamRequest{
			Model:    "google/gemma-2-9b-it:free",
			Messages: []Message{{Role: "user", Content: "hi"}},
		},
		nil,
		nil,
	)
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestStreamChatCompletionForwardsUpstreamStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"message":"insufficient credits"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", server.Client())

	err := client.StreamChatCompletion(
		context.Background(),
		"user-key",
		StreamRequest{
			Model:    "google/gemma-2-9b-it:free",
			Messages: []Message{{Role: "user", Content: "hi"}},
		},
		nil,
		nil,
	)

	var upstreamErr UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstreamErr.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("unexpected status: %d", upstreamErr.StatusCode)
	}
	if !strings.Contains(upstreamErr.Body, "insufficient credits") {
		t.Fatalf("unexpected body: %q", upstreamErr.Body)
	}
}

func TestStreamChatCompletionSurfacesInlineStreamError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"error\":{\"message\":\"model overloaded\"}}\n\n"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", server.Client())

	err := client.StreamChatCompletion(
		context.Background(),
		"user-key",
		StreamRequest{
			Model:    "google/gemma-2-9b-it:free",
			Messages: []Message{{Role: "user", Content: "hi"}},
		},
		nil,
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("expected inline stream error, got %v", err)
	}
}

func TestStreamChatCompletionStopsWhenDeltaCallbackFails(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", server.Client())

	consumerGone := errors.New("consumer disconnected")
	calls := 0
	err := client.StreamChatCompletion(
		context.Background(),
		"user-key",
		StreamRequest{
			Model:    "google/gemma-2-9b-it:free",
			Messages: []Message{{Role: "user", Content: "hi"}},
		},
		nil,
		func(string) error {
			calls++
			return consumerGone
		},
	)
	if !errors.Is(err, consumerGone) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected streaming to stop after first failed delta, got %d calls", calls)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer user-key" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"openai/gpt-4o-mini","name":"GPT-4o mini"},{"id":"","name":"skipped"},{"id":"google/gemma-2-9b-it:free","name":""}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", server.Client())

	models, err := client.ListModels(context.Background(), "user-key")
	if err != nil {
		t.Fatalf("list models: %v", err)
	}

	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models[0].ID != "openai/gpt-4o-mini" || models[0].Name != "GPT-4o mini" {
		t.Fatalf("unexpected first model: %+v", models[0])
	}
	if models[1].Name != "google/gemma-2-9b-it:free" {
		t.Fatalf("expected name fallback to id, got %+v", models[1])
	}
}

func TestListModelsForwardsUpstreamStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("invalid key"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", server.Client())

	_, err := client.ListModels(context.Background(), "bad-key")

	var upstreamErr UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstreamErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", upstreamErr.StatusCode)
	}
}
