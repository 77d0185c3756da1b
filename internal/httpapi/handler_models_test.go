package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"t3chat/backend/internal/openrouter"
	"t3chat/backend/internal/session"
)

func TestListModelsRequiresStoredKey(t *testing.T) {
	streamer := &stubStreamer{catalog: []openrouter.Model{{ID: "openai/gpt-4o-mini", Name: "GPT-4o mini"}}}
	handler, database := newTestHandler(t, streamer)
	t.Cleanup(func() { _ = database.Close() })

	user := session.User{ID: "user-1"}
	seedUser(t, database, user.ID, "user1@example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req = requestWithSessionUser(req, user)
	resp := httptest.NewRecorder()

	handler.ListModels(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusBadRequest, resp.Code, resp.Body.String())
	}
	if streamer.listCalls != 0 {
		t.Fatalf("expected no upstream call without a stored key, got %d", streamer.listCalls)
	}
}

func TestListModelsCachesCatalogPerKey(t *testing.T) {
	streamer := &stubStreamer{catalog: []openrouter.Model{{ID: "openai/gpt-4o-mini", Name: "GPT-4o mini"}}}
	handler, database := newTestHandler(t, streamer)
	t.Cleanup(func() { _ = database.Close() })

	user1 := session.User{ID: "user-1"}
	user2 := session.User{ID: "user-2"}
	seedUser(t, database, user1.ID, "user1@example.com")
	seedUser(t, database, user2.ID, "user2@example.com")
	seedOpenRouterKey(t, database, user1.ID, "sk-or-one")
	seedOpenRouterKey(t, database, user2.ID, "sk-or-two")

	listModels := func(user session.User) []openrouter.Model {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
		req = requestWithSessionUser(req, user)
		resp := httptest.NewRecorder()

		handler.ListModels(resp, req)

		if resp.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
		}
		var models []openrouter.Model
		decodeJSONBody(t, resp, &models)
		return models
	}

	first := listModels(user1)
	if len(first) != 1 || first[0].ID != "openai/gpt-4o-mini" {
		t.Fatalf("unexpected catalog: %+v", first)
	}

	// second request for the same key comes out of the cache
	listModels(user1)
	if streamer.listCalls != 1 {
		t.Fatalf("expected 1 upstream call after repeat, got %d", streamer.listCalls)
	}

	// a different key is a different cache entry
	listModels(user2)
	if streamer.listCalls != 2 {
		t.Fatalf("expected a fresh upstream call for a new key, got %d", streamer.listCalls)
	}
}

func TestListModelsForwardsUpstreamError(t *testing.T) {
	streamer := &stubStreamer{
		catalogErr: openrouter.UpstreamError{
			StatusCode: http.StatusUnauthorized,
			Body:       `{"error":{"message":"Invalid API key"}}`,
		},
	}
	handler, database := newTestHandler(t, streamer)
	t.Cleanup(func() { _ = database.Close() })

	user := session.User{ID: "user-1"}
	seedUser(t, database, user.ID, "user1@example.com")
	seedOpenRouterKey(t, database, user.ID, "sk-or-bad")

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req = requestWithSessionUser(req, user)
	resp := httptest.NewRecorder()

	handler.ListModels(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected upstream status %d, got %d (%s)", http.StatusUnauthorized, resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), "Invalid API key") {
		t.Fatalf("expected upstream body to be forwarded, got: %s", resp.Body.String())
	}
}

func TestListModelsReturnsEmptyArrayForEmptyCatalog(t *testing.T) {
	streamer := &stubStreamer{}
	handler, database := newTestHandler(t, streamer)
	t.Cleanup(func() { _ = database.Close() })

	user := session.User{ID: "user-1"}
	seedUser(t, database, user.ID, "user1@example.com")
	seedOpenRouterKey(t, database, user.ID, "sk-or-test")

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req = requestWithSessionUser(req, user)
	resp := httptest.NewRecorder()

	handler.ListModels(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}
	if body := strings.TrimSpace(resp.Body.String()); body != "[]" {
		t.Fatalf("expected empty JSON array, got: %s", body)
	}
}
