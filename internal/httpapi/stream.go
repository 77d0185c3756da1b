package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"

	"t3chat/backend/internal/openrouter"
)

type streamChatRequest struct {
	ChatID   string          `json:"chatId"`
	Model    string          `json:"model"`
	Messages []streamMessage `json:"messages"`
	FileIDs  []string        `json:"fileIds"`
}

type streamMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChat forwards the submitted conversation to the aggregator with the
// caller's stored key and relays the token stream back as plain text. When a
// chat id is supplied, the accumulated assistant text is persisted on
// completion.
func (h Handler) StreamChat(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	var req streamChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "messages are required")
		return
	}
	for _, message := range req.Messages {
		if !validMessageRole(message.Role) {
			writeError(w, http.StatusBadRequest, "invalid_payload", "role must be user or assistant")
			return
		}
	}

	apiKey, err := h.userOpenRouterKey(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read preferences")
		return
	}
	if apiKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_configuration", "OpenRouter API key not configured for this user")
		return
	}

	chatID := strings.TrimSpace(req.ChatID)
	if chatID != "" {
		if _, err := h.ownedChat(r.Context(), chatID, user.ID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "not_found", "chat not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "db_error", "failed to read chat")
			return
		}
	}

	upstream := make([]openrouter.Message, 0, len(req.Messages))
	for _, message := range req.Messages {
		upstream = append(upstream, openrouter.Message{Role: message.Role, Content: message.Content})
	}

	// attachment excerpts ride along on the last user message of the prompt;
	// they are never persisted as message content
	if len(req.FileIDs) > 0 {
		files, _, err := h.resolveUserFiles(r.Context(), user.ID, req.FileIDs)
		if err != nil {
			if errors.Is(err, errInvalidFileIDs) || errors.Is(err, errTooManyFileIDs) {
				writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "db_error", "failed to resolve attachments")
			return
		}
		for i := len(upstream) - 1; i >= 0; i-- {
			if upstream[i].Role == "user" {
				upstream[i].Content = appendFileContextToPrompt(upstream[i].Content, files)
				break
			}
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "server does not support streaming")
		return
	}

	// a consumer disconnect cancels the request context mid-stream; when a
	// chat id is attached the stream and the persist below must outlive it
	// so the assistant reply is not lost
	streamCtx := r.Context()
	if chatID != "" {
		streamCtx = context.WithoutCancel(r.Context())
	}

	var assistantText strings.Builder
	started := false
	clientGone := false

	streamErr := h.relay.StreamChatCompletion(
		streamCtx,
		apiKey,
		openrouter.StreamRequest{
			Model:    fallback(req.Model, h.cfg.OpenRouterDefaultModel),
			Messages: upstream,
		},
		func() error {
			started = true
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			return nil
		},
		func(delta string) error {
			assistantText.WriteString(delta)
			if clientGone {
				return nil
			}
			if _, err := w.Write([]byte(delta)); err != nil {
				// consumer navigated away; keep draining upstream so the
				// assistant message can still be persisted
				clientGone = true
				return nil
			}
			flusher.Flush()
			return nil
		},
	)

	if streamErr != nil {
		if started {
			// status is already on the wire; the client sees a truncated
			// stream and the cache rollback on its side takes over
			log.Printf("chat stream aborted mid-flight: user_id=%s err=%v", user.ID, streamErr)
			return
		}

		var upstreamErr openrouter.UpstreamError
		switch {
		case errors.As(streamErr, &upstreamErr):
			writeRawJSON(w, upstreamErr.StatusCode, []byte(upstreamErr.Body))
		case errors.Is(streamErr, openrouter.ErrMissingAPIKey):
			writeError(w, http.StatusBadRequest, "invalid_configuration", "OpenRouter API key not configured for this user")
		default:
			log.Printf("chat stream failed: user_id=%s err=%v", user.ID, streamErr)
			writeError(w, http.StatusInternalServerError, "upstream_error", "An unknown error occurred.")
		}
		return
	}

	if chatID != "" && strings.TrimSpace(assistantText.String()) != "" {
		if _, err := h.appendMessage(streamCtx, user.ID, chatID, "assistant", assistantText.String(), nil); err != nil {
			log.Printf("persist assistant message failed: user_id=%s chat_id=%s err=%v", user.ID, chatID, err)
		}
	}
}
