package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const titleMaxRunes = 40

type chatResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type chatWithMessagesResponse struct {
	chatResponse
	Messages []messageResponse `json:"messages"`
}

type messageResponse struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// deriveTitle implements the lazy-title rule: the first user message on an
// untitled chat names it with a 40-rune prefix; a chat that already has a
// title keeps it forever.
func deriveTitle(currentTitle, role, content string) string {
	if strings.TrimSpace(currentTitle) != "" {
		return currentTitle
	}
	if role != "user" {
		return currentTitle
	}

	trimmed := strings.TrimSpace(content)
	runes := []rune(trimmed)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes])
	}
	return trimmed
}

func validMessageRole(role string) bool {
	return role == "user" || role == "assistant"
}

func (h Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	rows, err := h.db.QueryContext(r.Context(), `
SELECT id, title, created_at, updated_at
FROM chats
WHERE user_id = ?
ORDER BY updated_at DESC, rowid DESC;
`, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read chats")
		return
	}
	defer rows.Close()

	chats := make([]chatResponse, 0, 16)
	for rows.Next() {
		var chat chatResponse
		if err := rows.Scan(&chat.ID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, "db_error", "failed to parse chats")
			return
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read chats")
		return
	}

	writeJSON(w, http.StatusOK, chats)
}

type createChatRequest struct {
	Title   string `json:"title"`
	Welcome string `json:"welcome"`
}

func (h Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	// body is optional: a bare POST creates an untitled empty chat
	var req createChatRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	chat, err := h.insertChat(r.Context(), user.ID, strings.TrimSpace(req.Title))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to create chat")
		return
	}

	out := chatWithMessagesResponse{chatResponse: chat, Messages: []messageResponse{}}

	// a caller-supplied welcome is persisted as a real assistant row; nothing
	// is auto-injected
	if welcome := strings.TrimSpace(req.Welcome); welcome != "" {
		message, err := h.appendMessage(r.Context(), user.ID, chat.ID, "assistant", welcome, nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error", "failed to persist welcome message")
			return
		}
		out.Messages = append(out.Messages, message)
	}

	writeJSON(w, http.StatusCreated, out)
}

func (h Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	chatID := chatIDFromRequest(r)
	chat, err := h.ownedChat(r.Context(), chatID, user.ID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not_found", "chat not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read chat")
		return
	}

	rows, err := h.db.QueryContext(r.Context(), `
SELECT id, chat_id, role, content, created_at
FROM messages
WHERE chat_id = ?
ORDER BY created_at ASC, rowid ASC;
`, chat.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read messages")
		return
	}
	defer rows.Close()

	out := chatWithMessagesResponse{chatResponse: chat, Messages: make([]messageResponse, 0, 16)}
	for rows.Next() {
		var message messageResponse
		if err := rows.Scan(&message.ID, &message.ChatID, &message.Role, &message.Content, &message.CreatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, "db_error", "failed to parse messages")
			return
		}
		out.Messages = append(out.Messages, message)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read messages")
		return
	}

	writeJSON(w, http.StatusOK, out)
}

type appendMessageRequest struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	FileIDs []string `json:"fileIds"`
}

func (h Handler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	chatID := chatIDFromRequest(r)
	if _, err := h.ownedChat(r.Context(), chatID, user.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "chat not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read chat")
		return
	}

	var req appendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	if !validMessageRole(req.Role) {
		writeError(w, http.StatusBadRequest, "invalid_payload", "role must be user or assistant")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "content is required")
		return
	}
	if len(req.FileIDs) > 0 && req.Role != "user" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "only user messages may carry attachments")
		return
	}

	message, err := h.appendMessage(r.Context(), user.ID, chatID, req.Role, req.Content, req.FileIDs)
	if err != nil {
		if errors.Is(err, errInvalidFileIDs) || errors.Is(err, errTooManyFileIDs) {
			writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "db_error", "failed to append message")
		return
	}

	writeJSON(w, http.StatusCreated, message)
}

func (h Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	chatID := chatIDFromRequest(r)

	// attachment blobs are collected first: the row deletes below would
	// otherwise leave them unreachable
	blobRefs, err := h.listChatBlobRefs(r.Context(), user.ID, chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read chat attachments")
		return
	}

	// child rows are deleted explicitly: the sqlite foreign_keys pragma is
	// per-connection, so the schema's declared cascades cannot be relied on
	// across the pool (and not at all over libsql)
	tx, err := h.db.BeginTx(r.Context(), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to delete chat")
		return
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(r.Context(), `
DELETE FROM chats
WHERE id = ? AND user_id = ?;
`, chatID, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to delete chat")
		return
	}
	affected, err := result.RowsAffected()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to delete chat")
		return
	}
	if affected == 0 {
		writeError(w, http.StatusNotFound, "not_found", "chat not found")
		return
	}

	if _, err := tx.ExecContext(r.Context(), `
DELETE FROM message_files
WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?);
`, chatID); err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to delete chat")
		return
	}
	if _, err := tx.ExecContext(r.Context(), `
DELETE FROM messages
WHERE chat_id = ?;
`, chatID); err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to delete chat")
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to delete chat")
		return
	}

	h.cleanupOrphanedFileBlobs(r.Context(), user.ID, blobRefs)

	writeNoContent(w)
}

type chatRow struct {
	ID        string
	Title     string
	CreatedAt string
	UpdatedAt string
}

// ownedChat is the single ownership gate: every chat-scoped operation goes
// through a (chatID, userID) qualified lookup, so a foreign chat is
// indistinguishable from a missing one.
func (h Handler) ownedChat(ctx context.Context, chatID, userID string) (chatResponse, error) {
	if strings.TrimSpace(chatID) == "" {
		return chatResponse{}, sql.ErrNoRows
	}

	var chat chatResponse
	err := h.db.QueryRowContext(ctx, `
SELECT id, title, created_at, updated_at
FROM chats
WHERE id = ? AND user_id = ?
LIMIT 1;
`, chatID, userID).Scan(&chat.ID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		return chatResponse{}, err
	}
	return chat, nil
}

func (h Handler) insertChat(ctx context.Context, userID, title string) (chatResponse, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var chat chatResponse
	err := h.db.QueryRowContext(ctx, `
INSERT INTO chats (id, user_id, title, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
RETURNING id, title, created_at, updated_at;
`, uuid.NewString(), userID, title, now, now).Scan(&chat.ID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		return chatResponse{}, err
	}
	return chat, nil
}

// appendMessage inserts the message and bumps the chat's title/updated_at in
// one transaction, so the chat list is never re-sorted without its message
// having landed.
func (h Handler) appendMessage(ctx context.Context, userID, chatID, role, content string, fileIDs []string) (messageResponse, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return messageResponse{}, err
	}
	defer tx.Rollback()

	var currentTitle string
	err = tx.QueryRowContext(ctx, `
SELECT title
FROM chats
WHERE id = ? AND user_id = ?
LIMIT 1;
`, chatID, userID).Scan(&currentTitle)
	if err != nil {
		return messageResponse{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	message := messageResponse{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, chat_id, user_id, role, content, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`, message.ID, chatID, userID, role, content, now); err != nil {
		return messageResponse{}, err
	}

	if len(fileIDs) > 0 {
		if err := h.linkMessageFilesTx(ctx, tx, userID, message.ID, fileIDs); err != nil {
			return messageResponse{}, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE chats
SET updated_at = ?, title = ?
WHERE id = ? AND user_id = ?;
`, now, deriveTitle(currentTitle, role, content), chatID, userID); err != nil {
		return messageResponse{}, err
	}

	if err := tx.Commit(); err != nil {
		return messageResponse{}, err
	}
	return message, nil
}

func chatIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(chiURLParam(r, "id"))
}
