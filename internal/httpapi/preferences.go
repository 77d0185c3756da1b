package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// preference blobs are opaque to the server: the browser stores whatever it
// wants (aggregator key, model allowlist, last-used model) and the server
// only guarantees the shallow-merge contract.

const preferenceKeyOpenRouterAPIKey = "openrouterApiKey"

func (h Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	var raw string
	err := h.db.QueryRowContext(r.Context(), `
SELECT data
FROM user_preferences
WHERE user_id = ?
LIMIT 1;
`, user.ID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not_found", "no preferences saved")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read preferences")
		return
	}

	writeRawJSON(w, http.StatusOK, []byte(raw))
}

func (h Handler) SavePreferences(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	var incoming map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "body must be a JSON object")
		return
	}

	if err := h.mergeAndSavePreferences(r.Context(), user.ID, incoming); err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to save preferences")
		return
	}

	writeNoContent(w)
}

// mergeAndSavePreferences runs read-merge-write in a transaction; the merge
// itself is mergePreferences so the contract stays unit-testable.
func (h Handler) mergeAndSavePreferences(ctx context.Context, userID string, incoming map[string]json.RawMessage) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing := make(map[string]json.RawMessage)
	var raw string
	err = tx.QueryRowContext(ctx, `
SELECT data
FROM user_preferences
WHERE user_id = ?
LIMIT 1;
`, userID).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err == nil && strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			// an unreadable blob is replaced rather than made permanent
			existing = make(map[string]json.RawMessage)
		}
	}

	merged, err := json.Marshal(mergePreferences(existing, incoming))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO user_preferences (user_id, data)
VALUES (?, ?)
ON CONFLICT(user_id) DO UPDATE SET
  data = excluded.data,
  updated_at = CURRENT_TIMESTAMP;
`, userID, string(merged)); err != nil {
		return err
	}

	return tx.Commit()
}

// mergePreferences overlays incoming keys onto existing ones. The merge is
// shallow: nested objects are replaced wholesale.
func mergePreferences(existing, incoming map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(existing)+len(incoming))
	for key, value := range existing {
		out[key] = value
	}
	for key, value := range incoming {
		out[key] = value
	}
	return out
}

// userOpenRouterKey returns the caller's stored aggregator key, or "" when
// none is saved. There is deliberately no environment fallback.
func (h Handler) userOpenRouterKey(ctx context.Context, userID string) (string, error) {
	var raw string
	err := h.db.QueryRowContext(ctx, `
SELECT data
FROM user_preferences
WHERE user_id = ?
LIMIT 1;
`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var blob map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return "", nil
	}

	var key string
	if err := json.Unmarshal(blob[preferenceKeyOpenRouterAPIKey], &key); err != nil {
		return "", nil
	}
	return strings.TrimSpace(key), nil
}
