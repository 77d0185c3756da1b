package httpapi

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"

	"t3chat/backend/internal/openrouter"

	gocache "github.com/patrickmn/go-cache"
)

// ListModels returns the aggregator catalog visible to the caller's own key.
// Catalogs are cached per key hash so repeated settings-page loads don't
// hammer the upstream.
func (h Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
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

	cacheKey := catalogCacheKey(apiKey)
	if cached, ok := h.catalog.Get(cacheKey); ok {
		if models, ok := cached.([]openrouter.Model); ok {
			writeJSON(w, http.StatusOK, models)
			return
		}
	}

	models, err := h.relay.ListModels(r.Context(), apiKey)
	if err != nil {
		var upstreamErr openrouter.UpstreamError
		if errors.As(err, &upstreamErr) {
			writeRawJSON(w, upstreamErr.StatusCode, []byte(upstreamErr.Body))
			return
		}
		writeError(w, http.StatusInternalServerError, "upstream_error", "failed to fetch models")
		return
	}
	if models == nil {
		models = []openrouter.Model{}
	}

	h.catalog.Set(cacheKey, models, gocache.DefaultExpiration)

	writeJSON(w, http.StatusOK, models)
}

func catalogCacheKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
