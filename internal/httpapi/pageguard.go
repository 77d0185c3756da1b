package httpapi

import (
	"net/http"
	"net/url"
	"strings"
)

// PageGuard mirrors the navigation rules the web client relies on: settings
// pages need a session, and signed-in users are bounced off the auth pages.
// It never blocks API routes; those carry their own session middleware.
func (h Handler) PageGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if strings.HasPrefix(path, "/api/") || path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		authenticated := h.hasValidSession(r)

		if requiresSessionPage(path) && !authenticated {
			callback := path
			if r.URL.RawQuery != "" {
				callback += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, "/login?callbackUrl="+url.QueryEscape(callback), http.StatusFound)
			return
		}

		if isAuthPage(path) && authenticated {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requiresSessionPage(path string) bool {
	return path == "/settings" || strings.HasPrefix(path, "/settings/")
}

func isAuthPage(path string) bool {
	return path == "/login" || path == "/signup"
}

func (h Handler) hasValidSession(r *http.Request) bool {
	rawToken, err := readSessionCookie(r, h.cfg.SessionCookieName)
	if err != nil {
		return false
	}
	_, err = h.sessions.ResolveSession(r.Context(), rawToken)
	return err == nil
}
