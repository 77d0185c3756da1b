package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"t3chat/backend/internal/session"
)

func TestRegisterLoginAndMe(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	registerReq := httptest.NewRequest(
		http.MethodPost,
		"/api/register",
		strings.NewReader(`{"name":"Ada","email":"ada@example.com","password":"correct horse"}`),
	)
	registerResp := httptest.NewRecorder()

	handler.Register(registerResp, registerReq)

	if registerResp.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusCreated, registerResp.Code, registerResp.Body.String())
	}

	var registered struct {
		User session.User `json:"user"`
	}
	decodeJSONBody(t, registerResp, &registered)
	if registered.User.Email != "ada@example.com" {
		t.Fatalf("unexpected registered email: %q", registered.User.Email)
	}

	loginReq := httptest.NewRequest(
		http.MethodPost,
		"/api/auth/login",
		strings.NewReader(`{"email":"ada@example.com","password":"correct horse"}`),
	)
	loginResp := httptest.NewRecorder()

	handler.Login(loginResp, loginReq)

	if loginResp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, loginResp.Code, loginResp.Body.String())
	}

	cookie := sessionCookieFromResponse(t, loginResp, handler.cfg.SessionCookieName)
	if cookie.Value == "" {
		t.Fatal("expected session cookie to be set")
	}
	if !cookie.HttpOnly {
		t.Fatal("expected session cookie to be http-only")
	}

	meReq := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	meReq.AddCookie(cookie)
	meResp := httptest.NewRecorder()

	handler.RequireSession(http.HandlerFunc(handler.AuthMe)).ServeHTTP(meResp, meReq)

	if meResp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, meResp.Code, meResp.Body.String())
	}
	var me struct {
		User session.User `json:"user"`
	}
	decodeJSONBody(t, meResp, &me)
	if me.User.ID != registered.User.ID {
		t.Fatalf("unexpected session user: %+v", me.User)
	}
}

func TestRegisterRejectsInvalidPayloads(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	cases := []struct {
		name string
		body string
	}{
		{name: "missing fields", body: `{"email":"ada@example.com"}`},
		{name: "bad email", body: `{"name":"Ada","email":"not-an-email","password":"correct horse"}`},
		{name: "short password", body: `{"name":"Ada","email":"ada@example.com","password":"short"}`},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(tc.body))
		resp := httptest.NewRecorder()

		handler.Register(resp, req)

		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d (%s)", tc.name, http.StatusBadRequest, resp.Code, resp.Body.String())
		}
	}

	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM users;`).Scan(&count); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no users to be created, got %d", count)
	}
}

func TestRegisterDuplicateEmailConflict(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	body := `{"name":"Ada","email":"ada@example.com","password":"correct horse"}`

	firstResp := httptest.NewRecorder()
	handler.Register(firstResp, httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(body)))
	if firstResp.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusCreated, firstResp.Code, firstResp.Body.String())
	}

	secondResp := httptest.NewRecorder()
	handler.Register(secondResp, httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(body)))
	if secondResp.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusConflict, secondResp.Code, secondResp.Body.String())
	}
}

func TestLoginRejectsWrongCredentials(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	registerResp := httptest.NewRecorder()
	handler.Register(registerResp, httptest.NewRequest(
		http.MethodPost,
		"/api/register",
		strings.NewReader(`{"name":"Ada","email":"ada@example.com","password":"correct horse"}`),
	))
	if registerResp.Code != http.StatusCreated {
		t.Fatalf("register: expected status %d, got %d", http.StatusCreated, registerResp.Code)
	}

	cases := []struct {
		name string
		body string
	}{
		{name: "wrong password", body: `{"email":"ada@example.com","password":"wrong horse"}`},
		{name: "unknown email", body: `{"email":"nobody@example.com","password":"correct horse"}`},
	}

	for _, tc := range cases {
		resp := httptest.NewRecorder()
		handler.Login(resp, httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(tc.body)))

		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected status %d, got %d (%s)", tc.name, http.StatusUnauthorized, resp.Code, resp.Body.String())
		}
		// unknown email and wrong password must be indistinguishable
		if !strings.Contains(resp.Body.String(), "invalid email or password") {
			t.Fatalf("%s: unexpected error body: %s", tc.name, resp.Body.String())
		}
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	registerResp := httptest.NewRecorder()
	handler.Register(registerResp, httptest.NewRequest(
		http.MethodPost,
		"/api/register",
		strings.NewReader(`{"name":"Ada","email":"ada@example.com","password":"correct horse"}`),
	))
	if registerResp.Code != http.StatusCreated {
		t.Fatalf("register: expected status %d, got %d", http.StatusCreated, registerResp.Code)
	}

	loginResp := httptest.NewRecorder()
	handler.Login(loginResp, httptest.NewRequest(
		http.MethodPost,
		"/api/auth/login",
		strings.NewReader(`{"email":"ada@example.com","password":"correct horse"}`),
	))
	cookie := sessionCookieFromResponse(t, loginResp, handler.cfg.SessionCookieName)

	logoutReq := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	logoutReq.AddCookie(cookie)
	logoutResp := httptest.NewRecorder()

	handler.AuthLogout(logoutResp, logoutReq)

	if logoutResp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, logoutResp.Code, logoutResp.Body.String())
	}

	cleared := sessionCookieFromResponse(t, logoutResp, handler.cfg.SessionCookieName)
	if cleared.Value != "" || cleared.MaxAge != -1 {
		t.Fatalf("expected cleared cookie, got %+v", cleared)
	}

	meReq := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	meReq.AddCookie(cookie)
	meResp := httptest.NewRecorder()

	handler.RequireSession(http.HandlerFunc(handler.AuthMe)).ServeHTTP(meResp, meReq)

	if meResp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d after logout, got %d", http.StatusUnauthorized, meResp.Code)
	}
}

func TestAuthGoogleWithTestHeadersLinksExistingAccount(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	handler.cfg.InsecureSkipGoogleVerify = true

	registerResp := httptest.NewRecorder()
	handler.Register(registerResp, httptest.NewRequest(
		http.MethodPost,
		"/api/register",
		strings.NewReader(`{"name":"Ada","email":"ada@example.com","password":"correct horse"}`),
	))
	if registerResp.Code != http.StatusCreated {
		t.Fatalf("register: expected status %d, got %d", http.StatusCreated, registerResp.Code)
	}

	googleReq := httptest.NewRequest(http.MethodPost, "/api/auth/google", strings.NewReader(`{"idToken":"unused"}`))
	googleReq.Header.Set("X-Test-Email", "ada@example.com")
	googleReq.Header.Set("X-Test-Google-Sub", "google-sub-1")
	googleResp := httptest.NewRecorder()

	handler.AuthGoogle(googleResp, googleReq)

	if googleResp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, googleResp.Code, googleResp.Body.String())
	}

	// the Google login attaches to the credentials account instead of
	// creating a second user, and the password survives
	var userCount int
	if err := database.QueryRow(`SELECT COUNT(*) FROM users;`).Scan(&userCount); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if userCount != 1 {
		t.Fatalf("expected a single linked user, got %d", userCount)
	}

	var googleSub string
	var passwordHash string
	if err := database.QueryRow(`
SELECT COALESCE(google_sub, ''), COALESCE(password_hash, '')
FROM users
WHERE email = ?;
`, "ada@example.com").Scan(&googleSub, &passwordHash); err != nil {
		t.Fatalf("query user: %v", err)
	}
	if googleSub != "google-sub-1" {
		t.Fatalf("expected linked google sub, got %q", googleSub)
	}
	if passwordHash == "" {
		t.Fatal("expected password hash to survive google linking")
	}
}

func TestAuthGoogleRejectsMissingTestHeaders(t *testing.T) {
	handler, database := newTestHandler(t, &stubStreamer{})
	t.Cleanup(func() { _ = database.Close() })

	handler.cfg.InsecureSkipGoogleVerify = true

	req := httptest.NewRequest(http.MethodPost, "/api/auth/google", strings.NewReader(`{"idToken":"unused"}`))
	resp := httptest.NewRecorder()

	handler.AuthGoogle(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusUnauthorized, resp.Code, resp.Body.String())
	}
}

func sessionCookieFromResponse(t *testing.T, resp *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, cookie := range resp.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	t.Fatalf("session cookie %q not found in response", name)
	return nil
}
