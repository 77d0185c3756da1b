package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrEmailTaken = errors.New("email is already registered")
)

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) Store {
	return Store{db: db}
}

// RegisterUser creates a credentials user. The caller supplies an already
// hashed password.
func (s Store) RegisterUser(ctx context.Context, email, name, passwordHash string) (User, error) {
	query := `
INSERT INTO users (id, email, display_name, password_hash)
VALUES (?, ?, ?, ?)
RETURNING id, email, COALESCE(display_name, ''), COALESCE(avatar_url, ''), created_at, updated_at;
`

	var out User
	err := s.db.QueryRowContext(ctx, query, uuid.NewString(), strings.ToLower(strings.TrimSpace(email)), strings.TrimSpace(name), passwordHash).Scan(
		&out.ID,
		&out.Email,
		&out.Name,
		&out.AvatarURL,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("register user: %w", err)
	}
	return out, nil
}

// UserByEmail returns the user row plus its password hash for credential
// checks. The hash is empty for OAuth-only users.
func (s Store) UserByEmail(ctx context.Context, email string) (User, string, error) {
	query := `
SELECT id, email, COALESCE(display_name, ''), COALESCE(avatar_url, ''), COALESCE(password_hash, ''), created_at, updated_at
FROM users
WHERE email = ?
LIMIT 1;
`

	var out User
	var passwordHash string
	err := s.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))).Scan(
		&out.ID,
		&out.Email,
		&out.Name,
		&out.AvatarURL,
		&passwordHash,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, "", ErrNotFound
	}
	if err != nil {
		return User{}, "", fmt.Errorf("user by email: %w", err)
	}
	return out, passwordHash, nil
}

// UpsertGoogleUser creates or refreshes a user from a verified Google
// identity. A credentials user with the same email is linked rather than
// duplicated.
func (s Store) UpsertGoogleUser(ctx context.Context, googleSub, email, name, avatar string) (User, error) {
	query := `
INSERT INTO users (id, email, display_name, google_sub, avatar_url)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(email) DO UPDATE SET
  google_sub = excluded.google_sub,
  display_name = COALESCE(NULLIF(excluded.display_name, ''), users.display_name),
  avatar_url = COALESCE(NULLIF(excluded.avatar_url, ''), users.avatar_url),
  updated_at = CURRENT_TIMESTAMP
RETURNING id, email, COALESCE(display_name, ''), COALESCE(avatar_url, ''), created_at, updated_at;
`

	var out User
	err := s.db.QueryRowContext(ctx, query, uuid.NewString(), strings.ToLower(strings.TrimSpace(email)), strings.TrimSpace(name), googleSub, strings.TrimSpace(avatar)).Scan(
		&out.ID,
		&out.Email,
		&out.Name,
		&out.AvatarURL,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if err != nil {
		return User{}, fmt.Errorf("upsert google user: %w", err)
	}
	return out, nil
}

func (s Store) CreateSession(ctx context.Context, userID string, ttl time.Duration) (string, time.Time, error) {
	rawToken, err := randomToken(32)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token: %w", err)
	}

	expiresAt := time.Now().Add(ttl).UTC()
	query := `INSERT INTO sessions (id, user_id, token_hash, expires_at) VALUES (?, ?, ?, ?);`

	if _, err := s.db.ExecContext(ctx, query, uuid.NewString(), userID, hashToken(rawToken), expiresAt.Format(time.RFC3339)); err != nil {
		return "", time.Time{}, fmt.Errorf("create session: %w", err)
	}

	return rawToken, expiresAt, nil
}

func (s Store) ResolveSession(ctx context.Context, rawToken string) (User, error) {
	query := `
SELECT u.id, u.email, COALESCE(u.display_name, ''), COALESCE(u.avatar_url, ''), u.created_at, u.updated_at
FROM sessions s
JOIN users u ON u.id = s.user_id
WHERE s.token_hash = ? AND s.expires_at > ?
LIMIT 1;
`

	var out User
	err := s.db.QueryRowContext(ctx, query, hashToken(rawToken), time.Now().UTC().Format(time.RFC3339)).Scan(
		&out.ID,
		&out.Email,
		&out.Name,
		&out.AvatarURL,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("resolve session: %w", err)
	}
	return out, nil
}

func (s Store) DeleteSession(ctx context.Context, rawToken string) error {
	if strings.TrimSpace(rawToken) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?;`, hashToken(rawToken))
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
