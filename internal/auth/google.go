package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"t3chat/backend/internal/config"

	"google.golang.org/api/idtoken"
)

var ErrUnverifiedEmail = errors.New("google account email is not verified")

type GoogleIdentity struct {
	GoogleSubject string
	Email         string
	Name          string
	AvatarURL     string
}

// Verifier checks Google ID tokens against the configured OAuth client.
// The insecure test mode is handled upstream in the HTTP layer; a Verifier
// always validates for real.
type Verifier struct {
	clientID string
}

func NewVerifier(cfg config.Config) Verifier {
	return Verifier{clientID: cfg.GoogleClientID}
}

func (v Verifier) Verify(ctx context.Context, idToken string) (GoogleIdentity, error) {
	if strings.TrimSpace(idToken) == "" {
		return GoogleIdentity{}, errors.New("id token is required")
	}

	payload, err := idtoken.Validate(ctx, idToken, v.clientID)
	if err != nil {
		return GoogleIdentity{}, fmt.Errorf("validate id token: %w", err)
	}

	email, _ := payload.Claims["email"].(string)
	if strings.TrimSpace(email) == "" {
		return GoogleIdentity{}, errors.New("google token missing email claim")
	}

	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if !emailVerified {
		return GoogleIdentity{}, ErrUnverifiedEmail
	}

	name, _ := payload.Claims["name"].(string)
	picture, _ := payload.Claims["picture"].(string)

	return GoogleIdentity{
		GoogleSubject: payload.Subject,
		Email:         strings.ToLower(email),
		Name:          strings.TrimSpace(name),
		AvatarURL:     strings.TrimSpace(picture),
	}, nil
}
