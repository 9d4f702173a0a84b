package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roomcast/internal/chat"
	"roomcast/internal/session"
)

// CredentialVerifier is satisfied by *Verifier.
type CredentialVerifier interface {
	VerifyCredential(token string) (Identity, error)
}

// SessionValidator is satisfied by *session.Store.
type SessionValidator interface {
	Validate(ctx context.Context, userID, sessionID string) (session.Validation, error)
	RefreshActivity(ctx context.Context, userID string) error
}

// Authenticator accepts a credential only when it is well formed and names
// the user's current server-side session.
type Authenticator struct {
	verifier CredentialVerifier
	sessions SessionValidator
	timeout  time.Duration
}

// NewAuthenticator builds an Authenticator. timeout bounds session validation.
func NewAuthenticator(verifier CredentialVerifier, sessions SessionValidator, timeout time.Duration) *Authenticator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Authenticator{verifier: verifier, sessions: sessions, timeout: timeout}
}

// Authenticate verifies token and its session, and counts the login as
// session activity.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	id, err := a.verifier.VerifyCredential(token)
	if err != nil {
		return Identity{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	v, err := a.sessions.Validate(ctx, id.UserID, id.SessionID)
	if err != nil {
		return Identity{}, timedOut(err)
	}
	if !v.Valid {
		return Identity{}, fmt.Errorf("%w: %s", chat.ErrUnauthorized, v.Reason)
	}
	if err := a.sessions.RefreshActivity(ctx, id.UserID); err != nil {
		return Identity{}, timedOut(err)
	}
	return id, nil
}

func timedOut(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: session validation timed out", chat.ErrTransient)
	}
	return err
}
