package auth

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned by UpdateCredential when the session no longer
// holds a credential, for example because it was logged out.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore keeps per-session flow data. Load methods return (nil, nil)
// when nothing is stored for the session. Writes to one session never touch
// another.
type SessionStore interface {
	LoadAttempt(ctx context.Context, sessionID string) (*LoginAttempt, error)
	SaveAttempt(ctx context.Context, sessionID string, attempt LoginAttempt) error
	DeleteAttempt(ctx context.Context, sessionID string) error

	LoadCredential(ctx context.Context, sessionID string) (*Credential, error)
	SaveCredential(ctx context.Context, sessionID string, cred Credential) error
	// UpdateCredential replaces an existing credential and never recreates a
	// session. It returns ErrSessionNotFound when there is nothing to replace.
	UpdateCredential(ctx context.Context, sessionID string, cred Credential) error

	// Invalidate drops everything held for the session.
	Invalidate(ctx context.Context, sessionID string) error
}
