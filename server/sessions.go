package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"kcfront/auth"
)

const sessionCookieName = "kc_session"

// SessionManager binds browser requests to store sessions through a cookie.
type SessionManager struct {
	store        *InMemoryStore
	logger       *slog.Logger
	cfg          ServerConfig
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
// The cookie is SameSite=Lax so it survives the redirect back from the provider.
func NewSessionManager(cfg Config, store *InMemoryStore, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:        store,
		logger:       logger,
		cfg:          cfg.Server,
		secure:       !cfg.Server.DevMode,
		sameSite:     http.SameSiteLaxMode,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// ID returns the session identifier carried by the request, or "" when the
// request has no cookie or the session has expired.
func (sm *SessionManager) ID(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	if !sm.store.Touch(cookie.Value) {
		return ""
	}
	return cookie.Value
}

// Ensure returns the request's session identifier, starting a new session and
// setting the cookie when there is none.
func (sm *SessionManager) Ensure(w http.ResponseWriter, r *http.Request) (string, error) {
	if id := sm.ID(r); id != "" {
		return id, nil
	}
	id, err := sm.store.NewID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	sm.setCookie(w, id)
	sm.logger.Debug("session started")
	return id, nil
}

// Rotate moves the session's state to a fresh identifier and reissues the
// cookie. Called once a login completes so an identifier planted before
// authentication never becomes an authenticated one.
func (sm *SessionManager) Rotate(w http.ResponseWriter, oldID string) (string, error) {
	id, err := sm.store.NewID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	if !sm.store.Rename(oldID, id) {
		return "", fmt.Errorf("rotate session: %w", auth.ErrSessionNotFound)
	}
	sm.setCookie(w, id)
	sm.logger.Debug("session rotated")
	return id, nil
}

// setCookie writes a browser-session cookie. Lifetime is enforced by the
// store's sliding expiry, so the cookie carries no Max-Age of its own.
func (sm *SessionManager) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
	})
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
