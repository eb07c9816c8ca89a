package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"kcfront/admin"
	"kcfront/auth"
)

// RealmLister lists the provider's realms.
type RealmLister interface {
	ListRealms(ctx context.Context) ([]admin.Realm, error)
}

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    *InMemoryStore
	Sessions *SessionManager
	Clients  *ClientRegistry
	Provider *ProviderClients
	Flow     *auth.Flow
	// Realms is nil when the admin listing is disabled.
	Realms RealmLister
}

// NewApp wires together the application state from configuration. A nil
// httpClient selects a pooled client bounded by provider.timeout.
func NewApp(cfg Config, logger *slog.Logger, httpClient *http.Client) (*App, error) {
	store := NewInMemoryStore(cfg.Server.SessionTTL)
	sessions := NewSessionManager(cfg, store, logger)
	provider := BuildProviderClients(cfg, httpClient)

	deps := auth.Dependencies{
		Store:  store,
		Tokens: provider.Tokens,
		Users:  provider.Users,
		Logger: logger.With("component", "flow"),
	}
	if provider.IDTokens != nil {
		deps.IDTokens = provider.IDTokens
	}
	flow, err := auth.NewFlow(auth.Settings{
		BaseURI:         cfg.Provider.BaseURI,
		DefaultRealm:    cfg.Auth.DefaultRealm,
		DefaultClientID: cfg.Auth.DefaultClientID,
		ClientSecret:    cfg.Auth.ClientSecret,
		RedirectURI:     cfg.Auth.RedirectURI,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("init flow: %w", err)
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: sessions,
		Clients:  NewClientRegistry(cfg.Auth),
		Provider: provider,
		Flow:     flow,
	}
	if provider.Admin != nil {
		app.Realms = provider.Admin
	}
	return app, nil
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	realm := q.Get("realm")
	clientID := q.Get("clientId")

	if realm != "" && !a.Clients.RealmAllowed(realm) {
		writeProblem(w, r, http.StatusBadRequest, fmt.Sprintf("realm %q is not allowed", realm))
		return
	}
	if clientID != "" && !a.Clients.ClientAllowed(clientID) {
		writeProblem(w, r, http.StatusBadRequest, fmt.Sprintf("client %q is not allowed", clientID))
		return
	}

	sid, err := a.Sessions.Ensure(w, r)
	if err != nil {
		a.Logger.Error("failed to start session", "error", err)
		writeProblem(w, r, http.StatusInternalServerError, "")
		return
	}

	location, err := a.Flow.Login(r.Context(), sid, auth.LoginRequest{Realm: realm, ClientID: clientID})
	if err != nil {
		a.Logger.Error("login failed", "error", err)
		writeFlowError(w, r, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := a.Sessions.ID(r)

	if providerErr := q.Get("error"); providerErr != "" {
		if sid != "" {
			if err := a.Flow.AbortLogin(r.Context(), sid); err != nil {
				a.Logger.Warn("failed to discard login attempt", "error", err)
			}
		}
		a.Logger.Info("provider denied authorization", "error", providerErr)
		writeProblemBody(w, Problem{
			Type:     "about:blank",
			Title:    http.StatusText(http.StatusUnauthorized),
			Status:   http.StatusUnauthorized,
			Detail:   q.Get("error_description"),
			Instance: r.URL.Path,
			Code:     providerErr,
		})
		return
	}

	code := q.Get("code")
	if code == "" {
		writeProblem(w, r, http.StatusBadRequest, "missing code parameter")
		return
	}

	hint := q.Get("realm")
	if hint != "" && !a.Clients.RealmAllowed(hint) {
		a.Logger.Warn("ignoring disallowed realm hint", "realm", hint)
		hint = ""
	}

	resp, err := a.Flow.Callback(r.Context(), sid, auth.CallbackRequest{
		Code:  code,
		State: q.Get("state"),
		Realm: hint,
	})
	if err != nil {
		writeFlowError(w, r, err)
		return
	}
	if _, err := a.Sessions.Rotate(w, sid); err != nil {
		a.Logger.Error("failed to rotate session after login", "error", err)
		_ = a.Store.Invalidate(context.WithoutCancel(r.Context()), sid)
		writeProblem(w, r, http.StatusInternalServerError, "")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, resp)
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	info, err := a.Flow.CurrentUser(r.Context(), a.Sessions.ID(r))
	if err != nil {
		writeFlowError(w, r, err)
		return
	}
	writeJSON(w, info)
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	resp, err := a.Flow.Refresh(r.Context(), a.Sessions.ID(r))
	if err != nil {
		writeFlowError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, resp)
}

// handleLogout never fails the browser: local state is dropped and the user is
// sent to the post-logout page whatever the provider said.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sid := a.Sessions.ID(r); sid != "" {
		if err := a.Flow.Logout(r.Context(), sid); err != nil {
			a.Logger.Error("logout failed", "error", err)
		}
	}
	a.Sessions.Clear(w)
	http.Redirect(w, r, a.Config.Auth.LogoutRedirectURI, http.StatusFound)
}

func (a *App) handleValidate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Flow.ValidateToken(r.Context(), a.Sessions.ID(r)))
}

func (a *App) handleRealms(w http.ResponseWriter, r *http.Request) {
	if a.Realms == nil {
		writeProblem(w, r, http.StatusNotFound, "")
		return
	}
	realms, err := a.Realms.ListRealms(r.Context())
	if err != nil {
		a.Logger.Error("realm listing failed", "error", err)
		var pErr *auth.ProviderError
		detail := ""
		if errors.As(err, &pErr) {
			detail = fmt.Sprintf("provider returned %d", pErr.StatusCode)
		}
		writeProblem(w, r, http.StatusBadGateway, detail)
		return
	}
	if realms == nil {
		realms = []admin.Realm{}
	}
	writeJSON(w, realms)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}
