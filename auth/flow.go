package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// TokenExchanger performs the token endpoint grants and revocation.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, req CodeExchange) (*TokenResponse, error)
	Refresh(ctx context.Context, grant RefreshGrant) (*TokenResponse, error)
	Revoke(ctx context.Context, grant RefreshGrant) error
}

// UserInfoFetcher resolves an access token to the user's claims.
type UserInfoFetcher interface {
	FetchUserInfo(ctx context.Context, realm, accessToken string) (*UserInfo, error)
}

// IDTokenChecker verifies an ID token issued to clientID in realm.
type IDTokenChecker interface {
	VerifyIDToken(ctx context.Context, realm, clientID, rawIDToken string) error
}

// Settings is the provider-facing configuration of a Flow.
type Settings struct {
	BaseURI         string
	DefaultRealm    string
	DefaultClientID string
	ClientSecret    string
	RedirectURI     string
}

// Dependencies are the collaborators a Flow calls out to. IDTokens is
// optional; when nil, ID tokens are passed through unverified.
type Dependencies struct {
	Store    SessionStore
	Tokens   TokenExchanger
	Users    UserInfoFetcher
	IDTokens IDTokenChecker
	Logger   *slog.Logger
}

// Flow runs the authorization code flow and the token lifecycle of a session.
// It holds no per-session state of its own; everything lives in the store.
type Flow struct {
	settings Settings
	store    SessionStore
	tokens   TokenExchanger
	users    UserInfoFetcher
	idTokens IDTokenChecker
	logger   *slog.Logger

	refreshes singleflight.Group
}

func NewFlow(settings Settings, deps Dependencies) (*Flow, error) {
	if deps.Store == nil {
		return nil, errors.New("flow requires a session store")
	}
	if deps.Tokens == nil {
		return nil, errors.New("flow requires a token exchanger")
	}
	if deps.Users == nil {
		return nil, errors.New("flow requires a userinfo fetcher")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		settings: settings,
		store:    deps.Store,
		tokens:   deps.Tokens,
		users:    deps.Users,
		idTokens: deps.IDTokens,
		logger:   logger,
	}, nil
}

// LoginRequest carries optional overrides of the configured realm and client.
type LoginRequest struct {
	Realm    string
	ClientID string
}

// Login records a fresh login attempt for the session, replacing any earlier
// one, and returns the provider authorization URL to redirect the browser to.
func (f *Flow) Login(ctx context.Context, sessionID string, req LoginRequest) (string, error) {
	const op = "login"
	realm := firstNonEmpty(req.Realm, f.settings.DefaultRealm)
	clientID := firstNonEmpty(req.ClientID, f.settings.DefaultClientID)

	state, err := GenerateState()
	if err != nil {
		return "", &Error{Kind: KindInternal, Op: op, Err: err}
	}
	attempt := LoginAttempt{State: state, Realm: realm, ClientID: clientID}
	if err := f.store.SaveAttempt(ctx, sessionID, attempt); err != nil {
		return "", &Error{Kind: KindInternal, Op: op, Msg: "save login attempt", Err: err}
	}

	f.logger.Debug("login started", "realm", realm, "client_id", clientID)
	return f.AuthorizeURL(realm, clientID, state), nil
}

// AuthorizeURL builds the authorization endpoint URL for a login attempt.
func (f *Flow) AuthorizeURL(realm, clientID, state string) string {
	cfg := OAuthConfig(f.settings.BaseURI, realm, clientID, "", f.settings.RedirectURI)
	return cfg.AuthCodeURL(state)
}

// CallbackRequest holds the query parameters the provider redirected back with.
type CallbackRequest struct {
	Code  string
	State string
	// Realm is a hint used only when the login attempt did not record one.
	Realm string
}

// Callback completes a login. The pending attempt is consumed whatever the
// outcome, and a credential is stored only when the exchange succeeds.
func (f *Flow) Callback(ctx context.Context, sessionID string, req CallbackRequest) (*TokenResponse, error) {
	const op = "callback"
	attempt, err := f.store.LoadAttempt(ctx, sessionID)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Op: op, Msg: "load login attempt", Err: err}
	}
	if attempt != nil {
		defer func() {
			if err := f.store.DeleteAttempt(context.WithoutCancel(ctx), sessionID); err != nil {
				f.logger.Warn("failed to delete login attempt", "error", err)
			}
		}()
	}

	var expected, attemptRealm, attemptClient string
	if attempt != nil {
		expected, attemptRealm, attemptClient = attempt.State, attempt.Realm, attempt.ClientID
	}
	if !VerifyState(expected, req.State) {
		f.logger.Warn("callback state mismatch", "pending_login", attempt != nil)
		return nil, &Error{Kind: KindInvalidState, Op: op, Msg: "state does not match the pending login"}
	}

	realm := firstNonEmpty(attemptRealm, req.Realm, f.settings.DefaultRealm)
	clientID := firstNonEmpty(attemptClient, f.settings.DefaultClientID)

	resp, err := f.tokens.ExchangeCode(ctx, CodeExchange{
		Realm:        realm,
		ClientID:     clientID,
		ClientSecret: f.settings.ClientSecret,
		Code:         req.Code,
		RedirectURI:  f.settings.RedirectURI,
	})
	if err != nil {
		f.logger.Warn("code exchange failed", "realm", realm, "client_id", clientID, "error", err)
		return nil, providerFailure(op, KindTokenExchangeFailed, err)
	}

	if f.idTokens != nil && resp.IDToken != "" {
		if err := f.idTokens.VerifyIDToken(ctx, realm, clientID, resp.IDToken); err != nil {
			f.logger.Warn("id token rejected", "realm", realm, "client_id", clientID, "error", err)
			return nil, &Error{Kind: KindTokenExchangeFailed, Op: op, Msg: "id token rejected", Err: err}
		}
	}

	cred := Credential{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Realm:        realm,
		ClientID:     clientID,
	}
	if err := f.store.SaveCredential(ctx, sessionID, cred); err != nil {
		return nil, &Error{Kind: KindInternal, Op: op, Msg: "save credential", Err: err}
	}

	f.logger.Info("login completed", "realm", realm, "client_id", clientID)
	return resp, nil
}

// AbortLogin drops the session's pending attempt after the provider redirected
// back with an authorization error instead of a code.
func (f *Flow) AbortLogin(ctx context.Context, sessionID string) error {
	if err := f.store.DeleteAttempt(ctx, sessionID); err != nil {
		return &Error{Kind: KindInternal, Op: "abort login", Msg: "delete login attempt", Err: err}
	}
	return nil
}

// CurrentUser returns the claims of the session's user as reported by the
// provider.
func (f *Flow) CurrentUser(ctx context.Context, sessionID string) (*UserInfo, error) {
	const op = "current user"
	cred, err := f.credential(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}

	info, err := f.users.FetchUserInfo(ctx, f.realmOf(cred), cred.AccessToken)
	if err != nil {
		f.logger.Debug("userinfo lookup failed", "realm", f.realmOf(cred), "error", err)
		return nil, providerFailure(op, KindNotAuthenticated, err)
	}
	return info, nil
}

// Refresh rotates the session's access token. Concurrent calls for the same
// session share one provider round trip.
func (f *Flow) Refresh(ctx context.Context, sessionID string) (*TokenResponse, error) {
	// The shared call outlives any one caller; each caller still gives up on
	// its own context.
	shared := context.WithoutCancel(ctx)
	ch := f.refreshes.DoChan(sessionID, func() (any, error) {
		return f.refresh(shared, sessionID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*TokenResponse), nil
	case <-ctx.Done():
		return nil, &Error{Kind: KindTransport, Op: "refresh", Msg: "caller gave up", Err: ctx.Err()}
	}
}

func (f *Flow) refresh(ctx context.Context, sessionID string) (*TokenResponse, error) {
	const op = "refresh"
	cred, err := f.credential(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	if cred.RefreshToken == "" {
		return nil, &Error{Kind: KindNotAuthenticated, Op: op, Msg: "no refresh token"}
	}

	resp, err := f.tokens.Refresh(ctx, f.grant(cred))
	if err != nil {
		f.logger.Warn("refresh failed", "realm", f.realmOf(cred), "error", err)
		return nil, providerFailure(op, KindRefreshFailed, err)
	}

	updated := *cred
	updated.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		updated.RefreshToken = resp.RefreshToken
	}
	if err := f.store.UpdateCredential(ctx, sessionID, updated); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			f.logger.Info("session ended during refresh", "realm", f.realmOf(cred))
			return nil, &Error{Kind: KindNotAuthenticated, Op: op, Msg: "session ended during refresh", Err: err}
		}
		return nil, &Error{Kind: KindInternal, Op: op, Msg: "save credential", Err: err}
	}
	return resp, nil
}

// Logout revokes the session's refresh token at the provider and then drops
// the session locally. A failed revocation is logged and does not stop the
// local cleanup.
func (f *Flow) Logout(ctx context.Context, sessionID string) error {
	const op = "logout"
	cred, err := f.store.LoadCredential(ctx, sessionID)
	if err != nil {
		f.logger.Warn("failed to load credential for logout", "error", err)
	}

	if cred != nil && cred.RefreshToken != "" {
		if err := f.tokens.Revoke(ctx, f.grant(cred)); err != nil {
			soft := providerFailure(op, KindRevocationFailed, err)
			f.logger.Warn("refresh token revocation failed", "realm", f.realmOf(cred), "kind", KindOf(soft).String(), "error", err)
		}
	}

	if err := f.store.Invalidate(context.WithoutCancel(ctx), sessionID); err != nil {
		return &Error{Kind: KindInternal, Op: op, Msg: "invalidate session", Err: err}
	}
	return nil
}

// ValidateToken reports whether the session's access token is still accepted
// by the provider. It never fails; every problem becomes an invalid result.
func (f *Flow) ValidateToken(ctx context.Context, sessionID string) Validation {
	cred, err := f.store.LoadCredential(ctx, sessionID)
	if err != nil {
		f.logger.Warn("failed to load credential for validation", "error", err)
		return Validation{Valid: false, Message: MessageTokenInvalid}
	}
	if cred == nil || cred.AccessToken == "" {
		return Validation{Valid: false, Message: MessageNoToken}
	}
	if _, err := f.users.FetchUserInfo(ctx, f.realmOf(cred), cred.AccessToken); err != nil {
		f.logger.Debug("token validation failed", "realm", f.realmOf(cred), "error", err)
		return Validation{Valid: false, Message: MessageTokenInvalid}
	}
	return Validation{Valid: true, Message: MessageTokenValid}
}

func (f *Flow) credential(ctx context.Context, op, sessionID string) (*Credential, error) {
	cred, err := f.store.LoadCredential(ctx, sessionID)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Op: op, Msg: "load credential", Err: err}
	}
	if cred == nil || cred.AccessToken == "" {
		return nil, &Error{Kind: KindNotAuthenticated, Op: op, Msg: "no credential for session"}
	}
	return cred, nil
}

func (f *Flow) grant(cred *Credential) RefreshGrant {
	return RefreshGrant{
		Realm:        f.realmOf(cred),
		ClientID:     firstNonEmpty(cred.ClientID, f.settings.DefaultClientID),
		ClientSecret: f.settings.ClientSecret,
		RefreshToken: cred.RefreshToken,
	}
}

func (f *Flow) realmOf(cred *Credential) string {
	return firstNonEmpty(cred.Realm, f.settings.DefaultRealm)
}

// providerFailure maps a client error to the flow's tagged outcome. Transport
// problems keep their own kind whatever the operation.
func providerFailure(op string, kind Kind, err error) error {
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	var pErr *ProviderError
	if errors.As(err, &pErr) {
		return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf("provider status %d", pErr.StatusCode), Detail: pErr.Body, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
