package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// maxErrorBody caps how much of a provider error reply is kept for diagnostics.
const maxErrorBody = 16 << 10

// DefaultScopes are requested on every login.
var DefaultScopes = []string{oidc.ScopeOpenID, "email", "profile"}

// CodeExchange holds the parameters of an authorization_code grant.
type CodeExchange struct {
	Realm        string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
}

// RefreshGrant identifies a refresh token and the client it was issued to.
type RefreshGrant struct {
	Realm        string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// TokenClient performs the token and logout endpoint calls for a provider.
// It knows nothing about sessions.
type TokenClient struct {
	baseURI    string
	httpClient *http.Client
}

// NewTokenClient builds a client for the provider rooted at baseURI.
func NewTokenClient(baseURI string, httpClient *http.Client) *TokenClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenClient{baseURI: baseURI, httpClient: httpClient}
}

// OAuthConfig returns the oauth2 configuration for one realm and client.
// Client credentials are sent in the form body, as Keycloak expects for
// confidential and public clients alike.
func OAuthConfig(baseURI, realm, clientID, clientSecret, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       DefaultScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   Endpoint(baseURI, realm, EndpointAuthorize),
			TokenURL:  Endpoint(baseURI, realm, EndpointToken),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// ExchangeCode trades an authorization code for tokens.
func (c *TokenClient) ExchangeCode(ctx context.Context, req CodeExchange) (*TokenResponse, error) {
	cfg := OAuthConfig(c.baseURI, req.Realm, req.ClientID, req.ClientSecret, req.RedirectURI)
	tok, err := cfg.Exchange(c.context(ctx), req.Code)
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return tokenResponse(tok), nil
}

// Refresh mints a new access token from a refresh token.
func (c *TokenClient) Refresh(ctx context.Context, grant RefreshGrant) (*TokenResponse, error) {
	cfg := OAuthConfig(c.baseURI, grant.Realm, grant.ClientID, grant.ClientSecret, "")
	tok, err := cfg.TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: grant.RefreshToken}).Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return tokenResponse(tok), nil
}

// Revoke ends the provider-side session bound to a refresh token.
func (c *TokenClient) Revoke(ctx context.Context, grant RefreshGrant) error {
	form := url.Values{}
	form.Set("client_id", grant.ClientID)
	if grant.ClientSecret != "" {
		form.Set("client_secret", grant.ClientSecret)
	}
	form.Set("refresh_token", grant.RefreshToken)

	endpoint := Endpoint(c.baseURI, grant.Realm, EndpointLogout)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create logout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ProviderError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}

func (c *TokenClient) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func classifyTokenError(err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		body := rErr.Body
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return &ProviderError{StatusCode: status, Body: string(body)}
	}
	var uErr *url.Error
	if errors.As(err, &uErr) {
		return &TransportError{Err: err}
	}
	return fmt.Errorf("read token response: %w", err)
}

// tokenResponse rebuilds the provider reply from the raw fields so that values
// the oauth2 package normalizes (expiry, reused refresh tokens) are reported
// exactly as sent.
func tokenResponse(tok *oauth2.Token) *TokenResponse {
	return &TokenResponse{
		AccessToken:      tok.AccessToken,
		TokenType:        tok.TokenType,
		ExpiresIn:        extraInt(tok, "expires_in"),
		RefreshToken:     extraString(tok, "refresh_token"),
		RefreshExpiresIn: extraInt(tok, "refresh_expires_in"),
		IDToken:          extraString(tok, "id_token"),
		NotBeforePolicy:  extraInt(tok, "not-before-policy"),
		SessionState:     extraString(tok, "session_state"),
		Scope:            extraString(tok, "scope"),
	}
}

func extraString(tok *oauth2.Token, key string) string {
	s, _ := tok.Extra(key).(string)
	return s
}

func extraInt(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
