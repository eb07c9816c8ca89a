package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// UserInfoClient fetches claims from the realm userinfo endpoint.
type UserInfoClient struct {
	baseURI    string
	httpClient *http.Client
}

func NewUserInfoClient(baseURI string, httpClient *http.Client) *UserInfoClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &UserInfoClient{baseURI: baseURI, httpClient: httpClient}
}

// FetchUserInfo presents accessToken as a bearer credential and decodes the
// standard claims. A non-2xx reply yields a *ProviderError.
func (c *UserInfoClient) FetchUserInfo(ctx context.Context, realm, accessToken string) (*UserInfo, error) {
	ctx = oidc.ClientContext(ctx, c.httpClient)
	provider := realmProvider(ctx, c.baseURI, realm)

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	info, err := provider.UserInfo(ctx, src)
	if err != nil {
		return nil, classifyUserInfoError(err)
	}

	var out UserInfo
	if err := info.Claims(&out); err != nil {
		return nil, fmt.Errorf("decode userinfo claims: %w", err)
	}
	return &out, nil
}

// realmProvider describes a realm from its well-known endpoint layout, so no
// discovery round trip is made.
func realmProvider(ctx context.Context, baseURI, realm string) *oidc.Provider {
	cfg := oidc.ProviderConfig{
		IssuerURL:   Issuer(baseURI, realm),
		AuthURL:     Endpoint(baseURI, realm, EndpointAuthorize),
		TokenURL:    Endpoint(baseURI, realm, EndpointToken),
		UserInfoURL: Endpoint(baseURI, realm, EndpointUserInfo),
		JWKSURL:     Endpoint(baseURI, realm, EndpointCerts),
		Algorithms:  []string{oidc.RS256},
	}
	return cfg.NewProvider(ctx)
}

// classifyUserInfoError maps go-oidc failures onto the package error types.
// go-oidc reports non-200 replies as "<status>: <body>".
func classifyUserInfoError(err error) error {
	var uErr *url.Error
	if errors.As(err, &uErr) {
		return &TransportError{Err: err}
	}
	msg := err.Error()
	status := 0
	if head, rest, ok := strings.Cut(msg, " "); ok {
		if n, convErr := strconv.Atoi(head); convErr == nil {
			status = n
			if _, body, found := strings.Cut(rest, ": "); found {
				msg = body
			}
		}
	}
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return &ProviderError{StatusCode: status, Body: msg}
}
