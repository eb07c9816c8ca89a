// Package admin is a read-only client for the provider's admin REST API.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"kcfront/auth"
)

const maxBody = 16 << 10

// Config identifies the admin account used for listing.
type Config struct {
	BaseURI  string
	Realm    string
	ClientID string
	Username string
	Password string
}

// Realm is the subset of the provider's realm representation that is exposed.
type Realm struct {
	ID          string `json:"id"`
	Realm       string `json:"realm"`
	DisplayName string `json:"displayName,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Client lists realms with an admin token obtained by password grant. The
// token is cached and renewed when it expires.
type Client struct {
	baseURI string
	http    *http.Client
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	oauthCfg := &oauth2.Config{
		ClientID: cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  auth.Endpoint(cfg.BaseURI, cfg.Realm, auth.EndpointToken),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	src := oauth2.ReuseTokenSource(nil, &passwordSource{
		ctx:      ctx,
		cfg:      oauthCfg,
		username: cfg.Username,
		password: cfg.Password,
	})
	return &Client{
		baseURI: strings.TrimSuffix(cfg.BaseURI, "/"),
		http:    oauth2.NewClient(ctx, src),
	}
}

// ListRealms returns every realm visible to the admin account.
func (c *Client) ListRealms(ctx context.Context) ([]Realm, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURI+"/admin/realms", nil)
	if err != nil {
		return nil, fmt.Errorf("create realms request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		return nil, &auth.ProviderError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var realms []Realm
	if err := json.NewDecoder(resp.Body).Decode(&realms); err != nil {
		return nil, fmt.Errorf("decode realms: %w", err)
	}
	return realms, nil
}

type passwordSource struct {
	ctx      context.Context
	cfg      *oauth2.Config
	username string
	password string
}

func (s *passwordSource) Token() (*oauth2.Token, error) {
	return s.cfg.PasswordCredentialsToken(s.ctx, s.username, s.password)
}

// classify separates a rejected admin login from an unreachable provider.
// A failed token fetch surfaces wrapped in the *url.Error of the realms call.
func classify(err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		body := rErr.Body
		if len(body) > maxBody {
			body = body[:maxBody]
		}
		return &auth.ProviderError{StatusCode: status, Body: string(body)}
	}
	var uErr *url.Error
	if errors.As(err, &uErr) {
		return &auth.TransportError{Err: err}
	}
	return fmt.Errorf("list realms: %w", err)
}
