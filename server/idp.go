package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"

	"kcfront/admin"
	"kcfront/auth"
)

// ProviderClients bundles the outbound clients for the configured provider.
// IDTokens is nil unless provider.verify_id_token is set; Admin is nil unless
// the admin listing is enabled.
type ProviderClients struct {
	HTTP     *http.Client
	Tokens   *auth.TokenClient
	Users    *auth.UserInfoClient
	IDTokens *auth.IDTokenVerifier
	Admin    *admin.Client
}

// NewProviderHTTPClient returns a pooled client bounded by the provider timeout.
func NewProviderHTTPClient(cfg ProviderConfig) *http.Client {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = cfg.Timeout
	return client
}

// BuildProviderClients wires the provider clients over httpClient, or over a
// fresh pooled client when httpClient is nil.
func BuildProviderClients(cfg Config, httpClient *http.Client) *ProviderClients {
	if httpClient == nil {
		httpClient = NewProviderHTTPClient(cfg.Provider)
	}
	base := cfg.Provider.BaseURI

	pc := &ProviderClients{
		HTTP:   httpClient,
		Tokens: auth.NewTokenClient(base, httpClient),
		Users:  auth.NewUserInfoClient(base, httpClient),
	}
	if cfg.Provider.VerifyIDToken {
		pc.IDTokens = auth.NewIDTokenVerifier(base, httpClient)
	}
	if cfg.Admin.Enabled {
		pc.Admin = admin.NewClient(admin.Config{
			BaseURI:  base,
			Realm:    cfg.Admin.Realm,
			ClientID: cfg.Admin.ClientID,
			Username: cfg.Admin.Username,
			Password: cfg.Admin.Password,
		}, httpClient)
	}
	return pc
}

// CheckRealm runs OIDC discovery against a realm and confirms the advertised
// issuer matches the configured base URI.
func CheckRealm(ctx context.Context, httpClient *http.Client, baseURI, realm string, logger *slog.Logger) error {
	issuer := auth.Issuer(baseURI, realm)
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), issuer)
	if err != nil {
		return fmt.Errorf("discover realm %s: %w", realm, err)
	}

	var meta struct {
		TokenEndpoint string `json:"token_endpoint"`
		EndSession    string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return fmt.Errorf("decode discovery document: %w", err)
	}
	if want := auth.Endpoint(baseURI, realm, auth.EndpointToken); meta.TokenEndpoint != want {
		logger.Warn("provider advertises a different token endpoint",
			"realm", realm,
			"advertised", meta.TokenEndpoint,
			"expected", want)
	}
	logger.Debug("realm discovery succeeded", "realm", realm, "issuer", issuer)
	return nil
}
