package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
)

// IDTokenVerifier checks ID token signatures against the realm JWKS.
// Verifiers are cached per realm and client so keys are fetched once.
type IDTokenVerifier struct {
	baseURI    string
	httpClient *http.Client

	mu        sync.Mutex
	verifiers map[string]*oidc.IDTokenVerifier
}

func NewIDTokenVerifier(baseURI string, httpClient *http.Client) *IDTokenVerifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &IDTokenVerifier{
		baseURI:    baseURI,
		httpClient: httpClient,
		verifiers:  make(map[string]*oidc.IDTokenVerifier),
	}
}

// VerifyIDToken validates signature, issuer, audience and expiry.
func (v *IDTokenVerifier) VerifyIDToken(ctx context.Context, realm, clientID, rawIDToken string) error {
	ctx = oidc.ClientContext(ctx, v.httpClient)
	if _, err := v.verifier(ctx, realm, clientID).Verify(ctx, rawIDToken); err != nil {
		return fmt.Errorf("verify id token: %w", err)
	}
	return nil
}

func (v *IDTokenVerifier) verifier(ctx context.Context, realm, clientID string) *oidc.IDTokenVerifier {
	key := realm + "\x00" + clientID
	v.mu.Lock()
	defer v.mu.Unlock()
	if ver, ok := v.verifiers[key]; ok {
		return ver
	}
	ver := realmProvider(ctx, v.baseURI, realm).Verifier(&oidc.Config{ClientID: clientID})
	v.verifiers[key] = ver
	return ver
}
