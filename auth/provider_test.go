package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testKeyID = "test-key"

// fakeKeycloak serves the realm endpoints a Flow talks to and records what it
// was sent.
type fakeKeycloak struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey

	mu           sync.Mutex
	hits         map[string]int
	forms        map[string][]url.Values
	bearers      []string
	tokenStatus  int
	tokenReply   map[string]any
	userStatus   int
	userClaims   map[string]any
	logoutStatus int
}

func newFakeKeycloak(t *testing.T) *fakeKeycloak {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fk := &fakeKeycloak{
		t:            t,
		key:          key,
		hits:         make(map[string]int),
		forms:        make(map[string][]url.Values),
		tokenStatus:  http.StatusOK,
		tokenReply:   map[string]any{"access_token": "AT1", "refresh_token": "RT1", "expires_in": 300, "token_type": "Bearer"},
		userStatus:   http.StatusOK,
		userClaims:   map[string]any{"sub": "user-1", "preferred_username": "alice", "email": "alice@example.com", "email_verified": true},
		logoutStatus: http.StatusNoContent,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /realms/{realm}/protocol/openid-connect/token", fk.handleToken)
	mux.HandleFunc("GET /realms/{realm}/protocol/openid-connect/userinfo", fk.handleUserInfo)
	mux.HandleFunc("POST /realms/{realm}/protocol/openid-connect/logout", fk.handleLogout)
	mux.HandleFunc("GET /realms/{realm}/protocol/openid-connect/certs", fk.handleCerts)
	fk.srv = httptest.NewServer(mux)
	t.Cleanup(fk.srv.Close)
	return fk
}

func (fk *fakeKeycloak) URL() string { return fk.srv.URL }

func (fk *fakeKeycloak) record(r *http.Request, name string) {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	fk.hits[name]++
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			fk.forms[name] = append(fk.forms[name], r.PostForm)
		}
	}
}

func (fk *fakeKeycloak) handleToken(w http.ResponseWriter, r *http.Request) {
	fk.record(r, "token")
	fk.mu.Lock()
	status, reply := fk.tokenStatus, fk.tokenReply
	fk.mu.Unlock()
	if status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"Code not valid"}`)
		return
	}
	writeJSON(w, reply)
}

func (fk *fakeKeycloak) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	fk.record(r, "userinfo")
	fk.mu.Lock()
	fk.bearers = append(fk.bearers, r.Header.Get("Authorization"))
	status, claims := fk.userStatus, fk.userClaims
	fk.mu.Unlock()
	if status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":"invalid_token"}`)
		return
	}
	writeJSON(w, claims)
}

func (fk *fakeKeycloak) handleLogout(w http.ResponseWriter, r *http.Request) {
	fk.record(r, "logout")
	fk.mu.Lock()
	status := fk.logoutStatus
	fk.mu.Unlock()
	w.WriteHeader(status)
}

func (fk *fakeKeycloak) handleCerts(w http.ResponseWriter, r *http.Request) {
	fk.record(r, "certs")
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &fk.key.PublicKey,
		KeyID:     testKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	writeJSON(w, set)
}

func (fk *fakeKeycloak) Hits(name string) int {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	return fk.hits[name]
}

func (fk *fakeKeycloak) TotalHits() int {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	n := 0
	for _, v := range fk.hits {
		n += v
	}
	return n
}

func (fk *fakeKeycloak) LastForm(name string) url.Values {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	forms := fk.forms[name]
	if len(forms) == 0 {
		return nil
	}
	return forms[len(forms)-1]
}

func (fk *fakeKeycloak) SetToken(status int, reply map[string]any) {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	fk.tokenStatus = status
	if reply != nil {
		fk.tokenReply = reply
	}
}

func (fk *fakeKeycloak) SetUserStatus(status int) {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	fk.userStatus = status
}

func (fk *fakeKeycloak) SetLogoutStatus(status int) {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	fk.logoutStatus = status
}

// SignIDToken issues an RS256 ID token for realm and audience.
func (fk *fakeKeycloak) SignIDToken(realm, audience string, ttl time.Duration) string {
	fk.t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": Issuer(fk.URL(), realm),
		"aud": audience,
		"sub": "user-1",
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(fk.key)
	require.NoError(fk.t, err)
	return signed
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// memStore is a minimal SessionStore for flow tests.
type memStore struct {
	mu       sync.Mutex
	attempts map[string]LoginAttempt
	creds    map[string]Credential
}

func newMemStore() *memStore {
	return &memStore{attempts: make(map[string]LoginAttempt), creds: make(map[string]Credential)}
}

func (s *memStore) LoadAttempt(_ context.Context, id string) (*LoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *memStore) SaveAttempt(_ context.Context, id string, a LoginAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[id] = a
	return nil
}

func (s *memStore) DeleteAttempt(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, id)
	return nil
}

func (s *memStore) LoadCredential(_ context.Context, id string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memStore) SaveCredential(_ context.Context, id string, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[id] = c
	return nil
}

func (s *memStore) UpdateCredential(_ context.Context, id string, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[id]; !ok {
		return ErrSessionNotFound
	}
	s.creds[id] = c
	return nil
}

func (s *memStore) Invalidate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, id)
	delete(s.creds, id)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
