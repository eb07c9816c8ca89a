package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"kcfront/auth"
)

// keycloakStub answers the realm endpoints the app calls.
type keycloakStub struct {
	mu           sync.Mutex
	tokenStatus  int
	userStatus   int
	logoutStatus int
	logoutHits   int
	tokenForms   []url.Values
}

func (k *keycloakStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /realms/{realm}/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		k.mu.Lock()
		k.tokenForms = append(k.tokenForms, r.PostForm)
		status := k.tokenStatus
		k.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"Code not valid"}`)
			return
		}
		switch r.PostForm.Get("grant_type") {
		case "password":
			_, _ = io.WriteString(w, `{"access_token":"ADMIN","token_type":"Bearer","expires_in":60}`)
		case "refresh_token":
			_, _ = io.WriteString(w, `{"access_token":"AT2","token_type":"Bearer","expires_in":300}`)
		default:
			_, _ = io.WriteString(w, `{"access_token":"AT1","refresh_token":"RT1","token_type":"Bearer","expires_in":300}`)
		}
	})
	mux.HandleFunc("GET /realms/{realm}/protocol/openid-connect/userinfo", func(w http.ResponseWriter, r *http.Request) {
		k.mu.Lock()
		status := k.userStatus
		k.mu.Unlock()
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"sub":"user-1","preferred_username":"alice","email_verified":true}`)
	})
	mux.HandleFunc("POST /realms/{realm}/protocol/openid-connect/logout", func(w http.ResponseWriter, r *http.Request) {
		k.mu.Lock()
		k.logoutHits++
		status := k.logoutStatus
		k.mu.Unlock()
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	})
	mux.HandleFunc("GET /admin/realms", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ADMIN" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"id":"1","realm":"master","enabled":true},{"id":"2","realm":"acme","enabled":true}]`)
	})
	return mux
}

func (k *keycloakStub) set(fn func(k *keycloakStub)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	fn(k)
}

func (k *keycloakStub) counts() (logouts, tokens int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.logoutHits, len(k.tokenForms)
}

type testEnv struct {
	kc     *keycloakStub
	app    *App
	srv    *httptest.Server
	client *http.Client
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	kc := &keycloakStub{}
	kcSrv := httptest.NewServer(kc.handler())
	t.Cleanup(kcSrv.Close)

	cfg := DefaultConfig()
	cfg.Provider.BaseURI = kcSrv.URL
	cfg.Auth.DefaultRealm = "master"
	cfg.Auth.DefaultClientID = "web"
	cfg.Auth.ClientSecret = "s3cret"
	cfg.Auth.LogoutRedirectURI = "http://app.example.com/bye"
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewApp(cfg, logger, kcSrv.Client())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	srv := httptest.NewServer(app.Routes())
	t.Cleanup(srv.Close)

	return &testEnv{kc: kc, app: app, srv: srv, client: newBrowser(t)}
}

// newBrowser returns a client that keeps cookies and does not follow redirects.
func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (e *testEnv) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	return e.doWith(t, e.client, method, path)
}

func (e *testEnv) doWith(t *testing.T, client *http.Client, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) login(t *testing.T, query string) string {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/auth/login"+query)
	expectStatus(t, resp, http.StatusFound)
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	return loc.Query().Get("state")
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected status %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	return nil
}

func TestLoginRedirectsToProvider(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/auth/login?realm=acme")
	expectStatus(t, resp, http.StatusFound)

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasSuffix(loc.Path, "/realms/acme/protocol/openid-connect/auth") {
		t.Fatalf("unexpected authorize path %q", loc.Path)
	}
	if got := loc.Query().Get("client_id"); got != "web" {
		t.Fatalf("expected client_id web, got %q", got)
	}
	if loc.Query().Get("state") == "" {
		t.Fatalf("authorize URL carries no state")
	}
	if sessionCookie(resp) == nil {
		t.Fatalf("login should start a session")
	}
}

func TestFullSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	state := env.login(t, "?realm=acme")

	resp := env.do(t, http.MethodGet, "/auth/callback?code=abc&state="+url.QueryEscape(state))
	expectStatus(t, resp, http.StatusOK)
	tokens := decode[auth.TokenResponse](t, resp)
	if tokens.AccessToken != "AT1" || tokens.RefreshToken != "RT1" {
		t.Fatalf("unexpected tokens %+v", tokens)
	}

	resp = env.do(t, http.MethodGet, "/auth/me")
	expectStatus(t, resp, http.StatusOK)
	if sub := decode[auth.UserInfo](t, resp).Subject; sub != "user-1" {
		t.Fatalf("expected sub user-1, got %q", sub)
	}

	resp = env.do(t, http.MethodGet, "/auth/validate")
	expectStatus(t, resp, http.StatusOK)
	if got := decode[auth.Validation](t, resp); got != (auth.Validation{Valid: true, Message: "Token is valid"}) {
		t.Fatalf("unexpected validation %+v", got)
	}

	resp = env.do(t, http.MethodPost, "/auth/refresh")
	expectStatus(t, resp, http.StatusOK)
	if at := decode[auth.TokenResponse](t, resp).AccessToken; at != "AT2" {
		t.Fatalf("expected refreshed token AT2, got %q", at)
	}

	resp = env.do(t, http.MethodPost, "/auth/logout")
	expectStatus(t, resp, http.StatusFound)
	if loc := resp.Header.Get("Location"); loc != "http://app.example.com/bye" {
		t.Fatalf("unexpected logout redirect %q", loc)
	}
	if logouts, _ := env.kc.counts(); logouts != 1 {
		t.Fatalf("expected one revocation call, got %d", logouts)
	}

	resp = env.do(t, http.MethodGet, "/auth/validate")
	if got := decode[auth.Validation](t, resp); got != (auth.Validation{Valid: false, Message: "No token"}) {
		t.Fatalf("expected no token after logout, got %+v", got)
	}
}

func TestCallbackRotatesSessionID(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/auth/login")
	expectStatus(t, resp, http.StatusFound)
	before := sessionCookie(resp)
	if before == nil {
		t.Fatalf("login did not set a session cookie")
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))

	resp = env.do(t, http.MethodGet, "/auth/callback?code=abc&state="+url.QueryEscape(loc.Query().Get("state")))
	expectStatus(t, resp, http.StatusOK)
	after := sessionCookie(resp)
	if after == nil || after.Value == "" {
		t.Fatalf("callback did not reissue the session cookie")
	}
	if after.Value == before.Value {
		t.Fatalf("session id was not rotated on login")
	}

	// A second browser holding the pre-login identifier gets nothing.
	planted := newBrowser(t)
	u, _ := url.Parse(env.srv.URL)
	planted.Jar.SetCookies(u, []*http.Cookie{{Name: sessionCookieName, Value: before.Value}})
	expectStatus(t, env.doWith(t, planted, http.MethodGet, "/auth/me"), http.StatusUnauthorized)

	expectStatus(t, env.do(t, http.MethodGet, "/auth/me"), http.StatusOK)
}

func TestLogoutSucceedsWhenProviderFails(t *testing.T) {
	env := newTestEnv(t, nil)
	state := env.login(t, "")
	expectStatus(t, env.do(t, http.MethodGet, "/auth/callback?code=abc&state="+state), http.StatusOK)
	env.kc.set(func(k *keycloakStub) { k.logoutStatus = http.StatusInternalServerError })

	expectStatus(t, env.do(t, http.MethodPost, "/auth/logout"), http.StatusFound)
	if n := env.app.Store.Len(); n != 0 {
		t.Fatalf("expected session store to be empty, got %d", n)
	}

	expectStatus(t, env.do(t, http.MethodGet, "/auth/me"), http.StatusUnauthorized)
}

func TestCallbackRejectsWrongState(t *testing.T) {
	env := newTestEnv(t, nil)
	env.login(t, "")

	resp := env.do(t, http.MethodGet, "/auth/callback?code=abc&state=forged")
	expectStatus(t, resp, http.StatusUnauthorized)
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("expected problem content type, got %q", ct)
	}
	if code := decode[Problem](t, resp).Code; code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %q", code)
	}
	if _, tokenCalls := env.kc.counts(); tokenCalls != 0 {
		t.Fatalf("token endpoint must not be called on state mismatch, got %d calls", tokenCalls)
	}
}

func TestCallbackExchangeFailureCarriesProviderBody(t *testing.T) {
	env := newTestEnv(t, nil)
	state := env.login(t, "")
	env.kc.set(func(k *keycloakStub) { k.tokenStatus = http.StatusBadRequest })

	resp := env.do(t, http.MethodGet, "/auth/callback?code=abc&state="+state)
	expectStatus(t, resp, http.StatusUnauthorized)
	p := decode[Problem](t, resp)
	if p.Code != "token_exchange_failed" {
		t.Fatalf("expected token_exchange_failed, got %q", p.Code)
	}
	if !strings.Contains(p.Detail, "invalid_grant") {
		t.Fatalf("detail should carry provider body, got %q", p.Detail)
	}
}

func TestCallbackMissingCode(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, env.do(t, http.MethodGet, "/auth/callback?state=x"), http.StatusBadRequest)
}

func TestCallbackProviderError(t *testing.T) {
	env := newTestEnv(t, nil)
	state := env.login(t, "")

	resp := env.do(t, http.MethodGet, "/auth/callback?error=access_denied&error_description=denied&state="+state)
	expectStatus(t, resp, http.StatusUnauthorized)
	if code := decode[Problem](t, resp).Code; code != "access_denied" {
		t.Fatalf("expected access_denied, got %q", code)
	}

	// The attempt is gone, so the same state no longer completes a login.
	expectStatus(t, env.do(t, http.MethodGet, "/auth/callback?code=abc&state="+state), http.StatusUnauthorized)
}

func TestLoginRejectsDisallowedOverrides(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Auth.AllowedRealms = []string{"master", "acme"}
		c.Auth.AllowedClients = []string{"web"}
	})

	expectStatus(t, env.do(t, http.MethodGet, "/auth/login?realm=evil"), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/auth/login?clientId=spa"), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/auth/login?realm=acme"), http.StatusFound)
}

func TestUnauthenticatedEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	expectStatus(t, env.do(t, http.MethodGet, "/auth/me"), http.StatusUnauthorized)
	expectStatus(t, env.do(t, http.MethodPost, "/auth/refresh"), http.StatusUnauthorized)

	resp := env.do(t, http.MethodGet, "/auth/validate")
	expectStatus(t, resp, http.StatusOK)
	if got := decode[auth.Validation](t, resp); got != (auth.Validation{Valid: false, Message: "No token"}) {
		t.Fatalf("unexpected validation %+v", got)
	}

	expectStatus(t, env.do(t, http.MethodPost, "/auth/logout"), http.StatusFound)
}

func TestProviderUnavailableIsBadGateway(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Provider.BaseURI = "http://127.0.0.1:1"
	})
	// Seed a credential directly; the provider cannot be reached to log in.
	sid := "seeded"
	if err := env.app.Store.SaveCredential(context.Background(), sid, auth.Credential{AccessToken: "AT1", Realm: "master"}); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}
	u, _ := url.Parse(env.srv.URL)
	env.client.Jar.SetCookies(u, []*http.Cookie{{Name: sessionCookieName, Value: sid}})

	resp := env.do(t, http.MethodGet, "/auth/me")
	expectStatus(t, resp, http.StatusBadGateway)
	if code := decode[Problem](t, resp).Code; code != "upstream_unavailable" {
		t.Fatalf("expected upstream_unavailable, got %q", code)
	}
}

func TestRealmsListing(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, env.do(t, http.MethodGet, "/admin/realms"), http.StatusNotFound)

	env = newTestEnv(t, func(c *Config) {
		c.Admin = AdminConfig{Enabled: true, Realm: "master", ClientID: "admin-cli", Username: "admin", Password: "pw"}
	})
	resp := env.do(t, http.MethodGet, "/admin/realms")
	expectStatus(t, resp, http.StatusOK)
	if realms := decode[[]map[string]any](t, resp); len(realms) != 2 {
		t.Fatalf("expected 2 realms, got %v", realms)
	}
}

func TestUnknownRoutesReturnProblems(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/nope")
	expectStatus(t, resp, http.StatusNotFound)
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("expected problem content type, got %q", ct)
	}

	expectStatus(t, env.do(t, http.MethodGet, "/auth/logout"), http.StatusMethodNotAllowed)
	expectStatus(t, env.do(t, http.MethodGet, "/healthz"), http.StatusOK)
}
