package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/providers"
	"github.com/giantswarm/mcp-authserver/providers/mock"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
	"github.com/giantswarm/mcp-authserver/storage/memory"
)

const (
	testBaseURL     = "https://auth.example.com"
	testRedirectURI = "http://127.0.0.1:33418/callback"
	testNativeURI   = "app://oauth/callback"
	testSession     = "session-cookie-value"
)

type testEnv struct {
	srv      *server.Server
	handler  *Handler
	router   *mux.Router
	store    *memory.Store
	provider *mock.MockProvider
	user     *providers.UserInfo
}

type envOptions struct {
	server func(*server.Config)
	http   func(*Config)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestHandler(t *testing.T, opts ...envOptions) *testEnv {
	t.Helper()

	srvCfg := &server.Config{
		BaseURL:       testBaseURL,
		ResourcePaths: []string{"/api/mcp", "/api"},
		Environment:   server.EnvironmentDevelopment,
	}
	httpCfg := &Config{}
	for _, o := range opts {
		if o.server != nil {
			o.server(srvCfg)
		}
		if o.http != nil {
			o.http(httpCfg)
		}
	}

	store := memory.New()
	provider := mock.NewMockProvider()
	user := testutil.GenerateTestUserInfo()
	provider.AddSession(testSession, user)

	srv, err := server.New(provider, store, testutil.TestSigningKey, srvCfg, discardLogger())
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	h, err := NewHandler(srv, nil, httpCfg, discardLogger())
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	t.Cleanup(h.Close)

	router := h.Router()
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		if !ok {
			t.Error("protected handler ran without a user")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"user_id": u.ID, "method": string(u.Method)})
	})
	h.Protect(router, "/api/mcp", echo)
	h.Protect(router, "/api", echo)

	return &testEnv{srv: srv, handler: h, router: router, store: store, provider: provider, user: user}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return v
}

func TestNewHandler(t *testing.T) {
	if _, err := NewHandler(nil, nil, nil, nil); err == nil {
		t.Error("NewHandler(nil) should fail")
	}

	env := setupTestHandler(t)
	if env.handler.logger == nil || env.handler.janitor == nil || env.handler.Authenticator() == nil {
		t.Error("handler dependencies should default")
	}
	if env.handler.rateLimiter != nil {
		t.Error("rate limiter should be off by default")
	}
}

func TestHandler_AuthorizationServerMetadata(t *testing.T) {
	env := setupTestHandler(t)

	w := env.do(httptest.NewRequest(http.MethodGet, server.PathAuthorizationServerMetadata, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("Cache-Control = %q", got)
	}

	meta := decodeBody[server.AuthorizationServerMetadata](t, w)
	if meta.Issuer != testBaseURL || meta.TokenEndpoint != testBaseURL+server.PathToken {
		t.Errorf("metadata = %+v", meta)
	}
	for _, g := range meta.GrantTypesSupported {
		if g == server.GrantTypeJWTBearer {
			t.Error("jwt-bearer must not be advertised while disabled")
		}
	}
}

func TestHandler_AuthorizationServerMetadata_FirstParty(t *testing.T) {
	env := setupTestHandler(t, envOptions{server: func(c *server.Config) { c.AllowFirstPartyJWT = true }})

	meta := decodeBody[server.AuthorizationServerMetadata](t,
		env.do(httptest.NewRequest(http.MethodGet, server.PathAuthorizationServerMetadata, nil)))
	found := false
	for _, g := range meta.GrantTypesSupported {
		found = found || g == server.GrantTypeJWTBearer
	}
	if !found {
		t.Errorf("GrantTypesSupported = %v, want jwt-bearer", meta.GrantTypesSupported)
	}
}

func TestHandler_ProtectedResourceMetadata(t *testing.T) {
	env := setupTestHandler(t)

	tests := []struct {
		path         string
		wantStatus   int
		wantResource string
	}{
		{path: server.PathProtectedResourceMetadata, wantStatus: http.StatusOK, wantResource: testBaseURL + "/api/mcp"},
		{path: server.PathProtectedResourceMetadata + "/api/mcp", wantStatus: http.StatusOK, wantResource: testBaseURL + "/api/mcp"},
		{path: server.PathProtectedResourceMetadata + "/api", wantStatus: http.StatusOK, wantResource: testBaseURL + "/api"},
		{path: server.PathProtectedResourceMetadata + "/nope", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := env.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			meta := decodeBody[server.ProtectedResourceMetadata](t, w)
			if meta.Resource != tt.wantResource {
				t.Errorf("Resource = %q, want %q", meta.Resource, tt.wantResource)
			}
			if len(meta.AuthorizationServers) != 1 || meta.AuthorizationServers[0] != testBaseURL {
				t.Errorf("AuthorizationServers = %v", meta.AuthorizationServers)
			}
		})
	}
}

func TestHandler_ClientRegistration(t *testing.T) {
	env := setupTestHandler(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "valid", body: `{"redirect_uris":["app://oauth/callback"],"client_name":"Editor"}`},
		{name: "empty", body: ""},
		{name: "garbage", body: "not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.NewHTTPRequest(http.MethodPost, server.PathRegister).WithJSON(tt.body).Build()
			w := env.do(req)
			if w.Code != http.StatusCreated {
				t.Fatalf("status = %d, want 201", w.Code)
			}
			reg := decodeBody[server.ClientRegistration](t, w)
			if !strings.HasPrefix(reg.ClientID, server.ClientIDPrefix) {
				t.Errorf("ClientID = %q", reg.ClientID)
			}
		})
	}
}

func TestHandler_Authorize_RedirectsToLogin(t *testing.T) {
	env := setupTestHandler(t)
	challenge, _ := testutil.GeneratePKCEPair()

	q := server.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "mcp-client-1",
		RedirectURI:         testRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: server.PKCEMethodS256,
		State:               "xyz",
	}.Query()
	w := env.do(httptest.NewRequest(http.MethodGet, server.PathAuthorize+"?"+q.Encode(), nil))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://login.example.com/login?next=") {
		t.Errorf("Location = %q, want the provider login", loc)
	}
	next, _ := url.Parse(loc)
	if returnTo := next.Query().Get("next"); !strings.HasPrefix(returnTo, testBaseURL+server.PathAuthorize+"?") {
		t.Errorf("login return target = %q", returnTo)
	}
}

func TestHandler_Authorize_UnsafeRedirectIsJSON(t *testing.T) {
	env := setupTestHandler(t)

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {"mcp-client-1"},
		"redirect_uri":  {"javascript:alert(1)"},
	}
	req := testutil.NewHTTPRequest(http.MethodGet, server.PathAuthorize+"?"+q.Encode()).
		WithCookie(mock.SessionCookie, testSession).
		Build()
	w := env.do(req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if w.Header().Get("Location") != "" {
		t.Error("an unsafe redirect_uri must never be redirected to")
	}
	body := decodeBody[server.ErrorResponse](t, w)
	if body.Error != "invalid_request" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestHandler_Authorize_ConsentPage(t *testing.T) {
	env := setupTestHandler(t)
	challenge, _ := testutil.GeneratePKCEPair()

	q := server.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "mcp-client-1",
		RedirectURI:         testRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: server.PKCEMethodS256,
		Scope:               "tasks:read",
	}.Query()
	req := testutil.NewHTTPRequest(http.MethodGet, server.PathAuthorize+"?"+q.Encode()).
		WithCookie(mock.SessionCookie, testSession).
		Build()
	w := env.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	csp := w.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, consentStyleHash) || !strings.Contains(csp, "form-action 'self' "+security.FormActionSource(testRedirectURI)+";") {
		t.Errorf("Content-Security-Policy = %q", csp)
	}
	body := w.Body.String()
	for _, want := range []string{"mcp-client-1", "tasks:read", env.user.Email, `name="consent_ticket"`} {
		if !strings.Contains(body, want) {
			t.Errorf("consent page missing %q", want)
		}
	}
	if consentTicket(t, body) == "" {
		t.Error("consent page carries no ticket")
	}
}

func TestHandler_Authorize_ConsentPageFormAction(t *testing.T) {
	tests := []struct {
		name        string
		redirectURI string
		want        string
	}{
		{name: "loopback", redirectURI: testRedirectURI, want: "form-action 'self' http://127.0.0.1:33418;"},
		{name: "native deep link", redirectURI: testNativeURI, want: "form-action 'self' app:;"},
		{name: "browser bridge", redirectURI: testBaseURL + server.PathCallback, want: "form-action 'self' https://auth.example.com app:;"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t)
			challenge, _ := testutil.GeneratePKCEPair()

			q := server.AuthorizeRequest{
				ResponseType:        "code",
				ClientID:            "mcp-client-1",
				RedirectURI:         tt.redirectURI,
				CodeChallenge:       challenge,
				CodeChallengeMethod: server.PKCEMethodS256,
			}.Query()
			w := env.do(testutil.NewHTTPRequest(http.MethodGet, server.PathAuthorize+"?"+q.Encode()).
				WithCookie(mock.SessionCookie, testSession).
				Build())

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want consent page (body %s)", w.Code, w.Body.String())
			}
			// The consent POST answers with a redirect to the client, which
			// form-action must allow.
			if csp := w.Header().Get("Content-Security-Policy"); !strings.Contains(csp, tt.want) {
				t.Errorf("Content-Security-Policy = %q, want %q", csp, tt.want)
			}
		})
	}
}

func TestHandler_Authorize_PostWithoutTicket(t *testing.T) {
	env := setupTestHandler(t)

	req := testutil.NewHTTPRequest(http.MethodPost, server.PathAuthorize).
		WithCookie(mock.SessionCookie, testSession).
		WithForm("decision=approve").
		Build()
	w := env.do(req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

var ticketPattern = regexp.MustCompile(`name="consent_ticket" value="([^"]+)"`)

func consentTicket(t *testing.T, page string) string {
	t.Helper()
	m := ticketPattern.FindStringSubmatch(page)
	if m == nil {
		return ""
	}
	return m[1]
}

func TestHandler_Token_Errors(t *testing.T) {
	env := setupTestHandler(t)

	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing grant type",
			req:        testutil.NewHTTPRequest(http.MethodPost, server.PathToken).WithForm("").Build(),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "unsupported grant type",
			req:        testutil.NewHTTPRequest(http.MethodPost, server.PathToken).WithForm("grant_type=password").Build(),
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_grant_type",
		},
		{
			name: "unknown code",
			req: testutil.NewHTTPRequest(http.MethodPost, server.PathToken).
				WithForm("grant_type=authorization_code&code=nope&code_verifier=" + strings.Repeat("a", 43) + "&redirect_uri=" + url.QueryEscape(testRedirectURI)).
				Build(),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
		{
			name:       "unknown refresh token as JSON",
			req:        testutil.NewHTTPRequest(http.MethodPost, server.PathToken).WithJSON(`{"grant_type":"refresh_token","refresh_token":"nope"}`).Build(),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
		{
			name:       "malformed JSON",
			req:        testutil.NewHTTPRequest(http.MethodPost, server.PathToken).WithJSON(`{"grant_type":`).Build(),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "first-party grant disabled",
			req:        testutil.NewHTTPRequest(http.MethodPost, server.PathToken).WithForm("grant_type=" + url.QueryEscape(server.GrantTypeJWTBearer) + "&assertion=x").Build(),
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_grant_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(tt.req)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
				t.Errorf("Cache-Control = %q, want no-store", cc)
			}
			body := decodeBody[server.ErrorResponse](t, w)
			if body.Error != tt.wantError {
				t.Errorf("error = %q, want %q", body.Error, tt.wantError)
			}
		})
	}
}

func TestHandler_Token_GetNotAllowed(t *testing.T) {
	env := setupTestHandler(t)
	w := env.do(httptest.NewRequest(http.MethodGet, server.PathToken, nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestHandler_Revoke_AlwaysOK(t *testing.T) {
	env := setupTestHandler(t)

	for _, body := range []string{"", "token=unknown", "token=a.b.c&token_type_hint=access_token"} {
		w := env.do(testutil.NewHTTPRequest(http.MethodPost, server.PathRevoke).WithForm(body).Build())
		if w.Code != http.StatusOK {
			t.Errorf("revoke %q: status = %d, want 200", body, w.Code)
		}
	}
}

func TestHandler_Callback(t *testing.T) {
	env := setupTestHandler(t)

	w := env.do(httptest.NewRequest(http.MethodGet, server.PathCallback+"?code=abc&state=s%201", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc.Scheme != "app" || loc.Query().Get("code") != "abc" || loc.Query().Get("state") != "s 1" {
		t.Errorf("Location = %s", loc)
	}
}

func TestHandler_Callback_BadNativeURI(t *testing.T) {
	env := setupTestHandler(t)
	env.srv.Config.NativeCallbackURI = "://broken"

	w := env.do(httptest.NewRequest(http.MethodGet, server.PathCallback+"?code=abc", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	body := decodeBody[server.ErrorResponse](t, w)
	if body.Error != "server_error" || body.ErrorDescription == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestHandler_Cleanup(t *testing.T) {
	env := setupTestHandler(t, envOptions{http: func(c *Config) { c.MaintenanceSecret = "s3cret" }})

	tests := []struct {
		name       string
		method     string
		secret     string
		wantStatus int
	}{
		{name: "missing secret", method: http.MethodPost, wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", method: http.MethodPost, secret: "nope", wantStatus: http.StatusUnauthorized},
		{name: "post", method: http.MethodPost, secret: "s3cret", wantStatus: http.StatusOK},
		{name: "get", method: http.MethodGet, secret: "s3cret", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testutil.NewHTTPRequest(tt.method, DefaultMaintenancePath)
			if tt.secret != "" {
				b = b.WithHeader(MaintenanceSecretHeader, tt.secret)
			}
			w := env.do(b.Build())
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if body := decodeBody[map[string]string](t, w); body["error"] != "Unauthorized" {
					t.Errorf("body = %v", body)
				}
				return
			}
			body := decodeBody[CleanupResponse](t, w)
			if !body.Success || body.DeletedCount != 0 || body.Timestamp.IsZero() {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestHandler_Cleanup_OpenWithoutSecret(t *testing.T) {
	env := setupTestHandler(t)
	w := env.do(httptest.NewRequest(http.MethodPost, DefaultMaintenancePath, nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHandler_Health(t *testing.T) {
	env := setupTestHandler(t)

	w := env.do(httptest.NewRequest(http.MethodGet, DefaultHealthPath, nil))
	if w.Code != http.StatusOK || decodeBody[HealthResponse](t, w).Status != "ok" {
		t.Errorf("healthy: status = %d body = %s", w.Code, w.Body.String())
	}

	env.provider.HealthCheckFunc = func(_ context.Context) error { return errors.New("down") }
	w = env.do(httptest.NewRequest(http.MethodGet, DefaultHealthPath, nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: status = %d, want 503", w.Code)
	}
}

func TestHandler_RequireAuth(t *testing.T) {
	env := setupTestHandler(t)

	tests := []struct {
		name         string
		path         string
		wantMetadata string
	}{
		{name: "default resource", path: "/api/mcp", wantMetadata: testBaseURL + server.PathProtectedResourceMetadata},
		{name: "nested resource", path: "/api/tasks/1", wantMetadata: testBaseURL + server.PathProtectedResourceMetadata + "/api"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(httptest.NewRequest(http.MethodPost, tt.path, nil))
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if body := decodeBody[map[string]string](t, w); body["error"] != "Unauthorized" || len(body) != 1 {
				t.Errorf("body = %v", body)
			}
			want := `Bearer resource_metadata="` + tt.wantMetadata + `"`
			if got := w.Header().Get("WWW-Authenticate"); got != want {
				t.Errorf("WWW-Authenticate = %q, want %q", got, want)
			}
		})
	}

	t.Run("session", func(t *testing.T) {
		req := testutil.NewHTTPRequest(http.MethodGet, "/api/mcp").WithCookie(mock.SessionCookie, testSession).Build()
		w := env.do(req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if body := decodeBody[map[string]string](t, w); body["user_id"] != env.user.ID || body["method"] != "session" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("session with garbage bearer", func(t *testing.T) {
		req := testutil.NewHTTPRequest(http.MethodGet, "/api/mcp").
			WithCookie(mock.SessionCookie, testSession).
			WithHeader("Authorization", "Bearer garbage").
			Build()
		w := env.do(req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if body := decodeBody[map[string]string](t, w); body["method"] != "session" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("garbage bearer", func(t *testing.T) {
		req := testutil.NewHTTPRequest(http.MethodGet, "/api/mcp").WithHeader("Authorization", "Bearer nope").Build()
		if w := env.do(req); w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})
}

func TestHandler_CORS(t *testing.T) {
	env := setupTestHandler(t, envOptions{http: func(c *Config) {
		c.CORS = CORSConfig{AllowedOrigins: []string{"https://app.example.com"}, AllowCredentials: true}
	}})

	req := testutil.NewHTTPRequest(http.MethodOptions, server.PathToken).WithHeader("Origin", "https://app.example.com").Build()
	w := env.do(req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("credentials should be allowed")
	}
	if w.Header().Get("Access-Control-Max-Age") != "3600" {
		t.Errorf("Access-Control-Max-Age = %q", w.Header().Get("Access-Control-Max-Age"))
	}

	req = testutil.NewHTTPRequest(http.MethodOptions, server.PathToken).WithHeader("Origin", "https://evil.example.com").Build()
	if w := env.do(req); w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin must not be echoed")
	}
}

func TestHandler_RateLimit(t *testing.T) {
	env := setupTestHandler(t, envOptions{http: func(c *Config) {
		c.RateLimit = RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}
	}})

	first := env.do(testutil.NewHTTPRequest(http.MethodPost, server.PathRevoke).WithForm("").Build())
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.Code)
	}
	second := env.do(testutil.NewHTTPRequest(http.MethodPost, server.PathRevoke).WithForm("").Build())
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("Retry-After should be set")
	}

	// Metadata is never limited.
	meta := env.do(httptest.NewRequest(http.MethodGet, server.PathAuthorizationServerMetadata, nil))
	if meta.Code != http.StatusOK {
		t.Errorf("metadata status = %d, want 200", meta.Code)
	}
}

func TestHandler_RecoversPanics(t *testing.T) {
	env := setupTestHandler(t)
	env.handler.Protect(env.router, "/boom", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	req := testutil.NewHTTPRequest(http.MethodGet, "/boom").WithCookie(mock.SessionCookie, testSession).Build()
	w := env.do(req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "kaboom") {
		t.Error("panic value leaked into the response")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("request id should be set on error responses")
	}
}

func TestHandler_NotFound(t *testing.T) {
	env := setupTestHandler(t)
	w := env.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
