package oauth

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/providers/mock"
	"github.com/giantswarm/mcp-authserver/server"
)

// authorizeAndConsent walks a registered client through the consent page and
// returns the redirect issued after the decision.
func authorizeAndConsent(t *testing.T, env *testEnv, req server.AuthorizeRequest, decision server.ConsentDecision) *url.URL {
	t.Helper()

	page := env.do(testutil.NewHTTPRequest(http.MethodGet, server.PathAuthorize+"?"+req.Query().Encode()).
		WithCookie(mock.SessionCookie, testSession).
		Build())
	if page.Code != http.StatusOK {
		t.Fatalf("authorize: status = %d, want consent page (body %s)", page.Code, page.Body.String())
	}
	ticket := consentTicket(t, page.Body.String())
	if ticket == "" {
		t.Fatal("consent page carries no ticket")
	}

	form := url.Values{"consent_ticket": {ticket}, "decision": {string(decision)}}
	w := env.do(testutil.NewHTTPRequest(http.MethodPost, server.PathAuthorize).
		WithCookie(mock.SessionCookie, testSession).
		WithForm(form.Encode()).
		Build())
	if w.Code != http.StatusFound {
		t.Fatalf("consent: status = %d, want 302 (body %s)", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("consent Location: %v", err)
	}
	return loc
}

func register(t *testing.T, env *testEnv, redirectURI string) string {
	t.Helper()
	w := env.do(testutil.NewHTTPRequest(http.MethodPost, server.PathRegister).
		WithJSON(`{"redirect_uris":["` + redirectURI + `"],"client_name":"Editor"}`).
		Build())
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status = %d", w.Code)
	}
	return decodeBody[server.ClientRegistration](t, w).ClientID
}

func postToken(t *testing.T, env *testEnv, form url.Values) (int, map[string]any) {
	t.Helper()
	w := env.do(testutil.NewHTTPRequest(http.MethodPost, server.PathToken).WithForm(form.Encode()).Build())
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("token response Cache-Control = %q", cc)
	}
	return w.Code, decodeBody[map[string]any](t, w)
}

func callResource(env *testEnv, path, accessToken string) int {
	req := testutil.NewHTTPRequest(http.MethodPost, path).WithHeader("Authorization", "Bearer "+accessToken).Build()
	return env.do(req).Code
}

func TestScenario_RegisterAuthorizeExchangeAccess(t *testing.T) {
	env := setupTestHandler(t)

	clientID := register(t, env, testRedirectURI)
	challenge, verifier := testutil.GeneratePKCEPair()

	loc := authorizeAndConsent(t, env, server.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		Scope:               "tasks:read tasks:write",
		State:               "opaque-state",
		CodeChallenge:       challenge,
		CodeChallengeMethod: server.PKCEMethodS256,
	}, server.DecisionApprove)

	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != testRedirectURI {
		t.Fatalf("redirected to %s, want %s", got, testRedirectURI)
	}
	code := loc.Query().Get("code")
	if code == "" || loc.Query().Get("state") != "opaque-state" {
		t.Fatalf("redirect query = %v", loc.Query())
	}

	status, tokens := postToken(t, env, url.Values{
		"grant_type":    {server.GrantTypeAuthorizationCode},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {clientID},
	})
	if status != http.StatusOK {
		t.Fatalf("exchange: status = %d body = %v", status, tokens)
	}
	access, _ := tokens["access_token"].(string)
	refresh, _ := tokens["refresh_token"].(string)
	if access == "" || refresh == "" || tokens["token_type"] != server.TokenTypeBearer {
		t.Fatalf("token response = %v", tokens)
	}
	if tokens["scope"] != "tasks:read tasks:write" {
		t.Errorf("scope = %v", tokens["scope"])
	}

	// Single use: the same code is rejected the second time.
	status, body := postToken(t, env, url.Values{
		"grant_type":    {server.GrantTypeAuthorizationCode},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {testRedirectURI},
	})
	if status != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Errorf("code replay: status = %d body = %v", status, body)
	}

	if got := callResource(env, "/api/mcp", access); got != http.StatusOK {
		t.Fatalf("protected request: status = %d, want 200", got)
	}
	// The token is bound to the MCP resource only.
	if got := callResource(env, "/api/tasks", access); got != http.StatusUnauthorized {
		t.Errorf("cross-resource request: status = %d, want 401", got)
	}

	status, rotated := postToken(t, env, url.Values{
		"grant_type":    {server.GrantTypeRefreshToken},
		"refresh_token": {refresh},
		"client_id":     {clientID},
	})
	if status != http.StatusOK {
		t.Fatalf("refresh: status = %d body = %v", status, rotated)
	}
	newAccess, _ := rotated["access_token"].(string)
	if newAccess == "" || rotated["refresh_token"] == refresh {
		t.Errorf("refresh did not rotate: %v", rotated)
	}

	status, body = postToken(t, env, url.Values{
		"grant_type":    {server.GrantTypeRefreshToken},
		"refresh_token": {refresh},
	})
	if status != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Errorf("refresh replay: status = %d body = %v", status, body)
	}

	w := env.do(testutil.NewHTTPRequest(http.MethodPost, server.PathRevoke).
		WithForm(url.Values{"token": {newAccess}}.Encode()).
		Build())
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: status = %d", w.Code)
	}
	if got := callResource(env, "/api/mcp", newAccess); got != http.StatusUnauthorized {
		t.Errorf("revoked token: status = %d, want 401", got)
	}

	cleanup := env.do(testutil.NewHTTPRequest(http.MethodPost, DefaultMaintenancePath).Build())
	result := decodeBody[CleanupResponse](t, cleanup)
	if result.DeletedCount == 0 {
		t.Errorf("cleanup should remove the revoked rows, got %+v", result)
	}
	again := decodeBody[CleanupResponse](t, env.do(testutil.NewHTTPRequest(http.MethodPost, DefaultMaintenancePath).Build()))
	if again.DeletedCount != 0 {
		t.Errorf("second cleanup deleted %d rows, want 0", again.DeletedCount)
	}
}

func TestScenario_NativeClientDenied(t *testing.T) {
	env := setupTestHandler(t)

	clientID := register(t, env, testNativeURI)
	challenge, _ := testutil.GeneratePKCEPair()
	state := "a b/c?d=e&f"

	loc := authorizeAndConsent(t, env, server.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         testNativeURI,
		State:               state,
		CodeChallenge:       challenge,
		CodeChallengeMethod: server.PKCEMethodS256,
	}, server.DecisionDeny)

	if loc.Scheme != "app" || loc.Host != "oauth" || loc.Path != "/callback" {
		t.Fatalf("redirected to %s, want the native deep link", loc)
	}
	q := loc.Query()
	if q.Get("error") != "access_denied" {
		t.Errorf("error = %q, want access_denied", q.Get("error"))
	}
	if q.Get("state") != state {
		t.Errorf("state = %q, want %q", q.Get("state"), state)
	}
	if q.Has("code") {
		t.Error("a denied request must not carry a code")
	}

	// The browser bridge forwards the same parameters verbatim.
	w := env.do(testutil.NewHTTPRequest(http.MethodGet, server.PathCallback+"?"+q.Encode()).Build())
	if w.Code != http.StatusFound {
		t.Fatalf("callback: status = %d", w.Code)
	}
	bridged, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("callback Location: %v", err)
	}
	if !strings.HasPrefix(bridged.String(), testNativeURI+"?") {
		t.Errorf("bridged to %s", bridged)
	}
	if bridged.Query().Get("error") != "access_denied" || bridged.Query().Get("state") != state || bridged.Query().Has("code") {
		t.Errorf("bridged query = %v", bridged.Query())
	}
}
