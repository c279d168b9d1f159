package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/storage"
)

func redirectQuery(t *testing.T, result AuthorizeResult) (*url.URL, url.Values) {
	t.Helper()
	r, ok := result.(Redirect)
	if !ok {
		t.Fatalf("result = %#v, want Redirect", result)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		t.Fatalf("redirect URL does not parse: %v", err)
	}
	return u, u.Query()
}

func TestServer_Authorize_IssuesCode(t *testing.T) {
	env := newTestEnv(t)
	challenge, _ := testutil.GeneratePKCEPair()

	req := env.authorizeRequest(challenge)
	req.Resource = testBaseURL + "/api"
	result := env.srv.Authorize(t.Context(), req, env.user, DecisionPending)

	u, q := redirectQuery(t, result)
	if u.Scheme+"://"+u.Host+u.Path != testRedirectURI {
		t.Errorf("redirect target = %s, want %s", u, testRedirectURI)
	}
	if q.Get("state") != "state-123" {
		t.Errorf("state = %q", q.Get("state"))
	}
	code := q.Get("code")
	if len(code) != 43 {
		t.Fatalf("code length = %d, want 43", len(code))
	}

	stored, err := env.store.ConsumeAuthorizationCode(t.Context(), code, env.clock.Now())
	if err != nil {
		t.Fatalf("issued code is not in the store: %v", err)
	}
	if stored.UserID != env.user.ID || stored.Email != env.user.Email {
		t.Errorf("code bound to %q/%q", stored.UserID, stored.Email)
	}
	if stored.Audience != testBaseURL+"/api" {
		t.Errorf("Audience = %q", stored.Audience)
	}
	if strings.Join(stored.Scopes, " ") != "tasks:read tasks:write" {
		t.Errorf("Scopes = %v", stored.Scopes)
	}
	if stored.CodeChallenge != challenge || stored.CodeChallengeMethod != PKCEMethodS256 {
		t.Error("code must carry the PKCE challenge")
	}
	if got := stored.ExpiresAt.Sub(stored.CreatedAt); got != DefaultAuthorizationCodeTTL {
		t.Errorf("code lifetime = %v, want %v", got, DefaultAuthorizationCodeTTL)
	}
}

func TestServer_Authorize_EmptyScopeGetsVocabulary(t *testing.T) {
	env := newTestEnv(t)
	challenge, _ := testutil.GeneratePKCEPair()

	req := env.authorizeRequest(challenge)
	req.Scope = ""
	_, q := redirectQuery(t, env.srv.Authorize(t.Context(), req, env.user, DecisionApprove))

	stored, err := env.store.ConsumeAuthorizationCode(t.Context(), q.Get("code"), env.clock.Now())
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if len(stored.Scopes) != len(DefaultScopes) {
		t.Errorf("Scopes = %v, want full vocabulary", stored.Scopes)
	}
	if stored.Audience != testAudience {
		t.Errorf("Audience = %q, want default %q", stored.Audience, testAudience)
	}
}

func TestServer_Authorize_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name      string
		mutate    func(*AuthorizeRequest)
		wantError string
	}{
		{name: "missing client_id", mutate: func(r *AuthorizeRequest) { r.ClientID = "" }, wantError: "invalid_request"},
		{name: "unknown client", mutate: func(r *AuthorizeRequest) { r.ClientID = "someone-else" }, wantError: "unauthorized_client"},
		{name: "token response type", mutate: func(r *AuthorizeRequest) { r.ResponseType = "token" }, wantError: "unsupported_response_type"},
		{name: "missing response type", mutate: func(r *AuthorizeRequest) { r.ResponseType = "" }, wantError: "unsupported_response_type"},
		{name: "missing challenge", mutate: func(r *AuthorizeRequest) { r.CodeChallenge = "" }, wantError: "invalid_request"},
		{name: "plain method", mutate: func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" }, wantError: "invalid_request"},
		{name: "missing method", mutate: func(r *AuthorizeRequest) { r.CodeChallengeMethod = "" }, wantError: "invalid_request"},
		{name: "unknown scope", mutate: func(r *AuthorizeRequest) { r.Scope = "tasks:read admin" }, wantError: "invalid_scope"},
		{name: "foreign resource", mutate: func(r *AuthorizeRequest) { r.Resource = "https://other.example.com/api/mcp" }, wantError: "invalid_target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := env.authorizeRequest(challenge)
			tt.mutate(&req)

			_, q := redirectQuery(t, env.srv.Authorize(t.Context(), req, env.user, DecisionApprove))
			if q.Get("error") != tt.wantError {
				t.Errorf("error = %q, want %q", q.Get("error"), tt.wantError)
			}
			if q.Get("state") != "state-123" {
				t.Errorf("state = %q, want it echoed", q.Get("state"))
			}
			if q.Has("code") {
				t.Error("error redirect must not carry a code")
			}
		})
	}
}

func TestServer_Authorize_UnsafeRedirectIsJSONError(t *testing.T) {
	env := newTestEnv(t)
	challenge, _ := testutil.GeneratePKCEPair()

	for _, uri := range []string{"", "not a uri", "javascript:alert(1)", "http://evil.example.com/cb", "https://client/cb#x"} {
		t.Run(uri, func(t *testing.T) {
			req := env.authorizeRequest(challenge)
			req.RedirectURI = uri

			result := env.srv.Authorize(t.Context(), req, env.user, DecisionApprove)
			jerr, ok := result.(JSONError)
			if !ok {
				t.Fatalf("result = %#v, want JSONError", result)
			}
			if jerr.Status != http.StatusBadRequest || jerr.Body.Error != "invalid_request" {
				t.Errorf("JSONError = %+v", jerr)
			}
		})
	}
}

func TestServer_Authorize_NoSessionIsLogin(t *testing.T) {
	env := newTestEnv(t)
	challenge, _ := testutil.GeneratePKCEPair()

	result := env.srv.Authorize(t.Context(), env.authorizeRequest(challenge), nil, DecisionPending)
	login, ok := result.(Login)
	if !ok {
		t.Fatalf("result = %#v, want Login", result)
	}

	u, err := url.Parse(login.URL)
	if err != nil {
		t.Fatalf("login URL does not parse: %v", err)
	}
	returnTo, err := url.Parse(u.Query().Get("next"))
	if err != nil {
		t.Fatalf("return-to does not parse: %v", err)
	}
	if returnTo.Scheme+"://"+returnTo.Host+returnTo.Path != testBaseURL+PathAuthorize {
		t.Errorf("return-to = %s", returnTo)
	}
	if returnTo.Query().Get("code_challenge") != challenge || returnTo.Query().Get("state") != "state-123" {
		t.Errorf("return-to lost request parameters: %s", returnTo.RawQuery)
	}
}

func TestServer_Authorize_ValidationBeforeLogin(t *testing.T) {
	env := newTestEnv(t)
	challenge, _ := testutil.GeneratePKCEPair()

	req := env.authorizeRequest(challenge)
	req.ClientID = "unknown"
	_, q := redirectQuery(t, env.srv.Authorize(t.Context(), req, nil, DecisionPending))
	if q.Get("error") != "unauthorized_client" {
		t.Errorf("error = %q, want unauthorized_client before any login", q.Get("error"))
	}
}

func TestServer_Authorize_ConsentRoundTrip(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AutoApprove = false })
	challenge, _ := testutil.GeneratePKCEPair()
	req := env.authorizeRequest(challenge)

	result := env.srv.Authorize(t.Context(), req, env.user, DecisionPending)
	consent, ok := result.(Consent)
	if !ok {
		t.Fatalf("result = %#v, want Consent", result)
	}
	if consent.Ticket == "" || consent.Request != req {
		t.Fatalf("Consent = %+v", consent)
	}
	if consent.Audience != testAudience || len(consent.Scopes) != 2 {
		t.Errorf("Consent scopes/audience = %v %q", consent.Scopes, consent.Audience)
	}

	// A consent ticket is not an access token.
	if _, err := env.srv.Verifier().Verify(t.Context(), consent.Ticket, testAudience); err == nil {
		t.Error("consent ticket must not verify as an access token")
	}

	_, q := redirectQuery(t, env.srv.AuthorizeWithTicket(t.Context(), consent.Ticket, env.user, DecisionApprove))
	if q.Get("code") == "" || q.Get("state") != "state-123" {
		t.Errorf("approve redirect = %v", q)
	}
}

func TestServer_Authorize_ConsentDenied(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AutoApprove = false })
	challenge, _ := testutil.GeneratePKCEPair()
	req := env.authorizeRequest(challenge)
	req.RedirectURI = testNativeURI

	consent := env.srv.Authorize(t.Context(), req, env.user, DecisionPending).(Consent)

	u, q := redirectQuery(t, env.srv.AuthorizeWithTicket(t.Context(), consent.Ticket, env.user, DecisionDeny))
	if u.Scheme != "app" {
		t.Errorf("denial must go to the deep link, got %s", u)
	}
	if q.Get("error") != "access_denied" || q.Get("state") != "state-123" {
		t.Errorf("deny redirect = %v", q)
	}
	if q.Has("code") {
		t.Error("denied request must not carry a code")
	}
}

func TestServer_AuthorizeWithTicket_Rejections(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AutoApprove = false })
	challenge, _ := testutil.GeneratePKCEPair()
	consent := env.srv.Authorize(t.Context(), env.authorizeRequest(challenge), env.user, DecisionPending).(Consent)

	t.Run("garbage ticket", func(t *testing.T) {
		result := env.srv.AuthorizeWithTicket(t.Context(), "garbage", env.user, DecisionApprove)
		if jerr, ok := result.(JSONError); !ok || jerr.Status != http.StatusBadRequest {
			t.Errorf("result = %#v, want 400 JSONError", result)
		}
	})

	t.Run("other user", func(t *testing.T) {
		other := *env.user
		other.ID = "someone-else"
		result := env.srv.AuthorizeWithTicket(t.Context(), consent.Ticket, &other, DecisionApprove)
		if _, ok := result.(JSONError); !ok {
			t.Errorf("result = %#v, want JSONError", result)
		}
	})

	t.Run("session lost", func(t *testing.T) {
		result := env.srv.AuthorizeWithTicket(t.Context(), consent.Ticket, nil, DecisionApprove)
		if _, ok := result.(Login); !ok {
			t.Errorf("result = %#v, want Login", result)
		}
	})

	t.Run("expired ticket", func(t *testing.T) {
		env.clock.Advance(DefaultConsentTicketTTL + time.Minute)
		result := env.srv.AuthorizeWithTicket(t.Context(), consent.Ticket, env.user, DecisionApprove)
		if _, ok := result.(JSONError); !ok {
			t.Errorf("result = %#v, want JSONError", result)
		}
	})
}

type failingCodeStore struct {
	storage.Store
}

func (failingCodeStore) SaveAuthorizationCode(context.Context, *storage.AuthorizationCode) error {
	return errors.New("database is down")
}

func TestServer_Authorize_StoreFailureIsServerError(t *testing.T) {
	env := newTestEnv(t)
	env.srv.store = failingCodeStore{Store: env.store}
	challenge, _ := testutil.GeneratePKCEPair()

	_, q := redirectQuery(t, env.srv.Authorize(t.Context(), env.authorizeRequest(challenge), env.user, DecisionApprove))
	if q.Get("error") != "server_error" {
		t.Errorf("error = %q, want server_error", q.Get("error"))
	}
	if strings.Contains(q.Get("error_description"), "database") {
		t.Error("store error must not leak into the redirect")
	}
}

func TestServer_BridgeCallback(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		query url.Values
		want  url.Values
	}{
		{
			name:  "code and state",
			query: url.Values{"code": {"abc"}, "state": {"s1"}, "extra": {"x"}},
			want:  url.Values{"code": {"abc"}, "state": {"s1"}},
		},
		{
			name:  "error",
			query: url.Values{"error": {"access_denied"}, "error_description": {"no"}, "state": {"s1"}},
			want:  url.Values{"error": {"access_denied"}, "error_description": {"no"}, "state": {"s1"}},
		},
		{
			name:  "missing code",
			query: url.Values{"state": {"s1"}},
			want:  url.Values{"error": {"invalid_request"}, "error_description": {"missing code"}, "state": {"s1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.srv.BridgeCallback(tt.query)
			if err != nil {
				t.Fatalf("BridgeCallback() error = %v", err)
			}
			u, _ := url.Parse(got)
			if u.Scheme != "app" || u.Host != "oauth" || u.Path != "/callback" {
				t.Errorf("target = %s, want app://oauth/callback", got)
			}
			if u.Query().Encode() != tt.want.Encode() {
				t.Errorf("query = %s, want %s", u.RawQuery, tt.want.Encode())
			}
		})
	}
}

func TestServer_BridgeCallback_InvalidTarget(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.NativeCallbackURI = "::not a uri" })

	if _, err := env.srv.BridgeCallback(url.Values{"code": {"abc"}}); err == nil {
		t.Error("invalid NativeCallbackURI should be an error")
	}
}

func TestAuthorizeRequest_QueryRoundTrip(t *testing.T) {
	challenge, _ := testutil.GeneratePKCEPair()
	req := AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            testClientID,
		RedirectURI:         testNativeURI,
		Scope:               "tasks:read",
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Resource:            testAudience,
	}

	if got := AuthorizeRequestFromQuery(req.Query()); got != req {
		t.Errorf("round trip = %+v, want %+v", got, req)
	}
	if q := (AuthorizeRequest{ClientID: "c"}).Query(); len(q) != 1 {
		t.Errorf("empty fields should be skipped, got %v", q)
	}
}

func TestParseConsentDecision(t *testing.T) {
	for in, want := range map[string]ConsentDecision{
		"approve": DecisionApprove,
		"deny":    DecisionDeny,
		"":        DecisionPending,
		"yes":     DecisionPending,
	} {
		if got := ParseConsentDecision(in); got != want {
			t.Errorf("ParseConsentDecision(%q) = %q, want %q", in, got, want)
		}
	}
}
