package server

import (
	"errors"
	"slices"
	"testing"

	"github.com/giantswarm/mcp-authserver/autherr"
	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/providers/mock"
	"github.com/giantswarm/mcp-authserver/storage/memory"
)

func TestServer_AuthorizationServerMetadata(t *testing.T) {
	env := newTestEnv(t)

	md, err := env.srv.AuthorizationServerMetadata()
	if err != nil {
		t.Fatalf("AuthorizationServerMetadata() error = %v", err)
	}

	checks := map[string][2]string{
		"issuer":                 {md.Issuer, testBaseURL},
		"authorization_endpoint": {md.AuthorizationEndpoint, testBaseURL + "/oauth/authorize"},
		"token_endpoint":         {md.TokenEndpoint, testBaseURL + "/oauth/token"},
		"revocation_endpoint":    {md.RevocationEndpoint, testBaseURL + "/oauth/revoke"},
		"registration_endpoint":  {md.RegistrationEndpoint, testBaseURL + "/oauth/register"},
	}
	for field, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %q, want %q", field, c[0], c[1])
		}
	}

	if !slices.Equal(md.ResponseTypesSupported, []string{"code"}) {
		t.Errorf("response_types_supported = %v", md.ResponseTypesSupported)
	}
	if !slices.Equal(md.GrantTypesSupported, []string{"authorization_code", "refresh_token"}) {
		t.Errorf("grant_types_supported = %v", md.GrantTypesSupported)
	}
	if !slices.Equal(md.CodeChallengeMethodsSupported, []string{"S256"}) {
		t.Errorf("code_challenge_methods_supported = %v", md.CodeChallengeMethodsSupported)
	}
	if !slices.Equal(md.ScopesSupported, DefaultScopes) {
		t.Errorf("scopes_supported = %v", md.ScopesSupported)
	}
	if !slices.Equal(md.TokenEndpointAuthMethodsSupported, []string{"none"}) {
		t.Errorf("token_endpoint_auth_methods_supported = %v", md.TokenEndpointAuthMethodsSupported)
	}
	if !slices.Equal(md.RevocationEndpointAuthMethodsSupported, []string{"none"}) {
		t.Errorf("revocation_endpoint_auth_methods_supported = %v", md.RevocationEndpointAuthMethodsSupported)
	}
}

func TestServer_ProtectedResourceMetadata(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name         string
		path         string
		wantResource string
		wantErr      error
	}{
		{name: "default resource", path: "", wantResource: testAudience},
		{name: "root path", path: "/", wantResource: testAudience},
		{name: "path inserted", path: "/api/mcp", wantResource: testAudience},
		{name: "second resource", path: "/api", wantResource: testBaseURL + "/api"},
		{name: "trailing slash", path: "/api/", wantResource: testBaseURL + "/api"},
		{name: "unknown", path: "/admin", wantErr: ErrUnknownResource},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md, err := env.srv.ProtectedResourceMetadata(tt.path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ProtectedResourceMetadata() error = %v", err)
			}
			if md.Resource != tt.wantResource {
				t.Errorf("resource = %q, want %q", md.Resource, tt.wantResource)
			}
			if !slices.Equal(md.AuthorizationServers, []string{testBaseURL}) {
				t.Errorf("authorization_servers = %v", md.AuthorizationServers)
			}
			if !slices.Equal(md.BearerMethodsSupported, []string{"header"}) {
				t.Errorf("bearer_methods_supported = %v", md.BearerMethodsSupported)
			}
			if md.ResourceName != DefaultResourceName {
				t.Errorf("resource_name = %q", md.ResourceName)
			}
		})
	}
}

func TestServer_Metadata_MissingBaseURL(t *testing.T) {
	srv, err := New(mock.NewMockProvider(), memory.New(), testutil.TestSigningKey, &Config{}, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := srv.AuthorizationServerMetadata(); !autherr.Is(err, autherr.KindConfiguration) {
		t.Errorf("AuthorizationServerMetadata() error = %v, want ConfigurationError", err)
	}
	if _, err := srv.ProtectedResourceMetadata(""); !autherr.Is(err, autherr.KindConfiguration) {
		t.Errorf("ProtectedResourceMetadata() error = %v, want ConfigurationError", err)
	}
}

func TestServer_ResourceMetadataURL(t *testing.T) {
	env := newTestEnv(t)

	if got := env.srv.ResourceMetadataURL("/api/mcp"); got != testBaseURL+"/.well-known/oauth-protected-resource" {
		t.Errorf("ResourceMetadataURL(default) = %q", got)
	}
	if got := env.srv.ResourceMetadataURL("/api"); got != testBaseURL+"/.well-known/oauth-protected-resource/api" {
		t.Errorf("ResourceMetadataURL(/api) = %q", got)
	}
}
