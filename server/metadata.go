package server

import (
	"errors"
	"slices"

	"github.com/giantswarm/mcp-authserver/autherr"
	"github.com/giantswarm/mcp-authserver/internal/util"
)

// ErrUnknownResource is returned for a protected-resource metadata request
// naming a path that is not served here.
var ErrUnknownResource = errors.New("unknown protected resource")

// AuthorizationServerMetadata is the RFC 8414 discovery document.
type AuthorizationServerMetadata struct {
	Issuer                                 string   `json:"issuer"`
	AuthorizationEndpoint                  string   `json:"authorization_endpoint"`
	TokenEndpoint                          string   `json:"token_endpoint"`
	RevocationEndpoint                     string   `json:"revocation_endpoint"`
	RegistrationEndpoint                   string   `json:"registration_endpoint"`
	ResponseTypesSupported                 []string `json:"response_types_supported"`
	GrantTypesSupported                    []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported          []string `json:"code_challenge_methods_supported"`
	ScopesSupported                        []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported"`
}

// ProtectedResourceMetadata is the RFC 9728 discovery document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

func (s *Server) requireBaseURL() error {
	if s.Config.BaseURL == "" {
		return autherr.Configuration("base URL is not configured")
	}
	return nil
}

// AuthorizationServerMetadata builds the RFC 8414 document from BaseURL.
func (s *Server) AuthorizationServerMetadata() (*AuthorizationServerMetadata, error) {
	if err := s.requireBaseURL(); err != nil {
		return nil, err
	}
	base := s.Config.BaseURL
	return &AuthorizationServerMetadata{
		Issuer:                                 base,
		AuthorizationEndpoint:                  base + PathAuthorize,
		TokenEndpoint:                          base + PathToken,
		RevocationEndpoint:                     base + PathRevoke,
		RegistrationEndpoint:                   base + PathRegister,
		ResponseTypesSupported:                 []string{"code"},
		GrantTypesSupported:                    []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		CodeChallengeMethodsSupported:          []string{PKCEMethodS256},
		ScopesSupported:                        slices.Clone(s.Config.SupportedScopes),
		TokenEndpointAuthMethodsSupported:      []string{"none"},
		RevocationEndpointAuthMethodsSupported: []string{"none"},
	}, nil
}

// ProtectedResourceMetadata builds the RFC 9728 document for resourcePath.
// An empty path selects the default resource. Unknown paths return
// ErrUnknownResource.
func (s *Server) ProtectedResourceMetadata(resourcePath string) (*ProtectedResourceMetadata, error) {
	if err := s.requireBaseURL(); err != nil {
		return nil, err
	}

	path := s.Config.ResourcePaths[0]
	if resourcePath != "" && resourcePath != "/" {
		path = util.NormalizeURL(resourcePath)
		if !slices.Contains(s.Config.ResourcePaths, path) {
			return nil, ErrUnknownResource
		}
	}

	return &ProtectedResourceMetadata{
		Resource:               s.Config.BaseURL + path,
		AuthorizationServers:   []string{s.Issuer()},
		ScopesSupported:        slices.Clone(s.Config.SupportedScopes),
		BearerMethodsSupported: []string{"header"},
		ResourceName:           s.Config.ResourceName,
	}, nil
}

// ResourceMetadataURL is the metadata URL advertised in WWW-Authenticate
// challenges for a resource path.
func (s *Server) ResourceMetadataURL(resourcePath string) string {
	if resourcePath == "" || resourcePath == s.Config.ResourcePaths[0] {
		return s.Config.BaseURL + PathProtectedResourceMetadata
	}
	return s.Config.BaseURL + PathProtectedResourceMetadata + resourcePath
}
