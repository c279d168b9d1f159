package server

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
)

// ClientIDPrefix is the prefix of every dynamically registered client id.
const ClientIDPrefix = "mcp-client-"

// ClientRegistrationRequest is the subset of RFC 7591 metadata the server reads.
type ClientRegistrationRequest struct {
	RedirectURIs  []string `json:"redirect_uris,omitempty"`
	ClientName    string   `json:"client_name,omitempty"`
	GrantTypes    []string `json:"grant_types,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`
}

// ClientRegistration is the RFC 7591 registration response. Clients are
// public: no secret is ever issued.
type ClientRegistration struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
}

// ParseClientRegistrationRequest decodes a registration body field by field.
// Missing bodies, malformed JSON and fields of the wrong type yield empty
// values instead of errors.
func ParseClientRegistrationRequest(body []byte) *ClientRegistrationRequest {
	req := &ClientRegistrationRequest{}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return req
	}

	req.RedirectURIs = stringList(fields["redirect_uris"])
	req.GrantTypes = stringList(fields["grant_types"])
	req.ResponseTypes = stringList(fields["response_types"])
	if raw, ok := fields["client_name"]; ok {
		_ = json.Unmarshal(raw, &req.ClientName)
	}
	return req
}

func stringList(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var values []any
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RegisterClient issues a fresh public client id. Nothing is persisted and
// the call never fails.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) *ClientRegistration {
	if req == nil {
		req = &ClientRegistrationRequest{}
	}

	now := s.now()
	nanos := s.nextClientNanos(now.UnixNano())

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	redirectURIs := slices.Clone(req.RedirectURIs)
	if redirectURIs == nil {
		redirectURIs = []string{}
	}

	reg := &ClientRegistration{
		ClientID:                fmt.Sprintf("%s%d", ClientIDPrefix, nanos),
		ClientIDIssuedAt:        now.Unix(),
		TokenEndpointAuthMethod: "none",
		GrantTypes:              slices.Clone(grantTypes),
		ResponseTypes:           slices.Clone(responseTypes),
		RedirectURIs:            redirectURIs,
		ClientName:              req.ClientName,
	}

	s.Auditor.LogClientRegistered(reg.ClientID, clientIP, reg.RedirectURIs)
	s.Instrumentation.Metrics().RecordClientRegistration(ctx)

	s.Logger.Info("Registered client",
		"client_id", reg.ClientID,
		"redirect_uri_count", len(reg.RedirectURIs))
	return reg
}

// nextClientNanos returns a value greater than every value it returned
// before, starting from candidate.
func (s *Server) nextClientNanos(candidate int64) int64 {
	for {
		last := s.lastClientID.Load()
		next := candidate
		if next <= last {
			next = last + 1
		}
		if s.lastClientID.CompareAndSwap(last, next) {
			return next
		}
	}
}
