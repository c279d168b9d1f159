package server

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/mcp-authserver/providers"
)

// TypeConsentTicket is the JOSE typ header of consent tickets. It keeps a
// ticket from ever passing as an access token.
const TypeConsentTicket = "consent+jwt"

// consentClaims carry a validated authorization request across the consent
// page round trip.
type consentClaims struct {
	jwt.RegisteredClaims
	Request AuthorizeRequest `json:"req"`
}

// issueConsentTicket signs req for user. The ticket expires after
// Config.ConsentTicketTTL.
func (s *Server) issueConsentTicket(req AuthorizeRequest, user *providers.UserInfo) (string, error) {
	now := s.now()
	claims := &consentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.Issuer(),
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{s.Issuer() + PathAuthorize},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.Config.ConsentTicketTTL)),
		},
		Request: req,
	}
	return s.signer.Sign(TypeConsentTicket, claims)
}

// parseConsentTicket verifies a ticket and returns the request it carries
// and the id of the user it was issued to.
func (s *Server) parseConsentTicket(raw string) (AuthorizeRequest, string, error) {
	claims := &consentClaims{}
	err := s.verifier.Parse(raw, TypeConsentTicket, claims,
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.Issuer()),
		jwt.WithAudience(s.Issuer()+PathAuthorize),
		jwt.WithLeeway(s.Config.ClockSkew),
	)
	if err != nil {
		return AuthorizeRequest{}, "", fmt.Errorf("invalid consent ticket: %w", err)
	}
	if claims.Subject == "" {
		return AuthorizeRequest{}, "", fmt.Errorf("invalid consent ticket: no subject")
	}
	return claims.Request, claims.Subject, nil
}
