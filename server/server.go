package server

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/providers"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/token"
)

// tokenIDLogLength is the number of characters of a code or token included in logs.
const tokenIDLogLength = 8

// Server implements the authorization server logic (transport-agnostic).
// It issues codes and tokens against a Store and resolves end users through
// a Provider.
type Server struct {
	provider providers.Provider
	store    storage.Store
	signer   *token.Signer
	verifier *token.Verifier

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	now          func() time.Time
	lastClientID atomic.Int64
}

// New creates a new authorization server. signingKey signs access tokens
// and consent tickets and must be at least token.MinKeyLength bytes.
func New(
	provider providers.Provider,
	store storage.Store,
	signingKey []byte,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	srv := &Server{
		provider:        provider,
		store:           store,
		Config:          config,
		Logger:          logger,
		Auditor:         security.NewAuditor(logger, true),
		Instrumentation: instrumentation.Noop(),
		now:             time.Now,
	}

	signer, err := token.NewSigner(config.BaseURL, signingKey)
	if err != nil {
		return nil, err
	}
	verifier, err := token.NewVerifier(config.BaseURL, signingKey,
		token.WithLeeway(config.ClockSkew),
		token.WithClock(func() time.Time { return srv.now() }),
		token.WithRevocationCheck(store),
	)
	if err != nil {
		return nil, err
	}
	srv.signer = signer
	srv.verifier = verifier

	return srv, nil
}

// SetAuditor sets the security auditor. Nil disables auditing.
func (s *Server) SetAuditor(auditor *security.Auditor) {
	s.Auditor = auditor
}

// SetInstrumentation sets the OpenTelemetry instrumentation.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		inst = instrumentation.Noop()
	}
	s.Instrumentation = inst
}

// SetClock overrides the time source for issuance and verification.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Provider returns the identity provider.
func (s *Server) Provider() providers.Provider {
	return s.provider
}

// Store returns the code and token store.
func (s *Server) Store() storage.Store {
	return s.store
}

// Verifier returns the access-token verifier. It checks revocation against
// the server's store and shares its clock.
func (s *Server) Verifier() *token.Verifier {
	return s.verifier
}

// Issuer is the iss claim of every token and the issuer in metadata.
func (s *Server) Issuer() string {
	return s.Config.BaseURL
}

// DefaultAudience is the resource identifier used when a client names none.
func (s *Server) DefaultAudience() string {
	return s.Config.BaseURL + s.Config.ResourcePaths[0]
}

// Resources returns the identifiers of every protected resource served here.
func (s *Server) Resources() []string {
	out := make([]string, 0, len(s.Config.ResourcePaths))
	for _, p := range s.Config.ResourcePaths {
		out = append(out, s.Config.BaseURL+p)
	}
	return out
}

// AudienceForPath returns the resource identifier covering a request path:
// the longest configured resource path that equals path or is a segment
// prefix of it.
func (s *Server) AudienceForPath(path string) (string, bool) {
	best := ""
	for _, p := range s.Config.ResourcePaths {
		if path != p && !strings.HasPrefix(path, p+"/") {
			continue
		}
		if len(p) > len(best) {
			best = p
		}
	}
	if best == "" {
		return "", false
	}
	return s.Config.BaseURL + best, true
}

// generateRandomToken returns 32 bytes of crypto/rand entropy, base64url
// encoded without padding (43 characters).
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
