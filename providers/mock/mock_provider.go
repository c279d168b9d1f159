// Package mock provides mock implementations of the Provider interface for testing.
package mock

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/giantswarm/mcp-authserver/providers"
)

// SessionCookie is the cookie the default ResolveSessionFunc reads.
const SessionCookie = "mock-session"

// ErrUnknownSession is returned by the default funcs for unknown values.
var ErrUnknownSession = errors.New("mock: unknown session")

// MockProvider is a mock implementation of the Provider interface for testing
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// LoginURLFunc is called when LoginURL() is invoked
	LoginURLFunc func(returnTo string) string

	// ResolveSessionFunc is called when ResolveSession() is invoked
	ResolveSessionFunc func(ctx context.Context, r *http.Request) (*providers.UserInfo, error)

	// ValidateTokenFunc is called when ValidateToken() is invoked
	ValidateTokenFunc func(ctx context.Context, rawToken string) (*providers.UserInfo, error)

	// HealthCheckFunc is called when HealthCheck() is invoked
	HealthCheckFunc func(ctx context.Context) error

	// Sessions maps session cookie values and first-party tokens to users
	// for the default funcs.
	Sessions map[string]*providers.UserInfo

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts and Sessions from concurrent access
	mu sync.RWMutex
}

var _ providers.Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock provider with default implementations.
// The defaults look values up in Sessions.
func NewMockProvider() *MockProvider {
	m := &MockProvider{
		Sessions:   make(map[string]*providers.UserInfo),
		CallCounts: make(map[string]int),
	}
	m.NameFunc = func() string {
		return "mock"
	}
	m.LoginURLFunc = func(returnTo string) string {
		return "https://login.example.com/login?next=" + url.QueryEscape(returnTo)
	}
	m.ResolveSessionFunc = func(_ context.Context, r *http.Request) (*providers.UserInfo, error) {
		c, err := r.Cookie(SessionCookie)
		if err != nil {
			return nil, nil
		}
		return m.lookup(c.Value)
	}
	m.ValidateTokenFunc = func(_ context.Context, rawToken string) (*providers.UserInfo, error) {
		return m.lookup(rawToken)
	}
	m.HealthCheckFunc = func(context.Context) error {
		return nil
	}
	return m
}

// AddSession registers value as a valid session cookie and first-party token.
func (m *MockProvider) AddSession(value string, user *providers.UserInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[value] = user
}

func (m *MockProvider) lookup(value string) (*providers.UserInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.Sessions[value]
	if !ok {
		return nil, ErrUnknownSession
	}
	cp := *user
	return &cp, nil
}

func (m *MockProvider) recordCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// GetCallCount returns how many times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

// Name implements providers.Provider.
func (m *MockProvider) Name() string {
	m.recordCall("Name")
	return m.NameFunc()
}

// LoginURL implements providers.Provider.
func (m *MockProvider) LoginURL(returnTo string) string {
	m.recordCall("LoginURL")
	return m.LoginURLFunc(returnTo)
}

// ResolveSession implements providers.Provider.
func (m *MockProvider) ResolveSession(ctx context.Context, r *http.Request) (*providers.UserInfo, error) {
	m.recordCall("ResolveSession")
	return m.ResolveSessionFunc(ctx, r)
}

// ValidateToken implements providers.Provider.
func (m *MockProvider) ValidateToken(ctx context.Context, rawToken string) (*providers.UserInfo, error) {
	m.recordCall("ValidateToken")
	return m.ValidateTokenFunc(ctx, rawToken)
}

// HealthCheck implements providers.Provider.
func (m *MockProvider) HealthCheck(ctx context.Context) error {
	m.recordCall("HealthCheck")
	return m.HealthCheckFunc(ctx)
}
