// Package mcpresource serves the protected MCP endpoint. Requests reach it
// only through oauth.RequireAuth, so every tool call runs with an
// authenticated user in its context.
package mcpresource

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-authserver/authn"
)

// ServerName is the name announced during MCP initialization.
const ServerName = "mcp-authserver"

// ToolWhoAmI reports the caller's identity.
const ToolWhoAmI = "whoami"

// Identity is the whoami tool result.
type Identity struct {
	UserID   string   `json:"user_id"`
	Email    string   `json:"email,omitempty"`
	Username string   `json:"username,omitempty"`
	Method   string   `json:"method"`
	ClientID string   `json:"client_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// NewServer builds the MCP server with its tools registered.
func NewServer(version string, logger *slog.Logger) *server.MCPServer {
	if logger == nil {
		logger = slog.Default()
	}

	s := server.NewMCPServer(ServerName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	whoami := mcp.NewTool(ToolWhoAmI,
		mcp.WithDescription("Report the authenticated user behind this MCP session"),
	)
	s.AddTool(whoami, func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleWhoAmI(ctx, logger)
	})
	return s
}

// Handler exposes s over streamable HTTP. It is stateless: each request
// carries its own bearer token, so no MCP session state is kept.
func Handler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s,
		server.WithStateLess(true),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if user, ok := authn.UserFromContext(r.Context()); ok {
				return authn.WithUser(ctx, user)
			}
			return ctx
		}),
	)
}

func handleWhoAmI(ctx context.Context, logger *slog.Logger) (*mcp.CallToolResult, error) {
	user, ok := authn.UserFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("not authenticated"), nil
	}

	data, err := json.Marshal(identityOf(user))
	if err != nil {
		return mcp.NewToolResultError("failed to encode identity"), nil
	}

	logger.Debug("whoami tool called", "method", user.Method, "client_id", user.ClientID)
	return mcp.NewToolResultText(string(data)), nil
}

// IdentityHandler answers every request with the caller's Identity as JSON.
// It backs resource paths that have no MCP server of their own.
func IdentityHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := authn.UserFromContext(r.Context())
		if !ok {
			http.Error(w, "not authenticated", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(identityOf(user))
	})
}

func identityOf(user *authn.User) Identity {
	return Identity{
		UserID:   user.ID,
		Email:    user.Email,
		Username: user.Username,
		Method:   string(user.Method),
		ClientID: user.ClientID,
		Scopes:   user.Scopes,
	}
}
