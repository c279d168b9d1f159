package mcpresource

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/giantswarm/mcp-authserver/authn"
)

type toolCallResponse struct {
	Result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	} `json:"result"`
}

const whoamiCall = `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"whoami","arguments":{}}}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func callWhoAmI(t *testing.T, ctx context.Context) toolCallResponse {
	t.Helper()
	s := NewServer("test", discardLogger())
	msg := s.HandleMessage(ctx, json.RawMessage(whoamiCall))

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var resp toolCallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response %s: %v", raw, err)
	}
	if len(resp.Result.Content) != 1 {
		t.Fatalf("content = %s", raw)
	}
	return resp
}

func TestWhoAmI(t *testing.T) {
	user := &authn.User{
		ID:       "user-1",
		Email:    "user@example.com",
		Method:   authn.MethodBearer,
		ClientID: "mcp-client-1",
		Scopes:   []string{"tasks:read"},
	}
	resp := callWhoAmI(t, authn.WithUser(t.Context(), user))

	if resp.Result.IsError {
		t.Fatalf("tool returned an error: %+v", resp.Result)
	}
	var got Identity
	if err := json.Unmarshal([]byte(resp.Result.Content[0].Text), &got); err != nil {
		t.Fatalf("decode identity: %v", err)
	}
	if got.UserID != "user-1" || got.Email != "user@example.com" || got.Method != "bearer" || got.ClientID != "mcp-client-1" {
		t.Errorf("identity = %+v", got)
	}
	if len(got.Scopes) != 1 || got.Scopes[0] != "tasks:read" {
		t.Errorf("scopes = %v", got.Scopes)
	}
}

func TestWhoAmI_NoUser(t *testing.T) {
	resp := callWhoAmI(t, t.Context())
	if !resp.Result.IsError {
		t.Error("whoami without a user should be a tool error")
	}
	if !strings.Contains(resp.Result.Content[0].Text, "not authenticated") {
		t.Errorf("text = %q", resp.Result.Content[0].Text)
	}
}

func TestHandler_PassesUserThrough(t *testing.T) {
	h := Handler(NewServer("test", discardLogger()))
	user := &authn.User{ID: "user-2", Method: authn.MethodSession}

	req := httptest.NewRequest(http.MethodPost, "/api/mcp", bytes.NewBufferString(whoamiCall))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req = req.WithContext(authn.WithUser(req.Context(), user))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `user-2`) {
		t.Errorf("body does not report the user: %s", w.Body.String())
	}
}

func TestIdentityHandler(t *testing.T) {
	user := &authn.User{ID: "user-3", Method: authn.MethodBearer, ClientID: "client-1", Scopes: []string{"tasks:read"}}
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req = req.WithContext(authn.WithUser(req.Context(), user))

	w := httptest.NewRecorder()
	IdentityHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got Identity
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != "user-3" || got.Method != "bearer" || got.ClientID != "client-1" || len(got.Scopes) != 1 {
		t.Errorf("identity = %+v", got)
	}
}

func TestIdentityHandler_NoUser(t *testing.T) {
	w := httptest.NewRecorder()
	IdentityHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
