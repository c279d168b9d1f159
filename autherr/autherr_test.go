package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindPublic(t *testing.T) {
	tests := []struct {
		kind Kind
		want Kind
	}{
		{KindInvalidToken, KindUnauthorized},
		{KindExpiredToken, KindUnauthorized},
		{KindRevokedToken, KindUnauthorized},
		{KindAudienceMismatch, KindUnauthorized},
		{KindInvalidGrant, KindInvalidGrant},
		{KindValidation, KindValidation},
		{KindConfiguration, KindConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.Public(); got != tt.want {
				t.Errorf("Public() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConstructorsStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		status int
		code   string
	}{
		{"configuration", Configuration("base url not set"), http.StatusInternalServerError, CodeServerError},
		{"validation", Validation("redirect_uri", "redirect_uri is required"), http.StatusBadRequest, CodeInvalidRequest},
		{"unauthorized", Unauthorized(), http.StatusUnauthorized, "Unauthorized"},
		{"invalid grant", InvalidGrant("code is invalid"), http.StatusBadRequest, CodeInvalidGrant},
		{"expired", ExpiredToken(), http.StatusUnauthorized, CodeInvalidToken},
		{"revoked", RevokedToken(), http.StatusUnauthorized, CodeInvalidToken},
		{"audience", AudienceMismatch([]string{"a"}, "b"), http.StatusUnauthorized, CodeInvalidToken},
		{"server", Server(errors.New("boom")), http.StatusInternalServerError, CodeServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Status != tt.status {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.status)
			}
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
		})
	}
}

func TestValidationNamesField(t *testing.T) {
	err := Validation("code_verifier", "code_verifier is required")
	if err.Field != "code_verifier" {
		t.Errorf("Field = %q, want %q", err.Field, "code_verifier")
	}
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("exchange: %w", InvalidGrant("consumed"))
	if !Is(err, KindInvalidGrant) {
		t.Errorf("Is(wrapped, KindInvalidGrant) = false, want true")
	}
	if KindOf(errors.New("plain")) != KindServer {
		t.Errorf("KindOf(plain) should be KindServer")
	}
	if Is(nil, KindServer) {
		t.Errorf("Is(nil) should be false")
	}
}

func TestServerHidesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Server(cause)
	if err.Description != "internal server error" {
		t.Errorf("Description = %q, leaks detail", err.Description)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause should be reachable through Unwrap")
	}
}

func TestAsWrapsForeignErrors(t *testing.T) {
	e := As(errors.New("disk full"))
	if e.Kind != KindServer {
		t.Errorf("Kind = %v, want %v", e.Kind, KindServer)
	}
	orig := InvalidScope("unknown scope")
	if As(orig) != orig {
		t.Errorf("As should return the taxonomy error unchanged")
	}
}
