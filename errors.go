package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/giantswarm/mcp-authserver/autherr"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
)

// unauthorizedBody is the body of every 401 from a protected resource or the
// maintenance endpoint. The failure reason is never disclosed.
var unauthorizedBody = map[string]string{"error": "Unauthorized"}

// writeJSON writes body as JSON with the OAuth security headers.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Issuer())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes err as an OAuth error body. Server and configuration
// errors are logged with the request id and answered with a generic 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := autherr.As(err)

	switch e.Kind {
	case autherr.KindServer, autherr.KindConfiguration:
		h.logger.Error("Request failed",
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
		h.writeJSON(w, http.StatusInternalServerError, server.ErrorResponse{
			Error:            autherr.CodeServerError,
			ErrorDescription: "internal server error",
		})
		return
	}

	if e.Status == http.StatusUnauthorized && e.Kind.Public() == autherr.KindUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(r.URL.Path, e.Code))
	}
	h.writeJSON(w, e.Status, server.NewErrorResponse(e))
}

// writeUnauthorized answers a protected-resource request that carried no
// acceptable credential.
func (h *Handler) writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(r.URL.Path, ""))
	h.writeJSON(w, http.StatusUnauthorized, unauthorizedBody)
}

// formatWWWAuthenticate builds an RFC 6750 challenge pointing at the RFC 9728
// metadata of the resource covering requestPath.
func (h *Handler) formatWWWAuthenticate(requestPath, errCode string) string {
	resourcePath := ""
	if aud, ok := h.server.AudienceForPath(requestPath); ok {
		resourcePath = strings.TrimPrefix(aud, h.server.Issuer())
	}

	params := []string{fmt.Sprintf(`resource_metadata="%s"`, quoteEscape(h.server.ResourceMetadataURL(resourcePath)))}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, quoteEscape(errCode)))
	}
	return "Bearer " + strings.Join(params, ", ")
}

// quoteEscape escapes s for an RFC 7230 quoted-string.
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// recoverMiddleware turns a panic into the same generic 500 as any other
// unexpected error.
func (h *Handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.logger.Error("Panic while serving request",
				"path", r.URL.Path,
				"request_id", security.GetRequestID(r.Context()),
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()))
			h.writeError(w, r, autherr.Server(fmt.Errorf("panic: %v", rec)))
		}()
		next.ServeHTTP(w, r)
	})
}
