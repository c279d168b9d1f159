package oauth

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/giantswarm/mcp-authserver/authn"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
)

// Router returns a router with every OAuth, maintenance and health route.
// Protected resources are added with Protect.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(security.RequestIDMiddleware, h.recoverMiddleware, h.metricsMiddleware)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusNotFound, server.ErrorResponse{Error: "not_found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusMethodNotAllowed, server.ErrorResponse{Error: "method_not_allowed"})
	})

	get := []string{http.MethodGet, http.MethodOptions}
	post := []string{http.MethodPost, http.MethodOptions}

	r.Handle(server.PathAuthorizationServerMetadata, h.cors(h.ServeAuthorizationServerMetadata)).Methods(get...)
	r.Handle(server.PathProtectedResourceMetadata, h.cors(h.ServeProtectedResourceMetadata)).Methods(get...)
	r.PathPrefix(server.PathProtectedResourceMetadata+"/").Handler(h.cors(h.ServeProtectedResourceMetadata)).Methods(get...)

	r.Handle(server.PathRegister, h.cors(h.limited("register", h.ServeClientRegistration))).Methods(post...)
	r.Handle(server.PathAuthorize, h.limited("authorize", h.ServeAuthorization)).Methods(http.MethodGet, http.MethodPost)
	r.Handle(server.PathToken, h.cors(h.limited("token", h.ServeToken))).Methods(post...)
	r.Handle(server.PathRevoke, h.cors(h.limited("revoke", h.ServeTokenRevocation))).Methods(post...)
	r.HandleFunc(server.PathCallback, h.ServeCallback).Methods(http.MethodGet)

	r.HandleFunc(h.config.MaintenancePath, h.ServeCleanup).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc(DefaultHealthPath, h.ServeHealth).Methods(http.MethodGet)
	return r
}

// Protect mounts next at path and below it, behind RequireAuth.
func (h *Handler) Protect(r *mux.Router, path string, next http.Handler) {
	protected := h.RequireAuth(next)
	r.Handle(path, protected)
	r.PathPrefix(path + "/").Handler(protected)
}

// RequireAuth only lets requests through that the authenticator resolves to
// a user. Others get 401 with a WWW-Authenticate challenge pointing at the
// resource metadata.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.authenticator.Authenticate(r)
		if err != nil || user == nil {
			h.writeUnauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(authn.WithUser(r.Context(), user)))
	})
}

// UserFromContext returns the user RequireAuth stored in ctx.
func UserFromContext(ctx context.Context) (*authn.User, bool) {
	return authn.UserFromContext(ctx)
}

// limited applies the per-IP rate limit to an endpoint.
func (h *Handler) limited(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	if h.rateLimiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)
		if !h.rateLimiter.Allow(clientIP) {
			h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
			h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), endpoint)
			w.Header().Set("Retry-After", "1")
			h.writeJSON(w, http.StatusTooManyRequests, server.ErrorResponse{
				Error:            "rate_limit_exceeded",
				ErrorDescription: "too many requests",
			})
			return
		}
		next(w, r)
	}
}

// cors sets CORS headers for allowed origins and answers preflight requests.
func (h *Handler) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo the origin rather than "*" so credentials can be allowed.
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int(h.config.CORS.MaxAge.Seconds())))
}

func (h *Handler) isAllowedOrigin(origin string) bool {
	return slices.Contains(h.config.CORS.AllowedOrigins, "*") ||
		slices.Contains(h.config.CORS.AllowedOrigins, origin)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// metricsMiddleware records one HTTP request metric per call, labelled by
// the route template rather than the raw path.
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		h.server.Instrumentation.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint,
			rec.status, float64(time.Since(start).Microseconds())/1000)
	})
}
