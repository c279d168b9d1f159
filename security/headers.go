package security

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// SetSecurityHeaders sets the security headers used on every OAuth response.
// JSON endpoints and redirects load nothing, so the CSP allows nothing.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	setCommonHeaders(w, serverURL)
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	// Cache-Control: Prevent caching of sensitive OAuth responses
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}

// SetPageSecurityHeaders sets headers for the server-rendered consent page.
// The page carries one inline stylesheet identified by styleHash and a form
// that posts back to this origin. The answer to that post is a redirect, and
// form-action also governs redirects, so every URL the submission may end up
// at must be listed in formTargets.
func SetPageSecurityHeaders(w http.ResponseWriter, serverURL, styleHash string, formTargets ...string) {
	setCommonHeaders(w, serverURL)

	formAction := []string{"'self'"}
	for _, target := range formTargets {
		if src := FormActionSource(target); src != "" && !slices.Contains(formAction, src) {
			formAction = append(formAction, src)
		}
	}
	w.Header().Set("Content-Security-Policy",
		"default-src 'none'; style-src '"+styleHash+"'; form-action "+strings.Join(formAction, " ")+
			"; frame-ancestors 'none'; base-uri 'none'")
	w.Header().Set("Cache-Control", "no-store")
}

// FormActionSource returns the CSP source expression matching rawURL: the
// origin for http(s) URLs, the bare scheme ("app:") for deep links. It
// returns "" when rawURL has no usable scheme.
func FormActionSource(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "http" || scheme == "https" {
		if u.Host == "" {
			return ""
		}
		return scheme + "://" + u.Host
	}
	return scheme + ":"
}

func setCommonHeaders(w http.ResponseWriter, serverURL string) {
	// X-Frame-Options: Prevent clickjacking attacks
	w.Header().Set("X-Frame-Options", "DENY")

	// X-Content-Type-Options: Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Referrer-Policy: authorization codes travel in query strings
	w.Header().Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
