package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"html/template"
	"net/http"
	"net/url"

	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
)

// consentStyle is the only stylesheet on the consent page. Its hash is
// allowed by the page CSP, so any edit changes the header automatically.
const consentStyle = `
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #f4f5f7; color: #1f2328; display: flex; justify-content: center; padding: 3rem 1rem; margin: 0; }
.card { background: #fff; border-radius: 8px; box-shadow: 0 1px 3px rgba(0,0,0,0.12); max-width: 440px; width: 100%; padding: 2rem; }
h1 { font-size: 1.35rem; margin: 0 0 1rem; }
p { line-height: 1.5; margin: 0 0 1rem; }
.client { font-family: ui-monospace, SFMono-Regular, Menlo, monospace; background: #f0f2f4; padding: 0 0.25rem; border-radius: 4px; }
ul { padding-left: 1.25rem; margin: 0 0 1.5rem; }
li { margin-bottom: 0.25rem; }
.actions { display: flex; gap: 0.75rem; justify-content: flex-end; }
button { font-size: 1rem; border-radius: 6px; padding: 0.6rem 1.25rem; cursor: pointer; border: 1px solid #d0d7de; background: #f6f8fa; }
button.primary { background: #1f6feb; color: #fff; border-color: #1f6feb; }
.muted { color: #656d76; font-size: 0.875rem; }
`

const consentTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Title}}</title>
<style>{{.Style}}</style>
</head>
<body>
<div class="card">
<h1>{{.Title}}</h1>
<p><span class="client">{{.ClientID}}</span>{{if .ClientHost}} at {{.ClientHost}}{{end}} wants to access {{.ServiceName}} as <strong>{{.Email}}</strong>.</p>
<p class="muted">Resource: {{.Audience}}</p>
<p>It is asking for:</p>
<ul>
{{range .Scopes}}<li>{{.}}</li>
{{end}}</ul>
<form method="post" action="{{.Action}}">
<input type="hidden" name="consent_ticket" value="{{.Ticket}}">
<div class="actions">
<button type="submit" name="decision" value="deny">Deny</button>
<button type="submit" name="decision" value="approve" class="primary">Approve</button>
</div>
</form>
</div>
</body>
</html>`

var (
	consentTmpl = template.Must(template.New("consent").Parse(consentTemplate))

	// consentStyleHash is the CSP source expression for consentStyle.
	consentStyleHash = func() string {
		sum := sha256.Sum256([]byte(consentStyle))
		return "sha256-" + base64.StdEncoding.EncodeToString(sum[:])
	}()
)

// serveConsentPage renders the consent page for a pending authorization.
func (h *Handler) serveConsentPage(w http.ResponseWriter, r *http.Request, c server.Consent) {
	email := ""
	if c.User != nil {
		email = c.User.Email
		if email == "" {
			email = c.User.ID
		}
	}

	data := struct {
		consentPageData
		Style template.CSS
	}{
		consentPageData: consentPageData{
			Title:       defaultConsentPageTitle,
			ServiceName: h.config.ServiceName,
			ClientID:    c.Request.ClientID,
			ClientHost:  redirectHost(c.Request.RedirectURI),
			Email:       email,
			Audience:    c.Audience,
			Scopes:      c.Scopes,
			Ticket:      c.Ticket,
			Action:      server.PathAuthorize,
		},
		Style: template.CSS(consentStyle), //nolint:gosec // static stylesheet
	}

	security.SetPageSecurityHeaders(w, h.server.Issuer(), consentStyleHash, h.consentFormTargets(c.Request.RedirectURI)...)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := consentTmpl.Execute(w, data); err != nil {
		h.logger.Error("Failed to render consent page",
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
	}
}

// consentFormTargets lists where the consent form submission may be
// redirected: the client's redirect URI and, for the browser bridge, the
// native deep link the bridge forwards to.
func (h *Handler) consentFormTargets(redirectURI string) []string {
	targets := []string{redirectURI}
	if redirectURI == h.server.Issuer()+server.PathCallback {
		targets = append(targets, h.server.Config.NativeCallbackURI)
	}
	return targets
}

// redirectHost is the host shown to the user, or the scheme for a native
// deep link.
func redirectHost(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return ""
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return u.Host
	}
	return u.Scheme + ":"
}
