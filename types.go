package oauth

import "time"

// CleanupResponse is the body of a successful maintenance cleanup call.
type CleanupResponse struct {
	Success bool `json:"success"`

	// DeletedCount is the number of token rows removed.
	DeletedCount int `json:"deletedCount"`

	// DeletedCodes is the number of expired authorization codes removed.
	DeletedCodes int `json:"deletedCodes"`

	Timestamp time.Time `json:"timestamp"`
}

// CleanupFailure is the body of a failed cleanup call.
type CleanupFailure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider,omitempty"`
}

// consentPageData feeds the consent page template.
type consentPageData struct {
	Title       string
	ServiceName string
	ClientID    string
	ClientHost  string
	Email       string
	Audience    string
	Scopes      []string
	Ticket      string
	Action      string
}
