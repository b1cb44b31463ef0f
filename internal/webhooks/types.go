// Package webhooks turns inbound HTTP requests into function executions.
package webhooks

import "time"

// Endpoint is a registered webhook. Path is stored without surrounding
// slashes and is matched under /webhooks/.
type Endpoint struct {
	ID           string        `json:"id"`
	Path         string        `json:"path"`
	Function     string        `json:"function"`
	Methods      []string      `json:"methods"`
	Verification *Verification `json:"verification,omitempty"`
	Condition    string        `json:"condition,omitempty"`
	Async        bool          `json:"async"`
	Active       bool          `json:"active"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Verification configures request signature checks.
type Verification struct {
	Type        string `json:"type"`   // hmac-sha1, hmac-sha256 or hmac-sha512
	Header      string `json:"header"` // e.g. "X-Hub-Signature-256"
	Secret      string `json:"secret"`
	SkipInvalid bool   `json:"skip_invalid"` // pass the result to the function instead of rejecting with 401
}
