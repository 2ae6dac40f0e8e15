package session

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusClosed  Status = "closed"
)

// Owner identifies who a session is opened for. Credential is the decrypted
// backend credential and never leaves process memory.
type Owner struct {
	Key        string
	Credential string
}

// Flags are passed through to backend session creation.
type Flags struct {
	DirectPayment bool
	Failover      bool
}

// Session is a backend session bound to one credential and one model.
type Session struct {
	ID           string    `json:"id"`
	OwnerFP      string    `json:"owner"`
	CredentialFP string    `json:"credential"`
	ModelID      string    `json:"model_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Status       Status    `json:"status"`
}

// usable reports whether the session can still take requests at now, keeping
// margin in reserve so a request does not race the backend's own timer.
func (s *Session) usable(now time.Time, margin time.Duration) bool {
	return s.Status == StatusActive && now.Before(s.ExpiresAt.Add(-margin))
}
