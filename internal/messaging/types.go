package messaging

import "time"

// SubmissionMessage is a judged submission published for accounting.
type SubmissionMessage struct {
	ShareID     string    `json:"share_id"`
	AccountID   string    `json:"account_id"`
	KeyDigest   string    `json:"key_digest,omitempty"`
	Target      string    `json:"target"`
	Commit      string    `json:"commit"`
	Digest      string    `json:"digest"`
	ProofSize   int       `json:"proof_size"`
	Accepted    bool      `json:"accepted"`
	Reason      string    `json:"reason,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SessionEvent records an authenticated session starting or ending.
type SessionEvent struct {
	AccountID string    `json:"account_id"`
	KeyDigest string    `json:"key_digest,omitempty"`
	Event     string    `json:"event"` // "connected", "disconnected"
	At        time.Time `json:"at"`
}

// Session event names
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)
