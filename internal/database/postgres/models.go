package postgres

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// MiningKey is a credential issued to an account. Only the blake3 digest of
// the key is stored.
type MiningKey struct {
	ID         uuid.UUID  `db:"id"`
	AccountID  uuid.UUID  `db:"account_id"`
	Label      string     `db:"label"`
	KeyDigest  []byte     `db:"key_digest"`
	Revoked    bool       `db:"revoked"`
	Active     bool       `db:"active"`
	CreatedAt  time.Time  `db:"created_at"`
	LastSeenAt *time.Time `db:"last_seen_at"`
}

// Device is the host a mining key last connected from.
type Device struct {
	KeyDigest   []byte    `db:"key_digest"`
	OS          string    `db:"os"`
	CPUModel    string    `db:"cpu_model"`
	RAMGB       int64     `db:"ram_gb"`
	FirstSeenAt time.Time `db:"first_seen_at"`
	LastSeenAt  time.Time `db:"last_seen_at"`
}

// Submission is one judged solution.
type Submission struct {
	ID          uuid.UUID `db:"id"`
	ShareID     string    `db:"share_id"`
	AccountID   uuid.UUID `db:"account_id"`
	Target      string    `db:"target"`
	Commit      []byte    `db:"commitment"`
	Digest      []byte    `db:"digest"`
	Accepted    bool      `db:"accepted"`
	Reason      string    `db:"reason"`
	SubmittedAt time.Time `db:"submitted_at"`
}

// SubmissionStats aggregates an account's submissions.
type SubmissionStats struct {
	AccountID uuid.UUID  `db:"account_id"`
	Accepted  int64      `db:"accepted"`
	Rejected  int64      `db:"rejected"`
	Network   int64      `db:"network"`
	LastAt    *time.Time `db:"last_at"`
}
