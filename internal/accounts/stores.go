// Package accounts implements the pool side of a session: it authenticates
// mining keys, records the devices they connect from and judges their
// submissions.
package accounts

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/zeebo/blake3"

	"github.com/bardlex/quarry/internal/database/postgres"
	"github.com/bardlex/quarry/internal/database/redis"
	"github.com/bardlex/quarry/internal/validation"
	"github.com/bardlex/quarry/internal/wire"
)

// KeyStore looks up and flags mining keys.
type KeyStore interface {
	FindKey(ctx context.Context, digest []byte) (*postgres.MiningKey, error)
	SetKeyActive(ctx context.Context, id uuid.UUID, active bool) error
}

// StatsStore summarizes an account's submissions.
type StatsStore interface {
	SubmissionStats(ctx context.Context, accountID uuid.UUID, since time.Time) (*postgres.SubmissionStats, error)
}

// PresenceStore publishes which keys hold a session.
type PresenceStore interface {
	SetPresence(ctx context.Context, keyID string, p redis.Presence) error
	ClearPresence(ctx context.Context, keyID string) error
}

// DeviceStore persists device descriptors.
type DeviceStore interface {
	RecordDevice(ctx context.Context, dev *postgres.Device) error
}

// SubmissionStore persists judged submissions.
type SubmissionStore interface {
	RecordSubmission(ctx context.Context, sub *postgres.Submission) error
}

// RateLimiter bounds how often an account may submit.
type RateLimiter interface {
	Allow(ctx context.Context, accountID string, limit int64, window time.Duration) (bool, error)
}

// Publisher sends JSON events to a topic.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Validator judges a submission.
type Validator interface {
	Validate(ctx context.Context, sub wire.Submission) (validation.Result, error)
}

// KeyDigest is the stored form of a mining key.
func KeyDigest(credential string) []byte {
	sum := blake3.Sum256([]byte(credential))
	return sum[:]
}

// KeyID is the printable form of a key digest, used in Redis keys and events.
func KeyID(digest []byte) string {
	return hex.EncodeToString(digest)
}

// releaseTimeout bounds the cleanup a guard does after its session is gone.
const releaseTimeout = 5 * time.Second
