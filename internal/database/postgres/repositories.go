package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = stderrors.New("postgres: not found")

// MiningKeyRepository handles mining key operations.
type MiningKeyRepository struct {
	db *sql.DB
}

// NewMiningKeyRepository creates a new mining key repository
func NewMiningKeyRepository(db *sql.DB) *MiningKeyRepository {
	return &MiningKeyRepository{db: db}
}

// Create stores a new key. ID and CreatedAt are filled in.
func (r *MiningKeyRepository) Create(ctx context.Context, key *MiningKey) error {
	query := `
		INSERT INTO mining_keys (account_id, label, key_digest, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	now := time.Now().UTC()
	if err := r.db.QueryRowContext(ctx, query,
		key.AccountID, key.Label, key.KeyDigest, key.Revoked, now,
	).Scan(&key.ID); err != nil {
		return fmt.Errorf("failed to create mining key: %w", err)
	}
	key.CreatedAt = now
	return nil
}

// GetByDigest retrieves a key by the digest of its secret.
func (r *MiningKeyRepository) GetByDigest(ctx context.Context, digest []byte) (*MiningKey, error) {
	query := `
		SELECT id, account_id, label, key_digest, revoked, active, created_at, last_seen_at
		FROM mining_keys WHERE key_digest = $1`

	key := &MiningKey{}
	err := r.db.QueryRowContext(ctx, query, digest).Scan(
		&key.ID, &key.AccountID, &key.Label, &key.KeyDigest,
		&key.Revoked, &key.Active, &key.CreatedAt, &key.LastSeenAt,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get mining key: %w", err)
	}
	return key, nil
}

// SetActive flags a key as connected or not and stamps last_seen_at.
func (r *MiningKeyRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `UPDATE mining_keys SET active = $1, last_seen_at = $2 WHERE id = $3`
	if _, err := r.db.ExecContext(ctx, query, active, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update mining key: %w", err)
	}
	return nil
}

// DeviceRepository handles device operations.
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Upsert records dev, keeping the original first_seen_at.
func (r *DeviceRepository) Upsert(ctx context.Context, dev *Device) error {
	query := `
		INSERT INTO devices (key_digest, os, cpu_model, ram_gb, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (key_digest) DO UPDATE
		SET os = EXCLUDED.os, cpu_model = EXCLUDED.cpu_model, ram_gb = EXCLUDED.ram_gb,
		    last_seen_at = EXCLUDED.last_seen_at
		RETURNING first_seen_at, last_seen_at`

	now := time.Now().UTC()
	if err := r.db.QueryRowContext(ctx, query,
		dev.KeyDigest, dev.OS, dev.CPUModel, dev.RAMGB, now,
	).Scan(&dev.FirstSeenAt, &dev.LastSeenAt); err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// SubmissionRepository handles submission operations.
type SubmissionRepository struct {
	db *sql.DB
}

// NewSubmissionRepository creates a new submission repository
func NewSubmissionRepository(db *sql.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// Create stores a judged submission.
func (r *SubmissionRepository) Create(ctx context.Context, sub *Submission) error {
	query := `
		INSERT INTO submissions (share_id, account_id, target, commitment, digest, accepted, reason, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	if err := r.db.QueryRowContext(ctx, query,
		sub.ShareID, sub.AccountID, sub.Target, sub.Commit, sub.Digest,
		sub.Accepted, sub.Reason, sub.SubmittedAt,
	).Scan(&sub.ID); err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

// StatsSince aggregates an account's submissions from since onwards.
func (r *SubmissionRepository) StatsSince(ctx context.Context, accountID uuid.UUID, since time.Time) (*SubmissionStats, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE accepted),
		       COUNT(*) FILTER (WHERE NOT accepted),
		       COUNT(*) FILTER (WHERE accepted AND target = 'network'),
		       MAX(submitted_at)
		FROM submissions
		WHERE account_id = $1 AND submitted_at >= $2`

	stats := &SubmissionStats{AccountID: accountID}
	if err := r.db.QueryRowContext(ctx, query, accountID, since).Scan(
		&stats.Accepted, &stats.Rejected, &stats.Network, &stats.LastAt,
	); err != nil {
		return nil, fmt.Errorf("failed to aggregate submissions: %w", err)
	}
	return stats, nil
}
