// Package database coordinates the pool's stores: PostgreSQL for keys,
// devices and submissions, Redis for presence and duplicate detection, and
// InfluxDB for metrics. Calls to each store go through a circuit breaker.
package database

import (
	"context"
	stderrors "errors"
	"runtime"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bardlex/quarry/internal/database/influx"
	"github.com/bardlex/quarry/internal/database/postgres"
	"github.com/bardlex/quarry/internal/database/redis"
	"github.com/bardlex/quarry/internal/device"
	"github.com/bardlex/quarry/pkg/circuit"
	"github.com/bardlex/quarry/pkg/errors"
	"github.com/bardlex/quarry/pkg/log"
	"github.com/bardlex/quarry/pkg/retry"
)

// DefaultShareTTL is how long a claimed share ID blocks resubmission.
const DefaultShareTTL = 30 * time.Minute

// Manager coordinates all database operations.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client // nil when metrics are disabled

	Keys        *postgres.MiningKeyRepository
	Devices     *postgres.DeviceRepository
	Submissions *postgres.SubmissionRepository

	pgBreaker    *circuit.Breaker
	redisBreaker *circuit.Breaker
	retryConfig  *retry.Config
	shareTTL     time.Duration
	presenceTTL  time.Duration
	logger       *log.Logger
}

// Config holds configuration for all database systems. Influx may be nil.
type Config struct {
	Postgres    *postgres.Config
	Redis       *redis.Config
	Influx      *influx.Config
	ShareTTL    time.Duration
	PresenceTTL time.Duration
}

// NewManager connects to every configured store. Connections already made
// are closed if a later one fails.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	pgClient, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		_ = pgClient.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis")
	}

	var influxClient *influx.Client
	if cfg.Influx != nil && cfg.Influx.URL != "" {
		influxClient, err = influx.NewClient(ctx, cfg.Influx)
		if err != nil {
			_ = pgClient.Close()
			_ = redisClient.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB")
		}
	}

	m := newManager(cfg, logger)
	m.Postgres = pgClient
	m.Redis = redisClient
	m.Influx = influxClient
	m.Keys = postgres.NewMiningKeyRepository(pgClient.DB())
	m.Devices = postgres.NewDeviceRepository(pgClient.DB())
	m.Submissions = postgres.NewSubmissionRepository(pgClient.DB())
	return m, nil
}

func newManager(cfg *Config, logger *log.Logger) *Manager {
	m := &Manager{
		retryConfig: retry.DatabaseConfig(),
		shareTTL:    cfg.ShareTTL,
		presenceTTL: cfg.PresenceTTL,
		logger:      logger.WithComponent("database"),
	}
	if m.shareTTL <= 0 {
		m.shareTTL = DefaultShareTTL
	}
	if m.presenceTTL <= 0 {
		m.presenceTTL = 24 * time.Hour
	}

	pgCfg := circuit.DefaultConfig()
	pgCfg.Name = "postgres"
	m.pgBreaker = circuit.New(pgCfg)

	redisCfg := circuit.DefaultConfig()
	redisCfg.Name = "redis"
	m.redisBreaker = circuit.New(redisCfg)

	for name, b := range map[string]*circuit.Breaker{"postgres": m.pgBreaker, "redis": m.redisBreaker} {
		b.OnStateChange(func(from, to circuit.State) {
			m.logger.Warn("circuit breaker state changed",
				"dependency", name, "from", from.String(), "to", to.String())
		})
	}
	return m
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error
	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, errors.ErrorTypeDatabase, "close", "postgres"))
	}
	if err := m.Redis.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, errors.ErrorTypeDatabase, "close", "redis"))
	}
	if m.Influx != nil {
		m.Influx.Close()
	}
	return stderrors.Join(errs...)
}

// Health checks every store.
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "health", "PostgreSQL health check failed")
	}
	if err := m.Redis.Health(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "health", "Redis health check failed")
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "health", "InfluxDB health check failed")
		}
	}
	return nil
}

// postgresCall runs fn under the Postgres breaker with retries.
func postgresCall[T any](ctx context.Context, m *Manager, op string, fn func() (T, error)) (T, error) {
	return circuit.ExecuteWithResult(ctx, m.pgBreaker, func() (T, error) {
		return retry.DoWithResult(ctx, m.retryConfig, func() (T, error) {
			res, err := fn()
			if err != nil {
				return res, errors.Wrap(err, errors.ErrorTypeDatabase, op, "postgres operation failed")
			}
			return res, nil
		})
	})
}

// FindKey returns the mining key with the given digest, or
// postgres.ErrNotFound. A miss does not count against the breaker.
func (m *Manager) FindKey(ctx context.Context, digest []byte) (*postgres.MiningKey, error) {
	key, err := postgresCall(ctx, m, "find_key", func() (*postgres.MiningKey, error) {
		k, err := m.Keys.GetByDigest(ctx, digest)
		if stderrors.Is(err, postgres.ErrNotFound) {
			return nil, nil
		}
		return k, err
	})
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, postgres.ErrNotFound
	}
	return key, nil
}

// SetKeyActive records whether a key currently holds a session.
func (m *Manager) SetKeyActive(ctx context.Context, id uuid.UUID, active bool) error {
	_, err := postgresCall(ctx, m, "set_key_active", func() (struct{}, error) {
		return struct{}{}, m.Keys.SetActive(ctx, id, active)
	})
	return err
}

// RecordDevice upserts the device a key connected from.
func (m *Manager) RecordDevice(ctx context.Context, dev *postgres.Device) error {
	_, err := postgresCall(ctx, m, "record_device", func() (struct{}, error) {
		return struct{}{}, m.Devices.Upsert(ctx, dev)
	})
	return err
}

// RecordSubmission persists a judged submission and writes its metric. The
// metric is best effort.
func (m *Manager) RecordSubmission(ctx context.Context, sub *postgres.Submission) error {
	_, err := postgresCall(ctx, m, "record_submission", func() (struct{}, error) {
		return struct{}{}, m.Submissions.Create(ctx, sub)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_submission", "failed to store submission").
			WithContext("share_id", sub.ShareID).
			WithContext("account_id", sub.AccountID.String())
	}
	if m.Influx != nil {
		m.Influx.WriteSubmission(sub.AccountID.String(), sub.Target, sub.Accepted, sub.Reason, sub.SubmittedAt)
	}
	return nil
}

// SubmissionStats aggregates accountID's submissions since the given time.
func (m *Manager) SubmissionStats(ctx context.Context, accountID uuid.UUID, since time.Time) (*postgres.SubmissionStats, error) {
	return postgresCall(ctx, m, "submission_stats", func() (*postgres.SubmissionStats, error) {
		return m.Submissions.StatsSince(ctx, accountID, since)
	})
}

// redisCall runs fn under the Redis breaker. Redis state is advisory so
// calls are not retried.
func redisCall[T any](ctx context.Context, m *Manager, op string, fn func() (T, error)) (T, error) {
	return circuit.ExecuteWithResult(ctx, m.redisBreaker, func() (T, error) {
		res, err := fn()
		if err != nil {
			return res, errors.Wrap(err, errors.ErrorTypeDatabase, op, "redis operation failed")
		}
		return res, nil
	})
}

// SetPresence publishes that keyID holds a session.
func (m *Manager) SetPresence(ctx context.Context, keyID string, p redis.Presence) error {
	_, err := redisCall(ctx, m, "set_presence", func() (struct{}, error) {
		return struct{}{}, m.Redis.SetPresence(ctx, keyID, p, m.presenceTTL)
	})
	return err
}

// ClearPresence removes keyID's presence.
func (m *Manager) ClearPresence(ctx context.Context, keyID string) error {
	_, err := redisCall(ctx, m, "clear_presence", func() (struct{}, error) {
		return struct{}{}, m.Redis.ClearPresence(ctx, keyID)
	})
	return err
}

// ConnectedKeys returns how many keys hold a session anywhere in the pool.
func (m *Manager) ConnectedKeys(ctx context.Context) (int64, error) {
	return redisCall(ctx, m, "connected_keys", func() (int64, error) {
		return m.Redis.ConnectedKeys(ctx)
	})
}

// Claim implements validation.DuplicateGuard on Redis SETNX.
func (m *Manager) Claim(ctx context.Context, shareID string) (bool, error) {
	return redisCall(ctx, m, "claim_share", func() (bool, error) {
		return m.Redis.ClaimShare(ctx, shareID, m.shareTTL)
	})
}

// Allow reports whether accountID may submit again within limit per window.
func (m *Manager) Allow(ctx context.Context, accountID string, limit int64, window time.Duration) (bool, error) {
	return redisCall(ctx, m, "rate_limit", func() (bool, error) {
		return m.Redis.CheckRateLimit(ctx, "submit:"+accountID, limit, window)
	})
}

// SaveTemplate stores the encoded current template so a restarted pool can
// serve work before its feed delivers.
func (m *Manager) SaveTemplate(ctx context.Context, encoded []byte) error {
	_, err := redisCall(ctx, m, "save_template", func() (struct{}, error) {
		return struct{}{}, m.Redis.SetCurrentTemplate(ctx, encoded)
	})
	return err
}

// LoadTemplate returns the template stored by SaveTemplate, or
// redis.ErrNotFound.
func (m *Manager) LoadTemplate(ctx context.Context) ([]byte, error) {
	data, err := redisCall(ctx, m, "load_template", func() ([]byte, error) {
		data, err := m.Redis.GetCurrentTemplate(ctx)
		if stderrors.Is(err, redis.ErrNotFound) {
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, redis.ErrNotFound
	}
	return data, nil
}

// StartPeriodicTasks logs pool usage and, with Influx enabled, flushes
// metrics and samples session and host load
// until ctx is done. sessions reports the live session count.
func (m *Manager) StartPeriodicTasks(ctx context.Context, service string, sessions func() int) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := m.Postgres.Stats()
				m.logger.Debug("postgres pool",
					"open", st.OpenConnections, "in_use", st.InUse, "idle", st.Idle, "wait_count", st.WaitCount)
			}
		}
	}()

	if m.Influx == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-m.Influx.Errors():
				if !ok {
					return
				}
				m.logger.WithError(err).Warn("influx write failed")
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				connected, err := m.ConnectedKeys(ctx)
				if err != nil {
					m.logger.WithError(err).Debug("connected key count unavailable")
					connected = -1
				}
				m.Influx.WriteSessions(service, int64(sessions()), connected, now)
				usage, err := device.SampleUsage(ctx, time.Second)
				if err != nil {
					m.logger.WithError(err).Debug("host usage unavailable")
					continue
				}
				m.Influx.WriteSystem(service, usage.CPUPercent, usage.MemoryPercent, runtime.NumGoroutine(), now)
			}
		}
	}()
}
