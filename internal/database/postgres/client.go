// Package postgres stores mining keys, devices and submissions for the pool.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"

	"github.com/bardlex/quarry/pkg/errors"
	"github.com/bardlex/quarry/pkg/retry"
)

const pingTimeout = 5 * time.Second

// Client owns the pool's connection to PostgreSQL.
type Client struct {
	db *sql.DB
}

// Config describes the server and the connection pool.
type Config struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration

	// Connect governs how long NewClient waits for the server to come up.
	// Nil uses retry.DatabaseConfig.
	Connect *retry.Config
}

// DSN renders the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode)
}

// NewClient opens the pool and waits until the server answers a ping.
// Ping failures are retried, so the pool can start alongside its database.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_open", "failed to open database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	connect := cfg.Connect
	if connect == nil {
		connect = retry.DatabaseConfig()
	}
	c := &Client{db: db}
	err = retry.Do(ctx, connect, func() error {
		if err := c.ping(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "postgres_ping", "database not reachable")
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connect", "failed to connect to database").
			WithContext("host", cfg.Host).
			WithContext("database", cfg.Database)
	}
	return c, nil
}

func (c *Client) ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.db.PingContext(pctx)
}

// Close releases every pooled connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	if err := c.ping(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_health", "database unhealthy")
	}
	return nil
}

// Stats reports connection pool usage.
func (c *Client) Stats() sql.DBStats {
	return c.db.Stats()
}

// DB exposes the handle for migrations and repositories.
func (c *Client) DB() *sql.DB {
	return c.db
}
