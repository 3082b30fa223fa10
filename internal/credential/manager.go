// Package credential resolves the mining key a miner authenticates with.
package credential

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bardlex/quarry/pkg/errors"
	"github.com/bardlex/quarry/pkg/log"
)

// Options are the user-supplied credential sources.
type Options struct {
	// Key is an explicit mining key.
	Key string
	// AccountToken is exchanged for a key when none is stored.
	AccountToken string
	// APIURL is the account API base URL.
	APIURL string
}

// Validate requires exactly one of Key and AccountToken.
func (o Options) Validate() error {
	switch {
	case o.Key != "" && o.AccountToken != "":
		return errors.New(errors.ErrorTypeValidation, "credential_options", "cannot specify both a key and an account token")
	case o.Key == "" && o.AccountToken == "":
		return errors.New(errors.ErrorTypeValidation, "credential_options", "either a key or an account token must be provided")
	}
	return nil
}

// Manager resolves keys from the explicit option, the store, or the API.
type Manager struct {
	store     *Store
	exchanger *Exchanger
	logger    *log.Logger
	now       func() time.Time
	hostname  func() (string, error)
}

// NewManager creates a manager.
func NewManager(store *Store, exchanger *Exchanger, logger *log.Logger) *Manager {
	return &Manager{
		store:     store,
		exchanger: exchanger,
		logger:    logger.WithComponent("credential"),
		now:       time.Now,
		hostname:  os.Hostname,
	}
}

// Resolve returns the key to authenticate with. An explicit key wins; then
// a stored key; otherwise the account token is exchanged for a new key,
// which is stored for next time.
func (m *Manager) Resolve(ctx context.Context, opts Options) (string, error) {
	if opts.Key != "" {
		m.logger.Info("using mining key from command line")
		return opts.Key, nil
	}

	key, ok, err := m.store.Load()
	if err != nil {
		m.logger.WithError(err).Warn("ignoring unreadable key file", "path", m.store.Path())
	}
	if ok {
		m.logger.Info("using stored mining key", "path", m.store.Path())
		return key, nil
	}

	if opts.AccountToken == "" {
		return "", errors.New(errors.ErrorTypeValidation, "resolve_key", "account token is required when no key is stored")
	}
	if err := m.checkExpiry(opts.AccountToken); err != nil {
		return "", err
	}

	m.logger.Info("no stored mining key, creating one with the account token")
	key, err = m.exchanger.CreateMiningKey(ctx, opts.AccountToken, m.nickname())
	if err != nil {
		return "", err
	}
	if err := m.store.Save(key); err != nil {
		return "", err
	}
	m.logger.Info("created and stored mining key", "path", m.store.Path())
	return key, nil
}

// Clear removes the stored key.
func (m *Manager) Clear() error {
	if err := m.store.Delete(); err != nil {
		return err
	}
	m.logger.Info("cleared stored mining key", "path", m.store.Path())
	return nil
}

// checkExpiry rejects an account token whose exp claim has passed. Tokens
// that are not JWTs are left for the server to judge.
func (m *Manager) checkExpiry(token string) error {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		m.logger.Debug("account token is not a JWT, skipping local expiry check")
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(m.now()) {
		return errors.New(errors.ErrorTypeValidation, "check_account_token", "account token expired").
			WithContext("expired_at", claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return nil
}

func (m *Manager) nickname() string {
	if host, err := m.hostname(); err == nil {
		if host = strings.TrimSpace(host); host != "" {
			return "miner-" + host
		}
	}
	return fmt.Sprintf("miner-%d", m.now().Unix())
}
