package accounts

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bardlex/quarry/internal/database/postgres"
	"github.com/bardlex/quarry/internal/database/redis"
	"github.com/bardlex/quarry/internal/messaging"
	"github.com/bardlex/quarry/internal/protocol"
	"github.com/bardlex/quarry/pkg/errors"
	"github.com/bardlex/quarry/pkg/log"
)

var (
	// ErrUnknownKey is returned for a credential with no mining key on file.
	ErrUnknownKey = stderrors.New("unknown mining key")
	// ErrRevokedKey is returned for a key that has been revoked.
	ErrRevokedKey = stderrors.New("mining key revoked")
)

// Authenticator resolves credentials to accounts. Rejected credentials
// cause no writes.
type Authenticator struct {
	keys     KeyStore
	presence PresenceStore
	events   Publisher
	stats    StatsStore
	logger   *log.Logger
	now      func() time.Time

	mu   sync.Mutex
	held map[uuid.UUID]*keyState
}

// keyState tracks one key's sessions. mu serializes the writes that mark the
// key active or inactive so a release never overwrites a newer session.
type keyState struct {
	mu       sync.Mutex
	sessions int
	refs     int // sessions plus in-flight authentications; guarded by Authenticator.mu
}

// NewAuthenticator creates an Authenticator. presence and events may be nil.
// If keys also implements StatsStore, every released session logs a summary
// of what its account submitted.
func NewAuthenticator(keys KeyStore, presence PresenceStore, events Publisher, logger *log.Logger) *Authenticator {
	stats, _ := keys.(StatsStore)
	return &Authenticator{
		keys:     keys,
		presence: presence,
		events:   events,
		stats:    stats,
		logger:   logger.WithComponent("auth"),
		now:      time.Now,
		held:     make(map[uuid.UUID]*keyState),
	}
}

// Authenticate implements protocol.Authenticator.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (protocol.Account, protocol.Guard, error) {
	if credential == "" {
		return protocol.Account{}, nil, errors.Wrap(ErrUnknownKey, errors.ErrorTypeValidation, "authenticate", "empty credential")
	}

	digest := KeyDigest(credential)
	key, err := a.keys.FindKey(ctx, digest)
	switch {
	case stderrors.Is(err, postgres.ErrNotFound):
		return protocol.Account{}, nil, errors.Wrap(ErrUnknownKey, errors.ErrorTypeValidation, "authenticate", "no such key")
	case err != nil:
		return protocol.Account{}, nil, errors.Wrap(err, errors.ErrorTypeDatabase, "authenticate", "key lookup failed")
	case key.Revoked:
		return protocol.Account{}, nil, errors.Wrap(ErrRevokedKey, errors.ErrorTypeValidation, "authenticate", "key revoked").
			WithContext("key_id", key.ID.String())
	}

	keyID := KeyID(digest)
	logger := a.logger.WithFields("account_id", key.AccountID.String(), "key_id", key.ID.String())
	connectedAt := a.now().UTC()

	ks := a.acquire(key.ID)
	ks.mu.Lock()
	if err := a.keys.SetKeyActive(ctx, key.ID, true); err != nil {
		ks.mu.Unlock()
		a.unref(key.ID, ks)
		return protocol.Account{}, nil, errors.Wrap(err, errors.ErrorTypeDatabase, "authenticate", "failed to mark key active")
	}
	ks.sessions++
	sessions := ks.sessions
	if a.presence != nil {
		p := redis.Presence{AccountID: key.AccountID.String(), Label: key.Label, ConnectedAt: connectedAt}
		if err := a.presence.SetPresence(ctx, keyID, p); err != nil {
			logger.WithError(err).Warn("presence not recorded")
		}
	}
	ks.mu.Unlock()

	a.publish(ctx, logger, key, keyID, messaging.EventConnected)

	account := protocol.Account{ID: key.AccountID, Label: key.Label}
	guard := protocol.GuardFunc(func() { a.release(key, ks, keyID, connectedAt, logger) })
	logger.Info("mining key authenticated", "label", key.Label, "sessions", sessions)
	return account, guard, nil
}

// acquire returns key id's state with a reference taken.
func (a *Authenticator) acquire(id uuid.UUID) *keyState {
	a.mu.Lock()
	defer a.mu.Unlock()
	ks, ok := a.held[id]
	if !ok {
		ks = &keyState{}
		a.held[id] = ks
	}
	ks.refs++
	return ks
}

// unref drops a reference and forgets the state once nothing holds it.
func (a *Authenticator) unref(id uuid.UUID, ks *keyState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ks.refs--
	if ks.refs == 0 {
		delete(a.held, id)
	}
}

// release undoes the effects of a successful Authenticate once the last
// session holding key ends.
func (a *Authenticator) release(key *postgres.MiningKey, ks *keyState, keyID string, connectedAt time.Time, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	ks.mu.Lock()
	ks.sessions--
	last := ks.sessions == 0
	if last {
		if err := a.keys.SetKeyActive(ctx, key.ID, false); err != nil {
			logger.WithError(err).Warn("key not marked inactive")
		}
		if a.presence != nil {
			if err := a.presence.ClearPresence(ctx, keyID); err != nil {
				logger.WithError(err).Warn("presence not cleared")
			}
		}
	}
	ks.mu.Unlock()
	a.unref(key.ID, ks)

	a.publish(ctx, logger, key, keyID, messaging.EventDisconnected)
	a.summarize(ctx, logger, key, connectedAt)
	logger.Debug("session released", "last", last)
}

// summarize logs what the account submitted since the session began.
func (a *Authenticator) summarize(ctx context.Context, logger *log.Logger, key *postgres.MiningKey, since time.Time) {
	if a.stats == nil {
		return
	}
	st, err := a.stats.SubmissionStats(ctx, key.AccountID, since)
	if err != nil {
		logger.WithError(err).Debug("session summary unavailable")
		return
	}
	logger.Info("session summary",
		"duration", a.now().UTC().Sub(since).Round(time.Second).String(),
		"accepted", st.Accepted, "rejected", st.Rejected, "network", st.Network)
}

func (a *Authenticator) publish(ctx context.Context, logger *log.Logger, key *postgres.MiningKey, keyID, event string) {
	if a.events == nil {
		return
	}
	msg := messaging.SessionEvent{
		AccountID: key.AccountID.String(),
		KeyDigest: keyID,
		Event:     event,
		At:        a.now().UTC(),
	}
	if err := a.events.PublishJSON(ctx, messaging.TopicSessions, msg.AccountID, msg); err != nil {
		logger.WithError(err).Warn("session event not published", "event", event)
	}
}

// Sessions reports how many sessions currently hold key id.
func (a *Authenticator) Sessions(id uuid.UUID) int {
	a.mu.Lock()
	ks, ok := a.held[id]
	a.mu.Unlock()
	if !ok {
		return 0
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.sessions
}
