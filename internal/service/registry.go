package service

import (
	"context"
	"errors"
	"sync"

	"github.com/telefleet/telefleet/internal/models"
	"github.com/telefleet/telefleet/internal/repository"
	"github.com/telefleet/telefleet/internal/telegram"
	"github.com/telefleet/telefleet/pkg/database"
	"github.com/telefleet/telefleet/pkg/logger"
)

// SessionRegistry owns the cache of live worker connections. It lazily dials
// from the stored session string and demotes an account to logged-out when
// the credential no longer authorizes.
//
// Each account entry carries its own lock: a connection serves at most one
// in-flight remote call, even when two tasks share the account.
type SessionRegistry struct {
	repo    repository.OwnerRepository
	dialer  telegram.Dialer
	metrics *Metrics
	log     logger.Logger

	mu      sync.Mutex
	entries map[int]*sessionEntry
	closed  bool
}

type sessionEntry struct {
	mu     sync.Mutex
	client telegram.Client
}

func NewSessionRegistry(repo repository.OwnerRepository, dialer telegram.Dialer, metrics *Metrics, log logger.Logger) *SessionRegistry {
	return &SessionRegistry{
		repo:    repo,
		dialer:  dialer,
		metrics: metrics,
		log:     log,
		entries: make(map[int]*sessionEntry),
	}
}

// Acquire returns the live connection for the account with its per-account
// lock held; release must be called once the caller's remote calls finish.
// A nil client with a nil error means the account cannot currently produce a
// connection and should be skipped this cycle.
func (r *SessionRegistry) Acquire(ctx context.Context, accountID int) (telegram.Client, func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, errors.New("session registry closed")
	}
	entry, ok := r.entries[accountID]
	if !ok {
		entry = &sessionEntry{}
		r.entries[accountID] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	if entry.client != nil {
		return entry.client, entry.mu.Unlock, nil
	}

	client, err := r.connect(ctx, accountID)
	if err != nil {
		entry.mu.Unlock()
		return nil, nil, err
	}
	if client == nil {
		entry.mu.Unlock()
		return nil, nil, nil
	}

	entry.client = client
	return client, entry.mu.Unlock, nil
}

// connect dials a fresh session for the account. Returns (nil, nil) when the
// account is not connectable; the demotion has already been persisted.
func (r *SessionRegistry) connect(ctx context.Context, accountID int) (telegram.Client, error) {
	owner, err := r.repo.FindAccountOwner(ctx, accountID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			r.log.Warn("no owner record for account", logger.F("account_id", accountID))
			return nil, nil
		}
		return nil, err
	}

	var account *models.WorkerAccount
	for i := range owner.Accounts {
		if owner.Accounts[i].AccountID == accountID {
			account = &owner.Accounts[i]
			break
		}
	}
	if account == nil || account.SessionString == "" {
		r.log.Warn("no session string for account", logger.F("account_id", accountID))
		r.demote(ctx, owner.ChatID, accountID)
		return nil, nil
	}

	client, err := r.dialer.Dial(ctx, account.SessionString)
	if err != nil {
		if errors.Is(err, telegram.ErrUnauthorized) {
			r.log.Warn("session no longer authorized, marking logged out",
				logger.F("account_id", accountID))
		} else {
			r.log.Error("failed to connect account",
				logger.F("account_id", accountID), logger.F("error", err.Error()))
		}
		r.demote(ctx, owner.ChatID, accountID)
		return nil, nil
	}

	r.log.Info("worker session connected",
		logger.F("account_id", accountID), logger.F("self_id", client.SelfID()))
	return client, nil
}

// demote persists logged_in=false. The ban flag is cleared as well: a session
// that cannot authorize carries no meaningful ban state, and a stale ban flag
// would survive a future re-login otherwise.
func (r *SessionRegistry) demote(ctx context.Context, ownerID int64, accountID int) {
	loggedIn := false
	banned := false
	if err := r.repo.UpdateAccount(ctx, ownerID, accountID, models.AccountUpdate{
		LoggedIn:        &loggedIn,
		BannedForAdding: &banned,
	}); err != nil {
		r.log.Error("failed to persist account demotion",
			logger.F("account_id", accountID), logger.F("error", err.Error()))
	}
	r.metrics.ObserveDemotion()
}

// Invalidate drops the cached connection for an account, closing it if live.
func (r *SessionRegistry) Invalidate(accountID int) {
	r.mu.Lock()
	entry, ok := r.entries[accountID]
	if ok {
		delete(r.entries, accountID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.client != nil {
		if err := entry.client.Close(); err != nil {
			r.log.Warn("failed to close connection",
				logger.F("account_id", accountID), logger.F("error", err.Error()))
		}
		entry.client = nil
	}
}

// CloseAll tears the registry down. Waits for in-flight calls to release
// their entries before closing each connection.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[int]*sessionEntry)
	r.mu.Unlock()

	for accountID, entry := range entries {
		entry.mu.Lock()
		if entry.client != nil {
			if err := entry.client.Close(); err != nil {
				r.log.Warn("failed to close connection",
					logger.F("account_id", accountID), logger.F("error", err.Error()))
			}
			entry.client = nil
		}
		entry.mu.Unlock()
	}
}
