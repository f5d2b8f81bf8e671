// Package registry implements the process-wide account registry (C8): the
// one legitimate piece of global state in this system, owning the
// {account_id -> Session} map and the lifecycle operations admin requests
// use to create, enable, disable, and remove accounts.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resale-agent/internal/session"
	"github.com/adred-codev/resale-agent/internal/store"
)

// Factory builds a fresh, unstarted Session for an account. The engine
// supplies this so the registry never needs to know how a Session's
// signed-API client, token refresh callback, or frame handler are wired.
type Factory func(accountID, ownerID, cookieBlob string) *session.Session

type entry struct {
	sess    *session.Session
	cancel  context.CancelFunc
	ownerID string
}

// Registry owns the account_id -> Session map. One write lock guards the
// map itself; per-account state changes (enable/disable) go through the
// Session's own State/Disable, which are independently safe for concurrent
// callers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	store   *store.Store
	factory Factory
	logger  zerolog.Logger
	baseCtx context.Context
}

// New constructs an empty Registry. Call ReloadFromDB to start sessions for
// every already-enabled account.
func New(baseCtx context.Context, st *store.Store, factory Factory, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		store:    st,
		factory:  factory,
		logger:   logger,
		baseCtx:  baseCtx,
	}
}

// Add persists a new account and starts its Session. If the account already
// has a running Session, Add is a no-op beyond refreshing the stored cookie.
func (r *Registry) Add(accountID, cookieBlob, ownerUserID string) error {
	if err := r.store.SaveCookie(accountID, cookieBlob, ownerUserID); err != nil {
		return fmt.Errorf("registry: add %s: %w", accountID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[accountID]; ok {
		return nil
	}
	r.startLocked(accountID, ownerUserID, cookieBlob)
	return nil
}

// UpdateCookie updates the persisted cookie blob. The running Session picks
// it up at its next API call boundary (apiclient.Client re-reads the
// account's cookie from the store on every Call), so no signal to the
// Session itself is required.
func (r *Registry) UpdateCookie(accountID, cookieBlob string) error {
	acct, err := r.store.GetAccount(accountID)
	if err != nil {
		return fmt.Errorf("registry: update cookie for %s: %w", accountID, err)
	}
	if err := r.store.SaveCookie(accountID, cookieBlob, acct.OwnerUserID); err != nil {
		return fmt.Errorf("registry: update cookie for %s: %w", accountID, err)
	}
	return nil
}

// Enable idempotently starts the account's Session if it isn't already
// running.
func (r *Registry) Enable(accountID string) error {
	acct, err := r.store.GetAccount(accountID)
	if err != nil {
		return fmt.Errorf("registry: enable %s: %w", accountID, err)
	}
	if err := r.store.SetEnabled(accountID, true); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[accountID]; ok {
		return nil
	}
	r.startLocked(accountID, acct.OwnerUserID, acct.CookieBlob)
	return nil
}

// Disable idempotently stops the account's Session. The Session transitions
// to Stopped on its own loop, there's no need to wait for it here.
func (r *Registry) Disable(accountID string) error {
	if err := r.store.SetEnabled(accountID, false); err != nil {
		return fmt.Errorf("registry: disable %s: %w", accountID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(accountID)
	return nil
}

// Remove disables the account's Session and deletes it from the store.
func (r *Registry) Remove(accountID string) error {
	r.mu.Lock()
	r.stopLocked(accountID)
	r.mu.Unlock()

	if err := r.store.RemoveAccount(accountID); err != nil {
		return fmt.Errorf("registry: remove %s: %w", accountID, err)
	}
	return nil
}

// ReloadFromDB diffs the store's enabled accounts against currently running
// Sessions: it starts Sessions for newly-enabled accounts and stops Sessions
// for accounts that are now disabled or gone. Intended for use after a bulk
// store change such as a backup restore.
func (r *Registry) ReloadFromDB() error {
	enabled, err := r.store.ListEnabledAccounts()
	if err != nil {
		return fmt.Errorf("registry: reload: %w", err)
	}
	want := make(map[string]store.Account, len(enabled))
	for _, a := range enabled {
		want[a.ID] = a
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.sessions {
		if _, ok := want[id]; !ok {
			r.stopLocked(id)
		}
	}
	for id, acct := range want {
		if _, ok := r.sessions[id]; !ok {
			r.startLocked(id, acct.OwnerUserID, acct.CookieBlob)
		}
	}
	return nil
}

// GetStatus reports the account's stored enabled flag; it does not check
// whether a session is registered. ok is false if the account has no entry
// in the store at all.
func (r *Registry) GetStatus(accountID string) (enabled bool, ok bool) {
	acct, err := r.store.GetAccount(accountID)
	if err != nil {
		return false, false
	}
	return acct.Enabled, true
}

// startLocked must be called with r.mu held.
func (r *Registry) startLocked(accountID, ownerID, cookieBlob string) {
	sess := r.factory(accountID, ownerID, cookieBlob)
	ctx, cancel := context.WithCancel(r.baseCtx)
	r.sessions[accountID] = &entry{sess: sess, cancel: cancel, ownerID: ownerID}
	go sess.Run(ctx)
	r.logger.Info().Str("account_id", accountID).Msg("registry: session started")
}

// stopLocked must be called with r.mu held. Stopping an account that has no
// running Session is a no-op, matching the idempotency the spec requires.
func (r *Registry) stopLocked(accountID string) {
	e, ok := r.sessions[accountID]
	if !ok {
		return
	}
	e.sess.Disable()
	e.cancel()
	delete(r.sessions, accountID)
	r.logger.Info().Str("account_id", accountID).Msg("registry: session stopped")
}

// Count returns the number of currently-registered Sessions, regardless of
// their individual state. Used by the health surface.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Statuses returns a snapshot of account_id -> Session.State for every
// registered account, for the admin status surface.
func (r *Registry) Statuses() map[string]session.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]session.State, len(r.sessions))
	for id, e := range r.sessions {
		out[id] = e.sess.State()
	}
	return out
}
