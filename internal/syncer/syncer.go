// Package syncer pulls remote calendar state into the store, one account at
// a time, behind per-provider circuit breakers and bounded retries. It owns
// the per-account sync status the UI shows.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/openchime/openchime/internal/breaker"
	"github.com/openchime/openchime/internal/calendar"
	"github.com/openchime/openchime/internal/errs"
	"github.com/openchime/openchime/internal/obs"
	"github.com/openchime/openchime/internal/store"
)

var log = obs.Pkg("syncer")

const (
	// retryAttempts bounds provider retries (initial call included).
	retryAttempts = 3
	// retryCeiling caps the total time spent retrying one call.
	retryCeiling = 60 * time.Second
)

// Store is the slice of the event store the syncer needs.
type Store interface {
	ListAccounts(ctx context.Context) ([]store.Account, error)
	ApplySync(ctx context.Context, accountID int64, incoming []store.Event) (store.SyncStats, error)
	UpdateLastSynced(ctx context.Context, id int64, ts time.Time) error
}

// SyncResult is the outcome of an account's most recent sync, exposed to
// the UI bridge alongside the status string. Err is nil on success.
type SyncResult struct {
	Added    int
	Updated  int
	Pruned   int
	Err      error
	SyncedAt time.Time
}

// Syncer coordinates provider pulls.
type Syncer struct {
	store     Store
	providers map[string]calendar.Provider
	breakers  *breaker.Registry

	// googleLimiter keeps the Google API polite across accounts.
	googleLimiter *rate.Limiter

	mu       sync.Mutex
	status   map[int64]string
	results  map[int64]SyncResult
	disabled map[int64]bool

	// retryInitial is the first backoff delay; shortened in tests.
	retryInitial time.Duration
}

// New wires a syncer over the given providers, keyed by provider tag.
func New(st Store, providers map[string]calendar.Provider) *Syncer {
	return &Syncer{
		store:         st,
		providers:     providers,
		breakers:      breaker.NewRegistry(),
		googleLimiter: rate.NewLimiter(rate.Limit(5), 10),
		status:        make(map[int64]string),
		results:       make(map[int64]SyncResult),
		disabled:      make(map[int64]bool),
		retryInitial:  time.Second,
	}
}

// SyncAll pulls every account once. Per-account failures are recorded in the
// status map and logged; they never abort the other accounts. Only a failure
// to list accounts, or cancellation of ctx, is returned.
func (s *Syncer) SyncAll(ctx context.Context) error {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return err
	}

	for i := range accounts {
		account := &accounts[i]
		if err := s.SyncAccount(ctx, account); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("account sync failed",
				"account_id", account.ID,
				"provider", account.Provider,
				"code", string(errs.CodeOf(err)),
				"error", errs.MessageOf(err))
		}
	}
	return nil
}

// SyncAccount pulls one account: refresh credentials if needed, fetch the
// event window, then upsert and prune in one transaction.
func (s *Syncer) SyncAccount(ctx context.Context, account *store.Account) error {
	if s.isDisabled(account.ID) {
		return nil
	}

	if account.CredentialErr != nil {
		err := errs.Wrap(errs.DecryptionFailed, "the stored credentials could not be read; re-add the account", account.CredentialErr)
		s.setStatus(account.ID, errs.MessageOf(err))
		s.recordResult(account.ID, SyncResult{Err: err, SyncedAt: time.Now().UTC()})
		s.disable(account.ID)
		return err
	}

	provider, ok := s.providers[account.Provider]
	if !ok {
		err := errs.New(errs.ProviderFatal, fmt.Sprintf("no provider for %q accounts", account.Provider))
		s.setStatus(account.ID, errs.MessageOf(err))
		s.recordResult(account.ID, SyncResult{Err: err, SyncedAt: time.Now().UTC()})
		s.disable(account.ID)
		return err
	}

	s.setStatus(account.ID, "syncing")

	var events []calendar.RemoteEvent
	cb := s.breakers.For(account.Provider)
	err := cb.Execute(func() error {
		return s.withRetry(ctx, func() error {
			if account.Provider == store.ProviderGoogle {
				if err := s.googleLimiter.Wait(ctx); err != nil {
					return backoff.Permanent(err)
				}
			}
			if err := provider.RefreshIfNeeded(ctx, account); err != nil {
				return err
			}
			fetched, err := provider.FetchEvents(ctx, account)
			if err != nil {
				return err
			}
			events = fetched
			return nil
		})
	})
	if err != nil {
		s.recordFailure(account.ID, err)
		s.recordResult(account.ID, SyncResult{Err: err, SyncedAt: time.Now().UTC()})
		return err
	}

	incoming := make([]store.Event, 0, len(events))
	for i := range events {
		incoming = append(incoming, events[i].ToStoreEvent(account.ID))
	}

	stats, err := s.store.ApplySync(ctx, account.ID, incoming)
	if err != nil {
		s.setStatus(account.ID, "sync failed; will retry")
		s.recordResult(account.ID, SyncResult{Err: err, SyncedAt: time.Now().UTC()})
		return err
	}
	if err := s.store.UpdateLastSynced(ctx, account.ID, time.Now().UTC()); err != nil {
		log.Warn("could not record sync time", "account_id", account.ID, "error", err)
	}

	s.setStatus(account.ID, "up to date")
	s.recordResult(account.ID, SyncResult{
		Added:    stats.Added,
		Updated:  stats.Updated,
		Pruned:   stats.Pruned,
		SyncedAt: time.Now().UTC(),
	})
	log.Info("account synced",
		"account_id", account.ID,
		"provider", account.Provider,
		"added", stats.Added,
		"updated", stats.Updated,
		"pruned", stats.Pruned)
	return nil
}

// withRetry retries transient provider failures with exponential backoff and
// jitter. Fatal errors and context cancellation surface immediately.
func (s *Syncer) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInitial
	policy.MaxInterval = 20 * time.Second
	policy.MaxElapsedTime = retryCeiling

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if permanent, ok := err.(*backoff.PermanentError); ok {
			return permanent
		}
		if !errs.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(policy, retryAttempts-1), ctx))
}

func (s *Syncer) recordFailure(accountID int64, err error) {
	switch errs.CodeOf(err) {
	case errs.ProviderFatal:
		// Fatal errors need user action; stop hammering the provider.
		s.disable(accountID)
		s.setStatus(accountID, errs.MessageOf(err))
	case errs.CircuitOpen:
		msg := errs.MessageOf(err)
		if hint, ok := errs.RetryAfterOf(err); ok {
			msg = fmt.Sprintf("%s; retrying in %s", msg, hint)
		}
		s.setStatus(accountID, msg)
	default:
		s.setStatus(accountID, "temporarily unreachable; will retry")
	}
}

// Status returns the user-facing sync status for an account.
func (s *Syncer) Status(accountID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.status[accountID]; ok {
		return status
	}
	return "never synced"
}

// LastResult returns the account's most recent sync outcome; ok is false
// when the account has never been synced this run.
func (s *Syncer) LastResult(accountID int64) (SyncResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[accountID]
	return result, ok
}

func (s *Syncer) recordResult(accountID int64, result SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[accountID] = result
}

// Enable re-enables sync for an account after user action (e.g. the
// credentials were replaced).
func (s *Syncer) Enable(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.disabled, accountID)
	delete(s.status, accountID)
	delete(s.results, accountID)
}

func (s *Syncer) setStatus(accountID int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[accountID] = status
}

func (s *Syncer) disable(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[accountID] = true
}

func (s *Syncer) isDisabled(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[accountID]
}
