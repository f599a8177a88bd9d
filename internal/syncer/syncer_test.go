package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchime/openchime/internal/calendar"
	"github.com/openchime/openchime/internal/errs"
	"github.com/openchime/openchime/internal/store"
)

// fakeStore records sync writes.
type fakeStore struct {
	mu         sync.Mutex
	accounts   []store.Account
	applied    map[int64][]store.Event
	lastSynced map[int64]time.Time
	applyErr   error
}

func newFakeStore(accounts ...store.Account) *fakeStore {
	return &fakeStore{
		accounts:   accounts,
		applied:    make(map[int64][]store.Event),
		lastSynced: make(map[int64]time.Time),
	}
}

func (f *fakeStore) ListAccounts(context.Context) ([]store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Account, len(f.accounts))
	copy(out, f.accounts)
	return out, nil
}

func (f *fakeStore) ApplySync(_ context.Context, accountID int64, incoming []store.Event) (store.SyncStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return store.SyncStats{}, f.applyErr
	}
	f.applied[accountID] = incoming
	return store.SyncStats{Added: len(incoming)}, nil
}

func (f *fakeStore) UpdateLastSynced(_ context.Context, id int64, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSynced[id] = ts
	return nil
}

// scriptedProvider returns canned results per call.
type scriptedProvider struct {
	mu      sync.Mutex
	calls   int
	results []providerResult
}

type providerResult struct {
	events []calendar.RemoteEvent
	err    error
}

func (p *scriptedProvider) FetchEvents(context.Context, *store.Account) ([]calendar.RemoteEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	r := p.results[i]
	return r.events, r.err
}

func (p *scriptedProvider) RefreshIfNeeded(context.Context, *store.Account) error { return nil }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func icsAccount(id int64) store.Account {
	return store.Account{
		ID: id, Provider: store.ProviderICS, AccountName: "feed",
		AuthData: "https://calendar.proton.me/a.ics",
	}
}

func remoteEvent(ext string) calendar.RemoteEvent {
	start := time.Now().UTC().Add(time.Hour)
	return calendar.RemoteEvent{
		ExternalID: ext, Title: ext, StartTime: start, EndTime: start.Add(time.Hour),
	}
}

func newTestSyncer(f *fakeStore, p calendar.Provider) *Syncer {
	s := New(f, map[string]calendar.Provider{
		store.ProviderICS:    p,
		store.ProviderGoogle: p,
	})
	s.retryInitial = time.Millisecond
	return s
}

func TestSyncAccount_AppliesEventsAndRecordsTime(t *testing.T) {
	f := newFakeStore(icsAccount(1))
	p := &scriptedProvider{results: []providerResult{
		{events: []calendar.RemoteEvent{remoteEvent("a"), remoteEvent("b")}},
	}}
	s := newTestSyncer(f, p)

	account := f.accounts[0]
	require.NoError(t, s.SyncAccount(context.Background(), &account))

	require.Len(t, f.applied[1], 2)
	assert.Equal(t, int64(1), f.applied[1][0].AccountID)
	assert.Contains(t, f.lastSynced, int64(1))
	assert.Equal(t, "up to date", s.Status(1))

	result, ok := s.LastResult(1)
	require.True(t, ok)
	assert.Equal(t, 2, result.Added)
	assert.Zero(t, result.Updated)
	assert.Zero(t, result.Pruned)
	assert.NoError(t, result.Err)
	assert.False(t, result.SyncedAt.IsZero())
}

func TestSyncAccount_TransientRetriesThenSucceeds(t *testing.T) {
	f := newFakeStore(icsAccount(1))
	p := &scriptedProvider{results: []providerResult{
		{err: errs.New(errs.ProviderTransient, "503")},
		{err: errs.New(errs.ProviderTransient, "503")},
		{events: []calendar.RemoteEvent{remoteEvent("a")}},
	}}
	s := newTestSyncer(f, p)

	account := f.accounts[0]
	require.NoError(t, s.SyncAccount(context.Background(), &account))
	assert.Equal(t, 3, p.callCount(), "two transient failures are retried")
	require.Len(t, f.applied[1], 1)
}

func TestSyncAccount_FatalDoesNotRetryAndDisables(t *testing.T) {
	f := newFakeStore(icsAccount(1))
	p := &scriptedProvider{results: []providerResult{
		{err: errs.New(errs.ProviderFatal, "calendar access was revoked")},
	}}
	s := newTestSyncer(f, p)

	account := f.accounts[0]
	err := s.SyncAccount(context.Background(), &account)
	require.Error(t, err)
	assert.Equal(t, errs.ProviderFatal, errs.CodeOf(err))
	assert.Equal(t, 1, p.callCount(), "fatal errors are not retried")
	assert.Equal(t, "calendar access was revoked", s.Status(1))

	result, ok := s.LastResult(1)
	require.True(t, ok)
	require.Error(t, result.Err)
	assert.Equal(t, errs.ProviderFatal, errs.CodeOf(result.Err))

	// Sync is disabled until the user acts.
	require.NoError(t, s.SyncAccount(context.Background(), &account))
	assert.Equal(t, 1, p.callCount())

	s.Enable(1)
	_ = s.SyncAccount(context.Background(), &account)
	assert.Equal(t, 2, p.callCount(), "Enable re-arms the account")
}

func TestSyncAccount_CircuitOpensAfterRepeatedOutage(t *testing.T) {
	f := newFakeStore(store.Account{
		ID: 1, Provider: store.ProviderGoogle, AccountName: "u",
		AuthData: "{}",
	})
	p := &scriptedProvider{results: []providerResult{
		{err: errs.New(errs.ProviderTransient, "500")},
	}}
	s := newTestSyncer(f, p)

	account := f.accounts[0]
	// Google trips after 3 consecutive breaker failures; each sync call is
	// one breaker failure (with its internal retries exhausted).
	for i := 0; i < 3; i++ {
		err := s.SyncAccount(context.Background(), &account)
		require.Error(t, err)
		assert.Equal(t, errs.ProviderTransient, errs.CodeOf(err))
	}
	callsBefore := p.callCount()

	err := s.SyncAccount(context.Background(), &account)
	require.Error(t, err)
	assert.Equal(t, errs.CircuitOpen, errs.CodeOf(err))
	assert.Equal(t, callsBefore, p.callCount(), "open circuit short-circuits the provider")

	hint, ok := errs.RetryAfterOf(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, hint)
	assert.Contains(t, s.Status(1), "retrying in")
}

func TestSyncAccount_CredentialErrSurfacesPerAccount(t *testing.T) {
	bad := icsAccount(1)
	bad.CredentialErr = errs.New(errs.DecryptionFailed, "bad tag")
	bad.AuthData = ""
	good := icsAccount(2)

	f := newFakeStore(bad, good)
	p := &scriptedProvider{results: []providerResult{
		{events: []calendar.RemoteEvent{remoteEvent("a")}},
	}}
	s := newTestSyncer(f, p)

	require.NoError(t, s.SyncAll(context.Background()))

	assert.NotContains(t, f.applied, int64(1), "undecryptable account must not sync")
	assert.Contains(t, f.applied, int64(2), "other accounts continue")
	assert.Contains(t, s.Status(1), "re-add the account")
}

func TestSyncAll_OneFailingAccountDoesNotAbortOthers(t *testing.T) {
	f := newFakeStore(icsAccount(1), icsAccount(2))
	p := &failFirstAccountProvider{}
	s := New(f, map[string]calendar.Provider{store.ProviderICS: p})
	s.retryInitial = time.Millisecond

	require.NoError(t, s.SyncAll(context.Background()))
	assert.NotContains(t, f.applied, int64(1))
	assert.Contains(t, f.applied, int64(2))
}

type failFirstAccountProvider struct{}

func (failFirstAccountProvider) FetchEvents(_ context.Context, a *store.Account) ([]calendar.RemoteEvent, error) {
	if a.ID == 1 {
		return nil, errs.New(errs.ProviderFatal, "revoked")
	}
	return []calendar.RemoteEvent{remoteEvent("x")}, nil
}

func (failFirstAccountProvider) RefreshIfNeeded(context.Context, *store.Account) error { return nil }

func TestStatus_DefaultNeverSynced(t *testing.T) {
	s := New(newFakeStore(), nil)
	assert.Equal(t, "never synced", s.Status(42))

	_, ok := s.LastResult(42)
	assert.False(t, ok, "no result before the first sync attempt")
}

func TestEnable_ClearsLastResult(t *testing.T) {
	f := newFakeStore(icsAccount(1))
	p := &scriptedProvider{results: []providerResult{
		{err: errs.New(errs.ProviderFatal, "revoked")},
	}}
	s := newTestSyncer(f, p)

	account := f.accounts[0]
	require.Error(t, s.SyncAccount(context.Background(), &account))
	_, ok := s.LastResult(1)
	require.True(t, ok)

	s.Enable(1)
	_, ok = s.LastResult(1)
	assert.False(t, ok, "Enable resets the recorded outcome")
}
