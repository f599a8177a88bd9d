package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/openchime/openchime/internal/alert"
	"github.com/openchime/openchime/internal/config"
	"github.com/openchime/openchime/internal/errs"
	"github.com/openchime/openchime/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DataDir:      dir,
		DatabasePath: filepath.Join(dir, config.DatabaseFileName),
		NoAudio:      true,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	keyring.MockInit()
	a, err := New(context.Background(), cfg, alert.NopSink{}, alert.NopAudio{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown() })
	return a
}

func TestNew_FreshInstall(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	// Ledger holds the baseline and the schema migration; the data
	// migration had nothing to do.
	entries, err := a.Store().LedgerEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	accounts, err := a.Accounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	events, err := a.UpcomingEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestNew_GoogleAccountWithoutEnvIsFatal(t *testing.T) {
	cfg := testConfig(t)
	keyring.MockInit()

	// First boot: add a google account with the env configured.
	cfg.GoogleClientID = "id.apps.googleusercontent.com"
	cfg.GoogleClientSecret = "secret"
	a, err := New(context.Background(), cfg, alert.NopSink{}, alert.NopAudio{})
	require.NoError(t, err)
	_, err = a.AddGoogleAccount(context.Background(), "u@gmail.com", `{"access_token":"t"}`, nil)
	require.NoError(t, err)
	require.NoError(t, a.Shutdown())

	// Second boot without the env: startup must refuse.
	cfg.GoogleClientID = ""
	cfg.GoogleClientSecret = ""
	_, err = New(context.Background(), cfg, alert.NopSink{}, alert.NopAudio{})
	require.Error(t, err)
	assert.Equal(t, errs.ConfigInvalid, errs.CodeOf(err))
	assert.True(t, errs.FatalAtStartup(err))
}

func TestAddICSAccount_ValidatesURL(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	_, err := a.AddICSAccount(ctx, "bad", "http://example.com/x.ics")
	require.Error(t, err)
	assert.Equal(t, errs.ConfigInvalid, errs.CodeOf(err))

	id, err := a.AddICSAccount(ctx, "proton", "https://calendar.proton.me/abc/xyz.ics")
	require.NoError(t, err)
	assert.Positive(t, id)

	accounts, err := a.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Empty(t, accounts[0].Account.AuthData, "credentials never leave the core")
	assert.Equal(t, "never synced", accounts[0].SyncStatus)
}

func TestAddGoogleAccount_RequiresEnv(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	_, err := a.AddGoogleAccount(context.Background(), "u@gmail.com", `{"access_token":"t"}`, nil)
	require.Error(t, err)
	assert.Equal(t, errs.ConfigInvalid, errs.CodeOf(err))
}

func TestSnoozeDismissJoin(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	accountID, err := a.AddICSAccount(ctx, "cal", "https://calendar.proton.me/a.ics")
	require.NoError(t, err)

	now := time.Now().UTC()
	link := "https://meet.google.com/aaa-bbbb-ccc"
	e := &store.Event{
		ExternalID: "ev", AccountID: accountID, Title: "standup",
		StartTime: now.Add(10 * time.Minute), EndTime: now.Add(40 * time.Minute),
		VideoLink: &link,
	}
	_, err = a.Store().UpsertByExternalID(ctx, e)
	require.NoError(t, err)

	// Snooze up to the limit, then the command is rejected.
	for i := 0; i < store.DefaultSettings().MaxSnoozes; i++ {
		require.NoError(t, a.Snooze(ctx, e.ID))
	}
	err = a.Snooze(ctx, e.ID)
	assert.ErrorIs(t, err, store.ErrSnoozeLimit)

	// Join returns the link and is terminal.
	url, err := a.Join(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, link, url)

	got, err := a.Store().GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDismissed)

	// Joining again succeeds: dismissal is idempotent and the link is still there.
	_, err = a.Join(ctx, e.ID)
	require.NoError(t, err, "join on a dismissed event still returns the link")
}

func TestJoin_NoVideoLink(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	accountID, err := a.AddICSAccount(ctx, "cal", "https://calendar.proton.me/a.ics")
	require.NoError(t, err)

	now := time.Now().UTC()
	e := &store.Event{
		ExternalID: "ev", AccountID: accountID, Title: "lunch",
		StartTime: now.Add(10 * time.Minute), EndTime: now.Add(40 * time.Minute),
	}
	_, err = a.Store().UpsertByExternalID(ctx, e)
	require.NoError(t, err)

	_, err = a.Join(ctx, e.ID)
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestStartShutdown_Graceful(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	a.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, a.Shutdown())
	assert.Less(t, time.Since(start), 2*time.Second, "cancellation must wake the monitor sleep")
}

type captureSink struct {
	alerts []alert.Alert
}

func (c *captureSink) Notify(a alert.Alert) {
	c.alerts = append(c.alerts, a)
}

func TestTriggerAlert_ManualEmission(t *testing.T) {
	cfg := testConfig(t)
	keyring.MockInit()
	sink := &captureSink{}
	a, err := New(context.Background(), cfg, sink, alert.NopAudio{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown() })
	ctx := context.Background()

	accountID, err := a.AddICSAccount(ctx, "cal", "https://calendar.proton.me/a.ics")
	require.NoError(t, err)

	now := time.Now().UTC()
	e := &store.Event{
		ExternalID: "ev", AccountID: accountID, Title: "far-off meeting",
		StartTime: now.Add(6 * time.Hour), EndTime: now.Add(7 * time.Hour),
	}
	_, err = a.Store().UpsertByExternalID(ctx, e)
	require.NoError(t, err)

	require.NoError(t, a.TriggerAlert(ctx, e.ID))
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, e.ID, sink.alerts[0].EventID)

	// The manual trigger left scheduler state alone.
	got, err := a.Store().GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.HasAlerted)
	assert.Nil(t, got.LastAlertThreshold)

	err = a.TriggerAlert(ctx, 999)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestLastSyncResult_EmptyBeforeFirstSync(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	id, err := a.AddICSAccount(ctx, "cal", "https://calendar.proton.me/a.ics")
	require.NoError(t, err)

	_, ok := a.LastSyncResult(id)
	assert.False(t, ok)

	accounts, err := a.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Nil(t, accounts[0].LastSync)
}

func TestRemoveAccount(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	id, err := a.AddICSAccount(ctx, "cal", "https://calendar.proton.me/a.ics")
	require.NoError(t, err)
	require.NoError(t, a.RemoveAccount(ctx, id))

	accounts, err := a.Accounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	err = a.RemoveAccount(ctx, id)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}
