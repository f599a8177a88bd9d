// Package app wires the subsystems together (keystore, vault, store,
// migrations, providers, syncer, monitor) and exposes the command surface
// the UI bridge calls. Startup order matters: the vault must exist before
// migrations run, because the credential data migration encrypts with it.
package app

import (
	"context"
	"time"

	"github.com/openchime/openchime/internal/alert"
	"github.com/openchime/openchime/internal/calendar"
	"github.com/openchime/openchime/internal/config"
	"github.com/openchime/openchime/internal/errs"
	"github.com/openchime/openchime/internal/keystore"
	"github.com/openchime/openchime/internal/monitor"
	"github.com/openchime/openchime/internal/obs"
	"github.com/openchime/openchime/internal/store"
	"github.com/openchime/openchime/internal/syncer"
	"github.com/openchime/openchime/internal/vault"
)

var log = obs.Pkg("app")

// ShutdownTimeout bounds graceful shutdown; past it the process may exit
// anyway.
const ShutdownTimeout = 10 * time.Second

// App owns the background tasks and the shared store.
type App struct {
	cfg     *config.Config
	store   *store.Store
	vault   *vault.Vault
	syncer  *syncer.Syncer
	monitor *monitor.Monitor

	cancel context.CancelFunc
	done   chan struct{}
}

// New initializes everything up to (but not including) the monitor loop:
// master key, vault, store, migrations, providers. Any error here is fatal
// to startup.
func New(ctx context.Context, cfg *config.Config, sink alert.Sink, audio alert.AudioPlayer) (*App, error) {
	masterKey, err := keystore.LoadOrCreateMasterKey()
	if err != nil {
		return nil, err
	}
	v, err := vault.New(masterKey)
	if err != nil {
		return nil, err
	}
	// The vault holds its derived key; the raw master key is done.
	vault.NewSecret(masterKey).Destroy()

	st, err := store.Open(cfg.DatabasePath, v)
	if err != nil {
		v.Close()
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		v.Close()
		return nil, err
	}

	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		st.Close()
		v.Close()
		return nil, err
	}

	client := calendar.NewHTTPClient()
	providers := map[string]calendar.Provider{
		store.ProviderICS: calendar.NewICSProvider(client),
	}

	googleErr := cfg.RequireGoogle()
	if googleErr == nil {
		providers[store.ProviderGoogle] = calendar.NewGoogleProvider(cfg, client, st)
	} else {
		for _, a := range accounts {
			if a.IsGoogle() {
				// A Google account exists but the environment cannot
				// serve it; refuse to start half-configured.
				st.Close()
				v.Close()
				return nil, googleErr
			}
		}
	}

	sy := syncer.New(st, providers)
	mon := monitor.New(st, sy, sink, audio)

	return &App{
		cfg:     cfg,
		store:   st,
		vault:   v,
		syncer:  sy,
		monitor: mon,
	}, nil
}

// Start spawns the monitor loop. Call Shutdown to stop it.
func (a *App) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	if a.cfg.SyncNow {
		a.monitor.SyncNow()
	}

	go func() {
		defer close(a.done)
		a.monitor.Run(runCtx)
	}()
	log.Info("started", "db", a.cfg.DatabasePath)
}

// Shutdown cancels the background tasks, waits up to ShutdownTimeout for
// them to drain, then closes the store and wipes the vault key.
func (a *App) Shutdown() error {
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-time.After(ShutdownTimeout):
			log.Warn("shutdown timed out; closing anyway")
		}
	}

	err := a.store.Close()
	a.vault.Close()
	log.Info("stopped")
	return err
}

// Store exposes the event store to the UI bridge.
func (a *App) Store() *store.Store {
	return a.store
}

// AccountStatus pairs an account with its sync status string and, once a
// sync has run, the structured outcome of the latest attempt.
type AccountStatus struct {
	Account    store.Account
	SyncStatus string
	LastSync   *syncer.SyncResult
}

// Accounts lists accounts with their sync status for the UI.
func (a *App) Accounts(ctx context.Context) ([]AccountStatus, error) {
	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AccountStatus, 0, len(accounts))
	for _, account := range accounts {
		status := a.syncer.Status(account.ID)
		if account.CredentialErr != nil {
			status = "credentials unreadable; re-add the account"
		}
		// Credentials stay inside the core; the UI gets everything else.
		account.AuthData = ""
		account.RefreshToken = nil

		entry := AccountStatus{Account: account, SyncStatus: status}
		if result, ok := a.syncer.LastResult(account.ID); ok {
			entry.LastSync = &result
		}
		out = append(out, entry)
	}
	return out, nil
}

// AddICSAccount validates the feed URL and stores the account.
func (a *App) AddICSAccount(ctx context.Context, name, feedURL string) (int64, error) {
	if err := calendar.ValidateICSURL(feedURL); err != nil {
		return 0, err
	}
	id, err := a.store.AddAccount(ctx, &store.Account{
		Provider:    store.ProviderICS,
		AccountName: name,
		AuthData:    feedURL,
	})
	if err != nil {
		return 0, err
	}
	a.monitor.SyncNow()
	return id, nil
}

// AddGoogleAccount stores a finished OAuth token bundle delivered by the UI
// bridge's redirect flow. The Google environment must be configured.
func (a *App) AddGoogleAccount(ctx context.Context, name, tokenBundle string, refreshToken *string) (int64, error) {
	if err := a.cfg.RequireGoogle(); err != nil {
		return 0, err
	}
	id, err := a.store.AddAccount(ctx, &store.Account{
		Provider:     store.ProviderGoogle,
		AccountName:  name,
		AuthData:     tokenBundle,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return 0, err
	}
	a.monitor.SyncNow()
	return id, nil
}

// RemoveAccount deletes an account and its events.
func (a *App) RemoveAccount(ctx context.Context, id int64) error {
	if err := a.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	a.syncer.Enable(id) // clear any disabled/failed status
	return nil
}

// Snooze delays an alerted event by the configured snooze interval. Returns
// store.ErrSnoozeLimit when the event is out of snoozes.
func (a *App) Snooze(ctx context.Context, eventID int64) error {
	settings, err := a.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	return a.store.RecordSnooze(ctx, eventID, settings.MaxSnoozes)
}

// Dismiss permanently silences an event.
func (a *App) Dismiss(ctx context.Context, eventID int64) error {
	return a.store.Dismiss(ctx, eventID)
}

// Join reports the video link to open and dismisses the event; joined is
// terminal for scheduling purposes.
func (a *App) Join(ctx context.Context, eventID int64) (string, error) {
	e, err := a.store.GetEvent(ctx, eventID)
	if err != nil {
		return "", err
	}
	if !e.IsVideoMeeting() {
		return "", errs.New(errs.NotFound, "this event has no video link")
	}
	if err := a.store.Dismiss(ctx, eventID); err != nil {
		return "", err
	}
	return *e.VideoLink, nil
}

// SyncNow forces a full sync on the next monitor cycle.
func (a *App) SyncNow() {
	a.monitor.SyncNow()
}

// LastSyncResult returns the structured outcome of an account's most recent
// sync; ok is false before the first attempt.
func (a *App) LastSyncResult(accountID int64) (syncer.SyncResult, bool) {
	return a.syncer.LastResult(accountID)
}

// TriggerAlert re-emits the alert for one event on user request. The
// event's scheduler state is untouched, so the periodic thresholds still
// fire on their own schedule.
func (a *App) TriggerAlert(ctx context.Context, eventID int64) error {
	return a.monitor.TriggerAlert(ctx, eventID)
}

// UpcomingEvents returns the next day of undismissed events for the UI.
func (a *App) UpcomingEvents(ctx context.Context) ([]store.Event, error) {
	now := time.Now().UTC()
	return a.store.ListWindow(ctx, now, now.Add(24*time.Hour), true)
}

// Settings loads the current settings.
func (a *App) Settings(ctx context.Context) (store.Settings, error) {
	return a.store.GetSettings(ctx)
}

// UpdateSettings persists new settings.
func (a *App) UpdateSettings(ctx context.Context, s store.Settings) error {
	return a.store.UpdateSettings(ctx, s)
}
