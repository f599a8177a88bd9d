package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/openchime/openchime/internal/errs"
)

// Settings is the typed view of the settings table. The recognized key set
// is closed; unknown rows are ignored on load and never written.
type Settings struct {
	Sound              string
	Volume             float64 // 0.0 to 1.0
	VideoAlertOffset   int     // minutes before meeting
	RegularAlertOffset int     // minutes before meeting
	SnoozeInterval     int     // minutes
	MaxSnoozes         int
	SyncInterval       int // seconds
	AutoJoinEnabled    bool
	Theme              string
	Alert30m           bool
	Alert10m           bool
	Alert5m            bool
	Alert1m            bool
	AlertDefault       bool // at start time
}

// DefaultSettings returns the shipped defaults.
func DefaultSettings() Settings {
	return Settings{
		Sound:              "bells",
		Volume:             0.7,
		VideoAlertOffset:   3,
		RegularAlertOffset: 1,
		SnoozeInterval:     2,
		MaxSnoozes:         3,
		SyncInterval:       300,
		AutoJoinEnabled:    false,
		Theme:              "dark",
		Alert30m:           false,
		Alert10m:           false,
		Alert5m:            true,
		Alert1m:            true,
		AlertDefault:       true,
	}
}

// GetSettings loads all recognized settings, falling back to defaults for
// missing or unparseable values.
func (s *Store) GetSettings(ctx context.Context) (Settings, error) {
	out := DefaultSettings()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return out, errs.Wrap(errs.DatabaseError, "could not load settings", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return out, errs.Wrap(errs.DatabaseError, "could not scan setting", err)
		}
		applySetting(&out, key, value)
	}
	if err := rows.Err(); err != nil {
		return out, errs.Wrap(errs.DatabaseError, "error iterating settings", err)
	}
	return out, nil
}

func applySetting(s *Settings, key, value string) {
	d := DefaultSettings()
	switch key {
	case "sound":
		s.Sound = value
	case "volume":
		s.Volume = parseFloat(value, d.Volume)
	case "video_alert_offset":
		s.VideoAlertOffset = parseInt(value, d.VideoAlertOffset)
	case "regular_alert_offset":
		s.RegularAlertOffset = parseInt(value, d.RegularAlertOffset)
	case "snooze_interval":
		s.SnoozeInterval = parseInt(value, d.SnoozeInterval)
	case "max_snoozes":
		s.MaxSnoozes = parseInt(value, d.MaxSnoozes)
	case "sync_interval":
		s.SyncInterval = parseInt(value, d.SyncInterval)
	case "auto_join_enabled":
		s.AutoJoinEnabled = parseBool(value, d.AutoJoinEnabled)
	case "theme":
		s.Theme = value
	case "alert_30m":
		s.Alert30m = parseBool(value, d.Alert30m)
	case "alert_10m":
		s.Alert10m = parseBool(value, d.Alert10m)
	case "alert_5m":
		s.Alert5m = parseBool(value, d.Alert5m)
	case "alert_1m":
		s.Alert1m = parseBool(value, d.Alert1m)
	case "alert_default":
		s.AlertDefault = parseBool(value, d.AlertDefault)
	}
	// Unknown keys are ignored.
}

// UpdateSettings writes every recognized key in one transaction.
func (s *Store) UpdateSettings(ctx context.Context, settings Settings) error {
	pairs := [][2]string{
		{"sound", settings.Sound},
		{"volume", strconv.FormatFloat(settings.Volume, 'g', -1, 64)},
		{"video_alert_offset", strconv.Itoa(settings.VideoAlertOffset)},
		{"regular_alert_offset", strconv.Itoa(settings.RegularAlertOffset)},
		{"snooze_interval", strconv.Itoa(settings.SnoozeInterval)},
		{"max_snoozes", strconv.Itoa(settings.MaxSnoozes)},
		{"sync_interval", strconv.Itoa(settings.SyncInterval)},
		{"auto_join_enabled", strconv.FormatBool(settings.AutoJoinEnabled)},
		{"theme", settings.Theme},
		{"alert_30m", strconv.FormatBool(settings.Alert30m)},
		{"alert_10m", strconv.FormatBool(settings.Alert10m)},
		{"alert_5m", strconv.FormatBool(settings.Alert5m)},
		{"alert_1m", strconv.FormatBool(settings.Alert1m)},
		{"alert_default", strconv.FormatBool(settings.AlertDefault)},
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Unix()
		for _, kv := range pairs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO settings (key, value, created_at, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				kv[0], kv[1], now, now)
			if err != nil {
				return errs.Wrap(errs.DatabaseError, "could not store setting", err)
			}
		}
		return nil
	})
}

func parseInt(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(v string, fallback float64) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
