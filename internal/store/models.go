package store

import (
	"time"
)

// Calendar providers.
const (
	ProviderGoogle = "google"
	ProviderICS    = "ics"
)

// EncryptionVersionAEAD marks credential columns encrypted with the v1 AEAD
// format. NULL/0 means plaintext legacy rows awaiting migration.
const EncryptionVersionAEAD = 1

// Account is a credential record for one calendar source. AuthData and
// RefreshToken are plaintext in memory; they are encrypted at rest.
type Account struct {
	ID                int64
	Provider          string
	AccountName       string
	AuthData          string // OAuth token bundle (google) or ICS URL (ics)
	RefreshToken      *string
	LastSyncedAt      *time.Time
	EncryptionVersion *int
	EncryptedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time

	// CredentialErr is set instead of AuthData when the row's credential
	// columns could not be decrypted. The account is unusable until the
	// user re-adds it; other accounts are unaffected. Not persisted.
	CredentialErr error
}

// IsGoogle reports whether the account is OAuth-backed.
func (a *Account) IsGoogle() bool {
	return a.Provider == ProviderGoogle
}

// Event is a cached instance of a scheduled meeting.
type Event struct {
	ID                 int64
	ExternalID         string
	AccountID          int64
	Title              string
	Description        *string
	StartTime          time.Time
	EndTime            time.Time
	VideoLink          *string
	VideoPlatform      *string
	SnoozeCount        int
	HasAlerted         bool
	LastAlertThreshold *int
	IsDismissed        bool
	LastSnoozedAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsVideoMeeting reports whether a video link was detected for the event.
func (e *Event) IsVideoMeeting() bool {
	return e.VideoLink != nil && *e.VideoLink != ""
}

// MinutesUntilStart returns whole minutes from now until the event starts,
// truncated toward zero: it stays 0 for the first minute after the start
// time and turns negative once a full minute has passed.
func (e *Event) MinutesUntilStart(now time.Time) int {
	return int(e.StartTime.Sub(now) / time.Minute)
}

// Setting is one persisted key/value pair.
type Setting struct {
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncStats summarizes one account sync.
type SyncStats struct {
	Added   int
	Updated int
	Pruned  int
}

func timeFromUnix(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func timePtrFromNullable(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := timeFromUnix(*v)
	return &t
}
