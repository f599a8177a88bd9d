// Package alert defines the contracts between the scheduler and the outer
// shells it deliberately does not implement: the UI bridge that renders
// alerts and the audio device that plays them.
package alert

import (
	"time"

	"github.com/google/uuid"

	"github.com/openchime/openchime/internal/store"
)

// Alert is one intrusive reminder handed to the UI bridge.
type Alert struct {
	ID            string
	EventID       int64
	Title         string
	StartTime     time.Time
	MinutesUntil  int
	Threshold     int // the band that fired, in minutes
	VideoLink     *string
	VideoPlatform *string
	Sound         string
	Volume        float64
}

// New builds an alert record for an event crossing a threshold band.
func New(e *store.Event, threshold int, now time.Time, settings store.Settings) Alert {
	return Alert{
		ID:            uuid.NewString(),
		EventID:       e.ID,
		Title:         e.Title,
		StartTime:     e.StartTime,
		MinutesUntil:  e.MinutesUntilStart(now),
		Threshold:     threshold,
		VideoLink:     e.VideoLink,
		VideoPlatform: e.VideoPlatform,
		Sound:         settings.Sound,
		Volume:        settings.Volume,
	}
}

// IsVideoMeeting reports whether the alert should offer a join action.
func (a *Alert) IsVideoMeeting() bool {
	return a.VideoLink != nil && *a.VideoLink != ""
}

// Sink receives alerts for display. Implemented by the UI bridge; a sink
// must not block the scheduler.
type Sink interface {
	Notify(a Alert)
}

// AudioPlayer plays the alert sound. Playback failures are best-effort: the
// scheduler logs and swallows them, the alert is still displayed.
type AudioPlayer interface {
	Play(sound string, volume float64) error
}

// NopSink discards alerts; used when no UI bridge is attached.
type NopSink struct{}

func (NopSink) Notify(Alert) {}

// NopAudio is the silent audio player behind --no-audio.
type NopAudio struct{}

func (NopAudio) Play(string, float64) error { return nil }
