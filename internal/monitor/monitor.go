// Package monitor is the alert scheduler: a single cooperative loop that
// wakes every 30 seconds, evaluates trigger thresholds for imminent events,
// and interleaves calendar sync after alert emission. Cancellation of the
// run context stops it at the next check or mid-sleep.
package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/openchime/openchime/internal/alert"
	"github.com/openchime/openchime/internal/errs"
	"github.com/openchime/openchime/internal/obs"
	"github.com/openchime/openchime/internal/store"
)

var log = obs.Pkg("monitor")

const (
	// DefaultInterval is the sleep between monitor iterations.
	DefaultInterval = 30 * time.Second

	// graceMinutes is how far past a threshold band an alert may still
	// fire. A machine waking from sleep does not replay bands missed by
	// more than this.
	graceMinutes = 5
)

// Store is the slice of the event store the monitor needs.
type Store interface {
	GetSettings(ctx context.Context) (store.Settings, error)
	GetEvent(ctx context.Context, id int64) (*store.Event, error)
	ListWindow(ctx context.Context, from, to time.Time, undismissedOnly bool) ([]store.Event, error)
	MarkAlerted(ctx context.Context, id int64, threshold int) error
	Dismiss(ctx context.Context, id int64) error
}

// SyncRunner kicks a full sync; implemented by the syncer.
type SyncRunner interface {
	SyncAll(ctx context.Context) error
}

// Monitor owns the alert-evaluation loop.
type Monitor struct {
	store  Store
	syncer SyncRunner
	sink   alert.Sink
	audio  alert.AudioPlayer

	interval time.Duration
	now      func() time.Time

	lastSync time.Time
}

// New builds a monitor. sink and audio may be the Nop implementations.
func New(st Store, sync SyncRunner, sink alert.Sink, audio alert.AudioPlayer) *Monitor {
	return &Monitor{
		store:    st,
		syncer:   sync,
		sink:     sink,
		audio:    audio,
		interval: DefaultInterval,
		now:      time.Now,
	}
}

// Run loops until ctx is cancelled. Each iteration evaluates alerts first
// and only then considers syncing, so user-visible alerts are never delayed
// by network I/O. The sleep races ctx so shutdown wakes it immediately.
func (m *Monitor) Run(ctx context.Context) {
	log.Info("monitor started", "interval", m.interval.String())

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			log.Info("monitor stopped")
			return
		}

		m.Cycle(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.interval)

		select {
		case <-timer.C:
		case <-ctx.Done():
			log.Info("monitor stopped during sleep")
			return
		}
	}
}

// Cycle runs one monitor iteration: evaluate alerts, then sync if due.
func (m *Monitor) Cycle(ctx context.Context) {
	now := m.now().UTC()

	settings, err := m.store.GetSettings(ctx)
	if err != nil {
		// Nothing changed; the next iteration retries.
		log.Error("could not load settings", "error", err)
		return
	}

	m.evaluateAlerts(ctx, now, settings)
	m.maybeSync(ctx, now, settings)
}

func (m *Monitor) evaluateAlerts(ctx context.Context, now time.Time, settings store.Settings) {
	from := now.Add(-graceMinutes * time.Minute)
	to := now.Add(time.Duration(lookaheadMinutes(settings)) * time.Minute)

	events, err := m.store.ListWindow(ctx, from, to, true)
	if err != nil {
		log.Error("could not query the event window", "error", err)
		return
	}

	// ListWindow orders by (start_time, id) already; keep it explicit
	// since alert ordering is a guarantee, not an accident of SQL.
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].ID < events[j].ID
		}
		return events[i].StartTime.Before(events[j].StartTime)
	})

	for i := range events {
		e := &events[i]

		// Out of snoozes and the meeting has started: terminal.
		if e.SnoozeCount >= settings.MaxSnoozes && !e.StartTime.After(now) {
			if err := m.store.Dismiss(ctx, e.ID); err != nil {
				log.Error("could not auto-dismiss event", "event_id", e.ID, "error", err)
			} else {
				log.Info("event auto-dismissed after exhausted snoozes", "event_id", e.ID)
			}
			continue
		}

		threshold, fire := decide(e, settings, now)
		if !fire {
			continue
		}

		m.emit(e, threshold, now, settings)

		// A failed state write ends this event's handling for the
		// iteration only; last_alert_threshold keeps duplicates rare
		// if the alert repeats next cycle.
		if err := m.store.MarkAlerted(ctx, e.ID, threshold); err != nil {
			log.Error("could not record alert state", "event_id", e.ID, "error", err)
		}
	}
}

func (m *Monitor) emit(e *store.Event, threshold int, now time.Time, settings store.Settings) {
	a := alert.New(e, threshold, now, settings)

	if err := m.audio.Play(a.Sound, a.Volume); err != nil {
		// Audio is best-effort; the alert is still presented.
		log.Warn("alert sound failed",
			"event_id", e.ID,
			"code", string(errs.AudioUnavailable),
			"error", err)
	}

	m.sink.Notify(a)
	log.Info("alert fired", "event_id", e.ID, "threshold", threshold, "minutes_until", a.MinutesUntil)
}

func (m *Monitor) maybeSync(ctx context.Context, now time.Time, settings store.Settings) {
	interval := time.Duration(settings.SyncInterval) * time.Second
	if !m.lastSync.IsZero() && now.Sub(m.lastSync) < interval {
		return
	}
	if err := m.syncer.SyncAll(ctx); err != nil {
		log.Error("sync pass failed", "error", err)
		return
	}
	m.lastSync = now
}

// SyncNow forces a sync on the next cycle regardless of the interval.
func (m *Monitor) SyncNow() {
	m.lastSync = time.Time{}
}

// TriggerAlert re-emits the alert for one event on user request, outside the
// periodic cycle. The event's scheduler state is left untouched: a manual
// trigger neither consumes a threshold band nor sets has_alerted.
func (m *Monitor) TriggerAlert(ctx context.Context, eventID int64) error {
	e, err := m.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}

	settings, err := m.store.GetSettings(ctx)
	if err != nil {
		return err
	}

	now := m.now().UTC()
	threshold := settings.RegularAlertOffset
	if e.IsVideoMeeting() {
		threshold = settings.VideoAlertOffset
	}

	m.emit(e, threshold, now, settings)
	return nil
}

// lookaheadMinutes sizes the candidate query window: five minutes covers the
// offset triggers; the 10- and 30-minute nudge bands stretch it when
// enabled.
func lookaheadMinutes(s store.Settings) int {
	lookahead := 5
	if s.Alert10m && lookahead < 10 {
		lookahead = 10
	}
	if s.Alert30m && lookahead < 30 {
		lookahead = 30
	}
	if s.VideoAlertOffset > lookahead {
		lookahead = s.VideoAlertOffset
	}
	if s.RegularAlertOffset > lookahead {
		lookahead = s.RegularAlertOffset
	}
	return lookahead
}

// decide returns the threshold band to fire for an event, if any.
//
// The offset trigger (video or regular) is evaluated first: it is the
// primary alert. The enabled nudge bands follow in descending order. A band
// fires at most once, enforced by the monotonically non-increasing
// last_alert_threshold; a snooze clears has_alerted and re-arms the current
// band after the snooze interval.
func decide(e *store.Event, s store.Settings, now time.Time) (int, bool) {
	if e.IsDismissed {
		return 0, false
	}

	// A snoozed alert stays quiet for the snooze interval.
	if e.LastSnoozedAt != nil {
		quietUntil := e.LastSnoozedAt.Add(time.Duration(s.SnoozeInterval) * time.Minute)
		if now.Before(quietUntil) {
			return 0, false
		}
	}

	minutes := e.MinutesUntilStart(now)

	offset := s.RegularAlertOffset
	if e.IsVideoMeeting() {
		offset = s.VideoAlertOffset
	}

	for _, band := range candidateBands(s, offset) {
		if minutes > band || minutes <= band-graceMinutes {
			continue
		}
		notFiredYet := e.LastAlertThreshold == nil || *e.LastAlertThreshold > band
		if notFiredYet {
			return band, true
		}
		// Snooze re-fire: the band already fired, but the snooze
		// cleared has_alerted and its quiet period has elapsed.
		if !e.HasAlerted && e.SnoozeCount > 0 {
			return band, true
		}
	}
	return 0, false
}

// candidateBands lists the bands to evaluate: the offset first, then the
// enabled nudges in descending order.
func candidateBands(s store.Settings, offset int) []int {
	bands := []int{offset}
	for _, nudge := range []struct {
		band    int
		enabled bool
	}{
		{30, s.Alert30m},
		{10, s.Alert10m},
		{5, s.Alert5m},
		{1, s.Alert1m},
		{0, s.AlertDefault},
	} {
		if nudge.enabled && nudge.band != offset {
			bands = append(bands, nudge.band)
		}
	}
	return bands
}
