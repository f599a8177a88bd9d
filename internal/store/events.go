package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/openchime/openchime/internal/errs"
)

// ErrSnoozeLimit is returned when an event has used all its snoozes.
var ErrSnoozeLimit = errors.New("maximum snooze limit reached")

// UpsertByExternalID inserts or updates an event keyed by
// (account_id, external_id). Only remote-sourced fields are written on
// update; the user-mutated alert state (snooze_count, has_alerted,
// last_alert_threshold, is_dismissed, last_snoozed_at) is preserved.
// Returns true when a new row was created.
func (s *Store) UpsertByExternalID(ctx context.Context, e *Event) (bool, error) {
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = upsertEventTx(ctx, tx, e)
		return err
	})
	return created, err
}

func upsertEventTx(ctx context.Context, tx *sql.Tx, e *Event) (bool, error) {
	if e.EndTime.Before(e.StartTime) {
		return false, errs.New(errs.ConfigInvalid, "event end time precedes its start time")
	}

	now := time.Now().UTC().Unix()

	var existingID int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM events WHERE account_id = ? AND external_id = ?`,
		e.AccountID, e.ExternalID).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (external_id, account_id, title, description, start_time, end_time,
			                    video_link, video_platform, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ExternalID, e.AccountID, e.Title, e.Description,
			e.StartTime.UTC().Unix(), e.EndTime.UTC().Unix(),
			e.VideoLink, e.VideoPlatform, now, now,
		)
		if err != nil {
			return false, errs.Wrap(errs.DatabaseError, "could not insert the event", err)
		}
		e.ID, _ = res.LastInsertId()
		return true, nil
	case err != nil:
		return false, errs.Wrap(errs.DatabaseError, "could not look up the event", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE events
		SET title = ?, description = ?, start_time = ?, end_time = ?,
		    video_link = ?, video_platform = ?, updated_at = ?
		WHERE id = ?`,
		e.Title, e.Description, e.StartTime.UTC().Unix(), e.EndTime.UTC().Unix(),
		e.VideoLink, e.VideoPlatform, now, existingID,
	)
	if err != nil {
		return false, errs.Wrap(errs.DatabaseError, "could not update the event", err)
	}
	e.ID = existingID
	return false, nil
}

// ListWindow returns events starting within [from, to], ordered by
// (start_time, id). With undismissedOnly, dismissed events are excluded.
func (s *Store) ListWindow(ctx context.Context, from, to time.Time, undismissedOnly bool) ([]Event, error) {
	query := `
		SELECT id, external_id, account_id, title, description, start_time, end_time,
		       video_link, video_platform, snooze_count, has_alerted, last_alert_threshold,
		       is_dismissed, last_snoozed_at, created_at, updated_at
		FROM events
		WHERE start_time >= ? AND start_time <= ?`
	if undismissedOnly {
		query += ` AND is_dismissed = 0`
	}
	query += ` ORDER BY start_time ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, errs.Wrap(errs.DatabaseError, "could not query the event window", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.DatabaseError, "error iterating events", err)
	}
	return events, nil
}

// GetEvent returns one event by internal id.
func (s *Store) GetEvent(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, account_id, title, description, start_time, end_time,
		       video_link, video_platform, snooze_count, has_alerted, last_alert_threshold,
		       is_dismissed, last_snoozed_at, created_at, updated_at
		FROM events
		WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "event not found")
		}
		return nil, err
	}
	return e, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e             Event
		startTime     int64
		endTime       int64
		hasAlerted    int
		isDismissed   int
		lastSnoozedAt *int64
		createdAt     int64
		updatedAt     int64
	)
	if err := row.Scan(&e.ID, &e.ExternalID, &e.AccountID, &e.Title, &e.Description,
		&startTime, &endTime, &e.VideoLink, &e.VideoPlatform,
		&e.SnoozeCount, &hasAlerted, &e.LastAlertThreshold,
		&isDismissed, &lastSnoozedAt, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, errs.Wrap(errs.DatabaseError, "could not scan event", err)
	}
	e.StartTime = timeFromUnix(startTime)
	e.EndTime = timeFromUnix(endTime)
	e.HasAlerted = hasAlerted != 0
	e.IsDismissed = isDismissed != 0
	e.LastSnoozedAt = timePtrFromNullable(lastSnoozedAt)
	e.CreatedAt = timeFromUnix(createdAt)
	e.UpdatedAt = timeFromUnix(updatedAt)
	return &e, nil
}

// MarkAlerted records that the event fired for the given threshold band.
// last_alert_threshold only ever decreases; a dismissed event is never
// marked.
func (s *Store) MarkAlerted(ctx context.Context, id int64, threshold int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET has_alerted = 1,
		    last_alert_threshold = CASE
		        WHEN last_alert_threshold IS NULL THEN ?
		        WHEN ? < last_alert_threshold THEN ?
		        ELSE last_alert_threshold
		    END,
		    updated_at = ?
		WHERE id = ? AND is_dismissed = 0`,
		threshold, threshold, threshold, time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return errs.Wrap(errs.DatabaseError, "could not mark the event alerted", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "event not found or already dismissed")
	}
	return nil
}

// RecordSnooze increments the snooze counter and clears has_alerted so the
// alert re-fires after the snooze interval. Rejected with ErrSnoozeLimit
// when the event is out of snoozes.
func (s *Store) RecordSnooze(ctx context.Context, id int64, maxSnoozes int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var snoozeCount int
		var isDismissed int
		err := tx.QueryRowContext(ctx,
			`SELECT snooze_count, is_dismissed FROM events WHERE id = ?`, id).
			Scan(&snoozeCount, &isDismissed)
		if err == sql.ErrNoRows {
			return errs.New(errs.NotFound, "event not found")
		}
		if err != nil {
			return errs.Wrap(errs.DatabaseError, "could not read the event", err)
		}
		if isDismissed != 0 {
			return errs.New(errs.NotFound, "event already dismissed")
		}
		if snoozeCount >= maxSnoozes {
			return ErrSnoozeLimit
		}

		now := time.Now().UTC().Unix()
		_, err = tx.ExecContext(ctx, `
			UPDATE events
			SET snooze_count = snooze_count + 1, last_snoozed_at = ?, has_alerted = 0, updated_at = ?
			WHERE id = ?`, now, now, id)
		if err != nil {
			return errs.Wrap(errs.DatabaseError, "could not snooze the event", err)
		}
		return nil
	})
}

// Dismiss marks an event dismissed. Dismissal is terminal; further alert
// state changes are refused by the other operations.
func (s *Store) Dismiss(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET is_dismissed = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return errs.Wrap(errs.DatabaseError, "could not dismiss the event", err)
	}
	return nil
}

// DeleteOrphans removes this account's events whose external ids are absent
// from keptExternalIDs (the latest successful pull). Returns the number of
// rows deleted.
func (s *Store) DeleteOrphans(ctx context.Context, accountID int64, keptExternalIDs []string) (int64, error) {
	var pruned int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		pruned, err = deleteOrphansTx(ctx, tx, accountID, keptExternalIDs)
		return err
	})
	return pruned, err
}

func deleteOrphansTx(ctx context.Context, tx *sql.Tx, accountID int64, keptExternalIDs []string) (int64, error) {
	query := `DELETE FROM events WHERE account_id = ?`
	args := []any{accountID}
	if len(keptExternalIDs) > 0 {
		query += ` AND external_id NOT IN (?` + strings.Repeat(",?", len(keptExternalIDs)-1) + `)`
		for _, id := range keptExternalIDs {
			args = append(args, id)
		}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errs.Wrap(errs.DatabaseError, "could not prune deleted events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.DatabaseError, "could not count pruned events", err)
	}
	return n, nil
}

// ApplySync upserts a pulled batch and prunes orphans in one transaction, so
// a partial failure leaves the prior state intact.
func (s *Store) ApplySync(ctx context.Context, accountID int64, incoming []Event) (SyncStats, error) {
	var stats SyncStats
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		kept := make([]string, 0, len(incoming))
		for i := range incoming {
			e := &incoming[i]
			e.AccountID = accountID
			created, err := upsertEventTx(ctx, tx, e)
			if err != nil {
				return err
			}
			if created {
				stats.Added++
			} else {
				stats.Updated++
			}
			kept = append(kept, e.ExternalID)
		}
		pruned, err := deleteOrphansTx(ctx, tx, accountID, kept)
		if err != nil {
			return err
		}
		stats.Pruned = int(pruned)
		return nil
	})
	if err != nil {
		return SyncStats{}, err
	}
	return stats, nil
}
