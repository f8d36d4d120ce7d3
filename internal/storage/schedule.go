package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	logx "schedbot/pkg/logx"
)

const recipientColumns = `u.id, u.tg_id, u.name, u.course, u.direction_id, COALESCE(d.name, ''), u.remind_before, u.paused_until`

// ListActiveRecipients returns every recipient not paused at at, ordered by name then id.
func (s *Store) ListActiveRecipients(ctx context.Context, at time.Time) ([]Recipient, error) {
	return s.queryRecipients(ctx, at,
		`SELECT `+recipientColumns+`
		 FROM users u LEFT JOIN directions d ON d.id = u.direction_id
		 ORDER BY u.name, u.id`)
}

// ListRecipientsWithRemindersEnabled returns active recipients that opted into reminders.
func (s *Store) ListRecipientsWithRemindersEnabled(ctx context.Context, at time.Time) ([]Recipient, error) {
	return s.queryRecipients(ctx, at,
		`SELECT `+recipientColumns+`
		 FROM users u LEFT JOIN directions d ON d.id = u.direction_id
		 WHERE u.remind_before != 0
		 ORDER BY u.name, u.id`)
}

// ListBroadcastRecipients returns active recipients matching f, ordered by name then id.
// Recipients whose direction no longer exists are excluded.
func (s *Store) ListBroadcastRecipients(ctx context.Context, f BroadcastFilter, at time.Time) ([]Recipient, error) {
	var (
		where []string
		args  []any
	)
	if f.Course > 0 {
		where = append(where, "d.course = ?")
		args = append(args, f.Course)
	}
	if f.DirectionID > 0 {
		where = append(where, "u.direction_id = ?")
		args = append(args, f.DirectionID)
	}
	q := `SELECT ` + recipientColumns + ` FROM users u JOIN directions d ON d.id = u.direction_id`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY u.name, u.id"
	return s.queryRecipients(ctx, at, q, args...)
}

func (s *Store) queryRecipients(ctx context.Context, at time.Time, q string, args ...any) ([]Recipient, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var (
			r      Recipient
			remind int64
			paused sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TgID, &r.Name, &r.Course, &r.DirectionID, &r.DirectionName, &remind, &paused); err != nil {
			return nil, err
		}
		r.RemindBefore = remind != 0
		if paused.Valid && strings.TrimSpace(paused.String) != "" {
			t, err := parseTimestamp(paused.String, s.loc)
			if err != nil {
				// Unreadable pause markers do not silence a recipient.
				s.log.Warn("ignoring paused_until", logx.Int64("user_id", r.ID), logx.Err(err))
			} else {
				r.PausedUntil = &t
			}
		}
		if r.PausedAt(at) {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetClassesForDirectionAndDay returns the classes of a direction on a
// weekday (0 = Monday), ordered by slot number.
func (s *Store) GetClassesForDirectionAndDay(ctx context.Context, directionID int64, weekday int) ([]ScheduledClass, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.title, p.teacher, p.room, p.type, p.day_of_week, p.time_slot_id,
		        COALESCE(p.extra_link, ''), ts.slot_number, ts.start_time, ts.end_time
		 FROM pairs p
		 JOIN pair_assignments pa ON pa.pair_id = p.id
		 JOIN time_slots ts ON ts.id = p.time_slot_id
		 WHERE pa.direction_id = ? AND p.day_of_week = ?
		 ORDER BY ts.slot_number, p.id`,
		directionID, weekday,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledClass
	for rows.Next() {
		var c ScheduledClass
		if err := rows.Scan(&c.ID, &c.Title, &c.Teacher, &c.Room, &c.Type, &c.DayOfWeek, &c.TimeSlotID,
			&c.Link, &c.SlotNumber, &c.Start, &c.End); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListTimeSlots returns all slots ordered by number.
func (s *Store) ListTimeSlots(ctx context.Context) ([]TimeSlot, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slot_number, start_time, end_time FROM time_slots ORDER BY slot_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimeSlot
	for rows.Next() {
		var ts TimeSlot
		if err := rows.Scan(&ts.ID, &ts.Number, &ts.Start, &ts.End); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *Store) ListDirections(ctx context.Context) ([]Direction, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, course FROM directions ORDER BY course, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Direction
	for rows.Next() {
		var d Direction
		if err := rows.Scan(&d.ID, &d.Name, &d.Course); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
