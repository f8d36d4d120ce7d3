package storage

import (
	"context"
	"time"
)

// The writers below mirror what the admin console does; the engine itself
// only reads these tables.

func (s *Store) CreateDirection(ctx context.Context, name string, course int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO directions(name, course) VALUES(?, ?)`, name, course)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) CreateRecipient(ctx context.Context, r Recipient) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	var paused any
	if r.PausedUntil != nil {
		paused = r.PausedUntil.In(s.loc).Format(TimestampLayout)
	}
	remind := 0
	if r.RemindBefore {
		remind = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(tg_id, name, course, direction_id, remind_before, paused_until) VALUES(?,?,?,?,?,?)`,
		r.TgID, r.Name, r.Course, r.DirectionID, remind, paused,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetPausedUntil pauses deliveries to a user until t (nil resumes).
func (s *Store) SetPausedUntil(ctx context.Context, userID int64, t *time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	var v any
	if t != nil {
		v = t.In(s.loc).Format(TimestampLayout)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET paused_until = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, v, userID)
	return err
}

func (s *Store) CreateTimeSlot(ctx context.Context, number int, start, end string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO time_slots(slot_number, start_time, end_time) VALUES(?,?,?)`, number, start, end)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CreateClass inserts a class and assigns it to directions in one transaction.
func (s *Store) CreateClass(ctx context.Context, c ClassSession, directionIDs ...int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	if c.Type == "" {
		c.Type = "Лекция"
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO pairs(title, teacher, room, type, day_of_week, time_slot_id, extra_link) VALUES(?,?,?,?,?,?,?)`,
		c.Title, c.Teacher, c.Room, c.Type, c.DayOfWeek, c.TimeSlotID, nullStr(c.Link),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, d := range directionIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pair_assignments(pair_id, direction_id) VALUES(?, ?)`, id, d); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}
