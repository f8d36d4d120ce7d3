package storage

import (
	"context"
	"strings"
	"time"
)

// AppendDelivery inserts one ledger row and returns its id.
func (s *Store) AppendDelivery(ctx context.Context, rec DeliveryRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	if rec.DeliveredAt.IsZero() {
		rec.DeliveredAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log(user_id, message_type, status, error_message, delivered_at, event_key, event_date)
		 VALUES(?,?,?,?,?,?,?)`,
		rec.UserID, rec.MessageType, rec.Status, nullStr(rec.Error),
		rec.DeliveredAt.In(s.loc).Format(TimestampLayout),
		nullStr(rec.EventKey), nullStr(rec.EventDate),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SentToday returns the users that already have a sent row for (event, day).
func (s *Store) SentToday(ctx context.Context, eventKey, eventDate string) (map[int64]bool, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM delivery_log
		 WHERE event_key = ? AND event_date = ? AND status = 'sent'`,
		eventKey, eventDate,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func whereDeliveries(f DeliveryFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if v := strings.TrimSpace(f.MessageType); v != "" {
		conds = append(conds, "dl.message_type = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(f.Status); v != "" {
		conds = append(conds, "dl.status = ?")
		args = append(args, v)
	}
	if !f.From.IsZero() {
		conds = append(conds, "dl.delivered_at >= ?")
		args = append(args, f.From.Format(DateLayout))
	}
	if !f.To.IsZero() {
		// inclusive end day
		conds = append(conds, "dl.delivered_at < ?")
		args = append(args, f.To.AddDate(0, 0, 1).Format(DateLayout))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// CountDeliveries counts ledger rows matching f.
func (s *Store) CountDeliveries(ctx context.Context, f DeliveryFilter) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	where, args := whereDeliveries(f)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_log dl`+where, args...).Scan(&n)
	return n, err
}

// DeliveryStats aggregates ledger rows matching f.
func (s *Store) DeliveryStats(ctx context.Context, f DeliveryFilter) (DeliveryStats, error) {
	st := DeliveryStats{ByType: map[string]int{}}
	if s == nil || s.db == nil {
		return st, ErrClosed
	}
	where, args := whereDeliveries(f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT dl.message_type, dl.status, COUNT(*) FROM delivery_log dl`+where+
			` GROUP BY dl.message_type, dl.status`, args...)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ, status string
			n           int
		)
		if err := rows.Scan(&typ, &status, &n); err != nil {
			return st, err
		}
		st.Total += n
		st.ByType[typ] += n
		switch status {
		case "sent":
			st.Sent += n
		case "error":
			st.Errors += n
		}
	}
	return st, rows.Err()
}

const deliveryRowQuery = `SELECT dl.id, dl.delivered_at, dl.message_type, dl.status, COALESCE(dl.error_message, ''),
        dl.user_id, u.id IS NOT NULL, COALESCE(u.tg_id, 0), COALESCE(u.name, ''), COALESCE(d.name, ''), COALESCE(d.course, 0)
 FROM delivery_log dl
 LEFT JOIN users u ON u.id = dl.user_id
 LEFT JOIN directions d ON d.id = u.direction_id`

// ListDeliveries returns one page of joined ledger rows, newest first.
func (s *Store) ListDeliveries(ctx context.Context, f DeliveryFilter, limit, offset int) ([]DeliveryRow, error) {
	where, args := whereDeliveries(f)
	return s.queryDeliveries(ctx, where, args, limit, offset)
}

// eachChunk bounds how many rows EachDelivery reads per query.
const eachChunk = 500

// EachDelivery calls fn for every joined ledger row matching f, newest first.
// Rows are read in keyset chunks and fn runs with no cursor open, so a slow
// consumer never holds the connection other queries need.
func (s *Store) EachDelivery(ctx context.Context, f DeliveryFilter, fn func(DeliveryRow) error) error {
	where, args := whereDeliveries(f)
	var last *DeliveryRow
	for {
		w, a := where, args
		if last != nil {
			cond := "(dl.delivered_at < ? OR (dl.delivered_at = ? AND dl.id < ?))"
			if w == "" {
				w = " WHERE " + cond
			} else {
				w += " AND " + cond
			}
			a = append(append([]any(nil), args...), last.DeliveredAt, last.DeliveredAt, last.ID)
		}
		chunk, err := s.queryDeliveries(ctx, w, a, eachChunk, 0)
		if err != nil {
			return err
		}
		for _, r := range chunk {
			if err := fn(r); err != nil {
				return err
			}
		}
		if len(chunk) < eachChunk {
			return nil
		}
		last = &chunk[len(chunk)-1]
	}
}

func (s *Store) queryDeliveries(ctx context.Context, where string, args []any, limit, offset int) ([]DeliveryRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	q := deliveryRowQuery + where + ` ORDER BY dl.delivered_at DESC, dl.id DESC`
	if limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRow
	for rows.Next() {
		var (
			r     DeliveryRow
			found int64
		)
		if err := rows.Scan(&r.ID, &r.DeliveredAt, &r.MessageType, &r.Status, &r.Error,
			&r.UserID, &found, &r.TgID, &r.Name, &r.Direction, &r.Course); err != nil {
			return nil, err
		}
		r.RecipientFound = found != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
