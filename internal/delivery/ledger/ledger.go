// Package ledger is the append-only delivery log: one row per attempted
// dispatch, plus the read side used by the admin console.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"schedbot/internal/delivery"
	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

// Store is the ledger's view of the data store.
type Store interface {
	AppendDelivery(ctx context.Context, rec storage.DeliveryRecord) (int64, error)
	SentToday(ctx context.Context, eventKey, eventDate string) (map[int64]bool, error)
	CountDeliveries(ctx context.Context, f storage.DeliveryFilter) (int, error)
	DeliveryStats(ctx context.Context, f storage.DeliveryFilter) (storage.DeliveryStats, error)
	ListDeliveries(ctx context.Context, f storage.DeliveryFilter, limit, offset int) ([]storage.DeliveryRow, error)
	EachDelivery(ctx context.Context, f storage.DeliveryFilter, fn func(storage.DeliveryRow) error) error
}

// Entry is one dispatch outcome to record.
type Entry struct {
	RecipientID int64
	Type        delivery.MessageType
	Status      delivery.Status
	Err         string
	// EventKey and Day identify a scheduled firing; both are empty for broadcasts.
	EventKey string
	Day      time.Time
	At       time.Time
}

// Ledger records outcomes and answers dedup queries. The served set of each
// (event, day) is loaded once and kept in memory; sent writes extend it.
type Ledger struct {
	store Store
	loc   *time.Location
	log   logx.Logger
	now   func() time.Time

	mu   sync.Mutex
	sent *gocache.Cache // event|date -> map[int64]bool
}

const (
	sentTTL     = 26 * time.Hour
	sentCleanup = time.Hour
)

func New(store Store, loc *time.Location, log logx.Logger) *Ledger {
	if loc == nil {
		loc = time.Local
	}
	return &Ledger{
		store: store,
		loc:   loc,
		log:   log,
		sent:  gocache.New(sentTTL, sentCleanup),
		now:   time.Now,
	}
}

// Record appends e. Store failures are logged and never returned: a broken
// ledger must not stop deliveries.
func (l *Ledger) Record(ctx context.Context, e Entry) {
	at := e.At
	if at.IsZero() {
		at = l.now()
	}
	rec := storage.DeliveryRecord{
		UserID:      e.RecipientID,
		MessageType: string(e.Type),
		Status:      string(e.Status),
		Error:       e.Err,
		DeliveredAt: at,
		EventKey:    e.EventKey,
	}
	if e.EventKey != "" {
		rec.EventDate = l.day(e.Day, at)
	}

	if _, err := l.store.AppendDelivery(ctx, rec); err != nil {
		l.log.Error("ledger write failed",
			logx.Int64("user_id", e.RecipientID),
			logx.String("type", rec.MessageType),
			logx.String("status", rec.Status),
			logx.Err(err),
		)
		return
	}
	if e.Status == delivery.StatusSent && e.EventKey != "" {
		l.mu.Lock()
		if set, ok := l.sent.Get(sentKey(e.EventKey, rec.EventDate)); ok {
			set.(map[int64]bool)[e.RecipientID] = true
		}
		l.mu.Unlock()
	}
}

// SentRecipients returns the recipients that already have a sent row for the
// scheduled event on day. The result is a copy owned by the caller.
func (l *Ledger) SentRecipients(ctx context.Context, eventKey string, day time.Time) (map[int64]bool, error) {
	date := l.day(day, l.now())
	key := sentKey(eventKey, date)

	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.sent.Get(key); ok {
		return copySet(set.(map[int64]bool)), nil
	}
	set, err := l.store.SentToday(ctx, eventKey, date)
	if err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}
	l.sent.SetDefault(key, set)
	return copySet(set), nil
}

func (l *Ledger) day(day, fallback time.Time) string {
	if day.IsZero() {
		day = fallback
	}
	return day.In(l.loc).Format(storage.DateLayout)
}

func sentKey(event, date string) string {
	return event + "|" + date
}

func copySet(in map[int64]bool) map[int64]bool {
	out := make(map[int64]bool, len(in))
	for id := range in {
		out[id] = true
	}
	return out
}
