package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// TimestampLayout is the delivered_at format, in the configured timezone.
const TimestampLayout = "2006-01-02 15:04:05"

// DateLayout is the event_date format.
const DateLayout = "2006-01-02"

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means no busy_timeout pragma
	// Location interprets naive timestamps (paused_until) and formats
	// delivered_at. Nil means time.Local.
	Location *time.Location
}

// Recipient is an end user registered through the chat bot.
type Recipient struct {
	ID            int64
	TgID          int64
	Name          string
	Course        int
	DirectionID   int64
	DirectionName string
	RemindBefore  bool
	PausedUntil   *time.Time
}

// PausedAt reports whether deliveries to r are suspended at now.
func (r Recipient) PausedAt(now time.Time) bool {
	return r.PausedUntil != nil && r.PausedUntil.After(now)
}

type Direction struct {
	ID     int64
	Name   string
	Course int
}

// TimeSlot is one of the fixed daily class periods. Start and End are "HH:MM".
type TimeSlot struct {
	ID     int64
	Number int
	Start  string
	End    string
}

// ClassSession is a recurring weekly class ("pair"). DayOfWeek uses 0 = Monday.
type ClassSession struct {
	ID         int64
	Title      string
	Teacher    string
	Room       string
	Type       string
	DayOfWeek  int
	TimeSlotID int64
	Link       string
}

// ScheduledClass is a class joined with its time slot.
type ScheduledClass struct {
	ClassSession
	SlotNumber int
	Start      string
	End        string
}

// DeliveryRecord is one ledger row to append.
type DeliveryRecord struct {
	UserID      int64
	MessageType string
	Status      string
	Error       string
	DeliveredAt time.Time
	EventKey    string // empty for broadcasts
	EventDate   string // YYYY-MM-DD, empty for broadcasts
}

// DeliveryRow is a ledger row joined with recipient data. Recipient fields
// are zero when the user has since been deleted (RecipientFound is false).
type DeliveryRow struct {
	ID             int64  `json:"id"`
	DeliveredAt    string `json:"delivered_at"`
	MessageType    string `json:"message_type"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	UserID         int64  `json:"user_id"`
	RecipientFound bool   `json:"recipient_found"`
	TgID           int64  `json:"tg_id,omitempty"`
	Name           string `json:"name,omitempty"`
	Direction      string `json:"direction,omitempty"`
	Course         int    `json:"course,omitempty"`
}

// DeliveryFilter narrows ledger queries. Zero fields do not filter.
// From and To are calendar days; To is inclusive.
type DeliveryFilter struct {
	MessageType string
	Status      string
	From        time.Time
	To          time.Time
}

type DeliveryStats struct {
	Total  int            `json:"total"`
	Sent   int            `json:"sent"`
	Errors int            `json:"errors"`
	ByType map[string]int `json:"by_type"`
}

// BroadcastFilter selects broadcast recipients. Zero fields do not filter.
type BroadcastFilter struct {
	Course      int
	DirectionID int64
}
