package orchestrator

import (
	"context"
	"errors"
	"time"

	"schedbot/internal/delivery/dispatch"
	"schedbot/internal/delivery/ledger"
	"schedbot/internal/delivery/selector"
	"schedbot/internal/storage"
	"schedbot/internal/task/engine"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrEmptyText    = errors.New("broadcast text is empty")
	ErrNotStarted   = errors.New("orchestrator not started")
)

// ErrInvalidTarget is returned for malformed broadcast targets.
var ErrInvalidTarget = selector.ErrInvalidTarget

type SlotStore interface {
	ListTimeSlots(ctx context.Context) ([]storage.TimeSlot, error)
}

type Selector interface {
	Weekday(at time.Time) int
	SelectDigestRecipients(ctx context.Context, at time.Time) ([]storage.Recipient, error)
	SelectReminderRecipients(ctx context.Context, slot storage.TimeSlot, at time.Time) (selector.ReminderSelection, error)
	SelectBroadcastRecipients(ctx context.Context, target string, at time.Time) ([]storage.Recipient, error)
	ClassesFor(ctx context.Context, directionID int64, at time.Time) ([]storage.ScheduledClass, error)
}

type Dispatcher interface {
	Send(ctx context.Context, items []dispatch.Item) []dispatch.Outcome
}

type Ledger interface {
	Record(ctx context.Context, e ledger.Entry)
	SentRecipients(ctx context.Context, eventKey string, day time.Time) (map[int64]bool, error)
}

type Scheduler interface {
	AddDaily(name string, hour, minute int, timeout time.Duration, job func(ctx context.Context) error) error
	Remove(name string) bool
	State(name string) *engine.RunState
	Start(ctx context.Context)
	Stop(ctx context.Context)
}

// Runner starts a run in its own goroutine.
type Runner interface {
	Submit(t engine.Task) (string, error)
}

type Deps struct {
	Slots      SlotStore
	Selector   Selector
	Dispatcher Dispatcher
	Ledger     Ledger
	Scheduler  Scheduler
	Runner     Runner
}

type Config struct {
	Location    *time.Location
	DigestAt    string
	LeadMinutes int
	// Dedup skips recipients that already have a sent row for the same
	// scheduled event and day.
	Dedup bool
	// RunTimeout bounds one scheduled run; 0 means none.
	RunTimeout time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Summary aggregates one scheduled run. Total counts every recipient the run
// considered: Sent + Errors + Skipped + Abandoned.
type Summary struct {
	Event     string        `json:"event"`
	Type      string        `json:"type"`
	Day       string        `json:"day"`
	Total     int           `json:"total"`
	Sent      int           `json:"sent"`
	Errors    int           `json:"errors"`
	Skipped   int           `json:"skipped"`
	Abandoned int           `json:"abandoned"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
}

type EventStatus struct {
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	At           string    `json:"at"`
	Spec         string    `json:"spec"`
	Slot         int       `json:"slot,omitempty"`
	Next         time.Time `json:"next"`
	State        State     `json:"state"`
	LastStarted  time.Time `json:"last_started,omitempty"`
	LastFinished time.Time `json:"last_finished,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LastSummary  *Summary  `json:"last_summary,omitempty"`
}

type Snapshot struct {
	Started  bool          `json:"started"`
	Timezone string        `json:"timezone"`
	Dedup    bool          `json:"dedup"`
	Events   []EventStatus `json:"events"`
}

type BroadcastRequest struct {
	Text   string `json:"text"`
	Target string `json:"target"`
}

type BroadcastResult struct {
	Target       string        `json:"target"`
	NoRecipients bool          `json:"no_recipients"`
	Total        int           `json:"total"`
	Sent         int           `json:"sent"`
	Errors       int           `json:"errors"`
	Abandoned    int           `json:"abandoned"`
	Duration     time.Duration `json:"duration"`
}

// RunFailure is published when a scheduled run aborts.
type RunFailure struct {
	Event string `json:"event"`
	Error string `json:"error"`
}
