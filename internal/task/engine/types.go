package engine

import (
	"context"
	"sync"
	"time"

	rtsup "schedbot/internal/runtime/supervisor"
)

// Config controls the run executor.
type Config struct {
	// HistorySize bounds the run history kept for diagnostics (default 100).
	HistorySize int
	// DefaultTimeout is used when Task.Timeout is 0. 0 means no deadline.
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	return c
}

// RunState tracks whether a task is already in-flight.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Running reports whether a run holds the state.
func (s *RunState) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

type HistoryItem struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// Runs sharing a RunState never overlap; when State is nil the engine keeps
// one per task name.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	State   *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running    bool           `json:"running"`
	InFlight   []string       `json:"in_flight"`
	Started    uint64         `json:"started"`
	Succeeded  uint64         `json:"succeeded"`
	Failed     uint64         `json:"failed"`
	Skipped    uint64         `json:"skipped"`
	History    []HistoryItem  `json:"history"`
	Supervisor rtsup.Snapshot `json:"supervisor"`
	Timeout    time.Duration  `json:"default_timeout"`
}
