// Package engine executes scheduled runs. Every run gets its own supervised
// goroutine, so a slow run never delays another; runs of the same task never
// overlap.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"schedbot/internal/eventbus"
	rtsup "schedbot/internal/runtime/supervisor"
	logx "schedbot/pkg/logx"
)

// Task lifecycle event types.
const (
	EventStarted  = "task.started"
	EventFinished = "task.finished"
	EventFailed   = "task.failed"
	EventSkipped  = "task.skipped"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	sup *rtsup.Supervisor

	stateMu sync.Mutex
	states  map[string]*RunState

	inflightMu sync.Mutex
	inflight   map[string]string // id -> name

	hmu     sync.Mutex
	history []HistoryItem

	started   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		states:   make(map[string]*RunState),
		inflight: make(map[string]string),
	}
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.hmu.Lock()
	s.trimHistoryLocked(cfg.HistorySize)
	s.hmu.Unlock()
}

// Supervisor returns the engine's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start is idempotent. Runs inherit ctx.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		// A failing run must not take the others down.
		rtsup.WithCancelOnError(false),
	)
	s.log.Info("task engine started", logx.Int("history", s.cfg.HistorySize))
}

// Stop cancels in-flight runs and waits for them until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	start := time.Now()
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out", logx.Strings("in_flight", s.inFlightNames()), logx.Err(ctx.Err()))
		return
	}
	s.log.Info("task engine stopped", logx.Duration("took", time.Since(start)))
}

// Submit starts t in its own goroutine and returns the run id. It fails with
// ErrOverlapSkip when a run of the same task is still in flight.
func (s *Service) Submit(t Task) (string, error) {
	if t.Run == nil {
		return "", fmt.Errorf("%w: Run is nil", ErrInvalidTask)
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return "", fmt.Errorf("%w: Name is required", ErrInvalidTask)
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	sup := s.sup
	cfg := s.cfg
	s.mu.Unlock()
	if sup == nil || sup.Context().Err() != nil {
		return "", ErrStopped
	}

	st := t.State
	if st == nil {
		st = s.stateFor(t.Name)
	}
	now := time.Now()
	if !st.tryAcquire() {
		s.skipped.Add(1)
		s.publish(EventSkipped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return t.ID, ErrOverlapSkip
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	s.started.Add(1)
	s.trackInFlight(t.ID, t.Name, true)
	sup.Go0(t.Name, func(ctx context.Context) {
		defer st.release()
		defer s.trackInFlight(t.ID, t.Name, false)
		s.exec(ctx, t, timeout)
	})
	return t.ID, nil
}

func (s *Service) exec(ctx context.Context, t Task, timeout time.Duration) {
	start := time.Now()
	s.publish(EventStarted, start, TaskEvent{ID: t.ID, Name: t.Name, Started: start})
	s.log.Debug("task started", logx.String("task", t.Name), logx.String("id", t.ID))

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task panic",
					logx.String("task", t.Name),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
			}
		}()
		err = t.Run(runCtx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, Duration: dur}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start, Duration: dur}
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		ev.Error = item.Error
		s.publish(EventFailed, time.Now(), ev)
		s.log.Warn("task failed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Duration("took", dur), logx.Err(err))
	} else {
		s.succeeded.Add(1)
		s.publish(EventFinished, time.Now(), ev)
		s.log.Debug("task finished", logx.String("task", t.Name), logx.String("id", t.ID), logx.Duration("took", dur))
	}
	s.record(item)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	sup := s.sup
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:    sup != nil,
		InFlight:   s.inFlightNames(),
		Started:    s.started.Load(),
		Succeeded:  s.succeeded.Load(),
		Failed:     s.failed.Load(),
		Skipped:    s.skipped.Load(),
		History:    h,
		Supervisor: sup.Snapshot(),
		Timeout:    cfg.DefaultTimeout,
	}
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) trackInFlight(id, name string, add bool) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if add {
		s.inflight[id] = name
	} else {
		delete(s.inflight, id)
	}
}

func (s *Service) inFlightNames() []string {
	s.inflightMu.Lock()
	out := make([]string, 0, len(s.inflight))
	for _, n := range s.inflight {
		out = append(out, n)
	}
	s.inflightMu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	s.trimHistoryLocked(size)
	s.hmu.Unlock()
}

func (s *Service) trimHistoryLocked(size int) {
	if size > 0 && len(s.history) > size {
		s.history = append([]HistoryItem(nil), s.history[len(s.history)-size:]...)
	}
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}
