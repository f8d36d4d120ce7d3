package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"schedbot/internal/task/engine"
	logx "schedbot/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

// AddCron registers job under name, replacing any schedule with that name.
// The spec is validated immediately.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: invalid spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		state:   &engine.RunState{},
	})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.String("next", next))
	}
	return nil
}

// AddDaily registers job at hour:minute every day in the scheduler timezone.
func (s *Service) AddDaily(name string, hour, minute int, timeout time.Duration, job func(ctx context.Context) error) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("schedule %s: invalid time %02d:%02d", name, hour, minute)
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", minute, hour), timeout, job)
}

// Remove unschedules name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// State returns the overlap gate of a schedule, nil if unknown. Manual runs
// share it so they never overlap a cron firing.
func (s *Service) State(name string) *engine.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return d.state
		}
	}
	return nil
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, job, state := d.name, d.timeout, d.job, d.state
	eid, err := s.c.AddFunc(d.spec, func() {
		if s.engine == nil {
			return
		}
		_, err := s.engine.Submit(engine.Task{Name: name, Timeout: timeout, Run: job, State: state})
		s.reportSubmitError(name, err)
	})
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) reportSubmitError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Warn("schedule trigger skipped: previous run still in flight", logx.String("schedule", name))
		return
	}

	now := time.Now()
	s.subMu.Lock()
	last := s.lastSubWarn[name]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.subMu.Unlock()
		return
	}
	s.lastSubWarn[name] = now
	s.subMu.Unlock()

	s.log.Warn("schedule failed to start run", logx.String("schedule", name), logx.Err(err))
}

// previewNextRunsLocked lists upcoming fire times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.locationLocked())
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}
