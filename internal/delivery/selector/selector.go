// Package selector decides who receives a scheduled or broadcast message.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"schedbot/internal/delivery/trigger"
	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

var ErrInvalidTarget = errors.New("invalid broadcast target")

// Store is the read side of the data store used for selection.
type Store interface {
	ListActiveRecipients(ctx context.Context, at time.Time) ([]storage.Recipient, error)
	ListRecipientsWithRemindersEnabled(ctx context.Context, at time.Time) ([]storage.Recipient, error)
	ListBroadcastRecipients(ctx context.Context, f storage.BroadcastFilter, at time.Time) ([]storage.Recipient, error)
	GetClassesForDirectionAndDay(ctx context.Context, directionID int64, weekday int) ([]storage.ScheduledClass, error)
}

type Selector struct {
	store Store
	loc   *time.Location
	log   logx.Logger
}

func New(store Store, loc *time.Location, log logx.Logger) *Selector {
	if loc == nil {
		loc = time.Local
	}
	return &Selector{store: store, loc: loc, log: log}
}

// Weekday returns at's weekday in the configured location, 0 = Monday.
func (s *Selector) Weekday(at time.Time) int {
	return (int(at.In(s.loc).Weekday()) + 6) % 7
}

// SelectDigestRecipients returns everyone not paused at at, ordered by name then id.
func (s *Selector) SelectDigestRecipients(ctx context.Context, at time.Time) ([]storage.Recipient, error) {
	rs, err := s.store.ListActiveRecipients(ctx, at)
	if err != nil {
		return nil, fmt.Errorf("select digest recipients: %w", err)
	}
	return active(rs, at), nil
}

// ClassesFor returns the classes of a direction on at's weekday.
func (s *Selector) ClassesFor(ctx context.Context, directionID int64, at time.Time) ([]storage.ScheduledClass, error) {
	cs, err := s.store.GetClassesForDirectionAndDay(ctx, directionID, s.Weekday(at))
	if err != nil {
		return nil, fmt.Errorf("classes for direction %d: %w", directionID, err)
	}
	return cs, nil
}

// ReminderTarget pairs a recipient with the class their reminder is about.
type ReminderTarget struct {
	Recipient storage.Recipient
	Class     storage.ScheduledClass
}

type ReminderSelection struct {
	Targets []ReminderTarget
	// Skipped counts opted-in recipients without a class in the slot.
	Skipped int
}

// SelectReminderRecipients returns opted-in, unpaused recipients that have a
// class starting at slot's start time on at's weekday.
func (s *Selector) SelectReminderRecipients(ctx context.Context, slot storage.TimeSlot, at time.Time) (ReminderSelection, error) {
	var sel ReminderSelection

	rs, err := s.store.ListRecipientsWithRemindersEnabled(ctx, at)
	if err != nil {
		return sel, fmt.Errorf("select reminder recipients: %w", err)
	}
	rs = active(rs, at)

	weekday := s.Weekday(at)
	byDirection := make(map[int64][]storage.ScheduledClass)
	for _, r := range rs {
		classes, ok := byDirection[r.DirectionID]
		if !ok {
			classes, err = s.store.GetClassesForDirectionAndDay(ctx, r.DirectionID, weekday)
			if err != nil {
				return ReminderSelection{}, fmt.Errorf("classes for direction %d: %w", r.DirectionID, err)
			}
			byDirection[r.DirectionID] = classes
		}

		c, found := matchSlot(classes, slot.Start)
		if !found {
			sel.Skipped++
			continue
		}
		sel.Targets = append(sel.Targets, ReminderTarget{Recipient: r, Class: c})
	}
	s.log.Debug("reminder selection",
		logx.Int("slot", slot.Number),
		logx.Int("weekday", weekday),
		logx.Int("targets", len(sel.Targets)),
		logx.Int("skipped", sel.Skipped),
	)
	return sel, nil
}

// SelectBroadcastRecipients returns unpaused recipients matching target.
func (s *Selector) SelectBroadcastRecipients(ctx context.Context, target string, at time.Time) ([]storage.Recipient, error) {
	f, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	rs, err := s.store.ListBroadcastRecipients(ctx, f, at)
	if err != nil {
		return nil, fmt.Errorf("select broadcast recipients: %w", err)
	}
	return active(rs, at), nil
}

// ParseTarget parses "all", "course_<n>" or "direction_<id>".
func ParseTarget(target string) (storage.BroadcastFilter, error) {
	t := strings.ToLower(strings.TrimSpace(target))
	if t == "" || t == "all" {
		return storage.BroadcastFilter{}, nil
	}
	if rest, ok := strings.CutPrefix(t, "course_"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			return storage.BroadcastFilter{}, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
		}
		return storage.BroadcastFilter{Course: n}, nil
	}
	if rest, ok := strings.CutPrefix(t, "direction_"); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 {
			return storage.BroadcastFilter{}, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
		}
		return storage.BroadcastFilter{DirectionID: id}, nil
	}
	return storage.BroadcastFilter{}, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
}

func matchSlot(classes []storage.ScheduledClass, start string) (storage.ScheduledClass, bool) {
	for _, c := range classes {
		if sameClock(c.Start, start) {
			return c, true
		}
	}
	return storage.ScheduledClass{}, false
}

func sameClock(a, b string) bool {
	ah, am, errA := trigger.ParseClock(a)
	bh, bm, errB := trigger.ParseClock(b)
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return ah == bh && am == bm
}

// active drops paused recipients and orders the rest by name then id.
func active(rs []storage.Recipient, at time.Time) []storage.Recipient {
	out := make([]storage.Recipient, 0, len(rs))
	for _, r := range rs {
		if r.PausedAt(at) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
