// Package trigger turns the configured timezone, digest time and time slots
// into the daily firing plan: one digest event plus one reminder per slot.
package trigger

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"schedbot/internal/delivery"
	"schedbot/internal/storage"
)

// ErrConfig marks errors that must keep the engine from starting.
var ErrConfig = errors.New("invalid schedule configuration")

type Kind int

const (
	KindDigest Kind = iota
	KindReminder
)

func (k Kind) String() string {
	if k == KindReminder {
		return "reminder"
	}
	return "digest"
}

// Event is one named daily firing.
type Event struct {
	Name   string
	Kind   Kind
	Hour   int
	Minute int
	// Spec is the equivalent cron expression ("m h * * *").
	Spec string
	// Slot is set for reminder events.
	Slot storage.TimeSlot

	loc *time.Location
}

// Clock renders the fire time as HH:MM.
func (e Event) Clock() string { return fmt.Sprintf("%02d:%02d", e.Hour, e.Minute) }

// Next returns the first fire instant strictly after after, in the plan's
// timezone. Days are stepped with calendar arithmetic so DST shifts keep the
// wall-clock time.
func (e Event) Next(after time.Time) time.Time {
	loc := e.loc
	if loc == nil {
		loc = time.UTC
	}
	a := after.In(loc)
	next := time.Date(a.Year(), a.Month(), a.Day(), e.Hour, e.Minute, 0, 0, loc)
	for !next.After(after) {
		a = a.AddDate(0, 0, 1)
		next = time.Date(a.Year(), a.Month(), a.Day(), e.Hour, e.Minute, 0, 0, loc)
	}
	return next
}

// Config is the part of the schedule configuration the plan depends on.
type Config struct {
	Location    *time.Location
	DigestAt    string // HH:MM
	LeadMinutes int
}

// Plan computes the firing plan. Events are ordered digest first, then
// reminders by slot number. Every error wraps ErrConfig.
func Plan(cfg Config, slots []storage.TimeSlot) ([]Event, error) {
	if cfg.Location == nil {
		return nil, fmt.Errorf("%w: timezone is not set", ErrConfig)
	}
	if cfg.LeadMinutes < 0 {
		return nil, fmt.Errorf("%w: reminder lead must be >= 0, got %d", ErrConfig, cfg.LeadMinutes)
	}
	h, m, err := ParseClock(cfg.DigestAt)
	if err != nil {
		return nil, fmt.Errorf("%w: digest time: %v", ErrConfig, err)
	}

	events := make([]Event, 0, 1+len(slots))
	events = append(events, newEvent(delivery.EventDigest, KindDigest, h, m, cfg.Location))

	sorted := append([]storage.TimeSlot(nil), slots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	seen := make(map[int]bool, len(sorted))
	for _, s := range sorted {
		if s.Number <= 0 {
			return nil, fmt.Errorf("%w: slot number must be positive, got %d", ErrConfig, s.Number)
		}
		if seen[s.Number] {
			return nil, fmt.Errorf("%w: duplicate slot number %d", ErrConfig, s.Number)
		}
		seen[s.Number] = true

		rh, rm, err := ReminderClock(s.Start, cfg.LeadMinutes)
		if err != nil {
			return nil, fmt.Errorf("%w: slot %d start: %v", ErrConfig, s.Number, err)
		}
		ev := newEvent(delivery.ReminderEvent(s.Number), KindReminder, rh, rm, cfg.Location)
		ev.Slot = s
		events = append(events, ev)
	}
	return events, nil
}

func newEvent(name string, kind Kind, h, m int, loc *time.Location) Event {
	return Event{
		Name:   name,
		Kind:   kind,
		Hour:   h,
		Minute: m,
		Spec:   fmt.Sprintf("%d %d * * *", m, h),
		loc:    loc,
	}
}

var reClock = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseClock parses "HH:MM" (a single-digit hour is accepted).
func ParseClock(s string) (hour, minute int, err error) {
	mm := reClock.FindStringSubmatch(s)
	if mm == nil {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	hour, _ = strconv.Atoi(mm[1])
	minute, _ = strconv.Atoi(mm[2])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("time out of range %q", s)
	}
	return hour, minute, nil
}

// ReminderClock returns start minus lead minutes, borrowing from the hour
// and wrapping around midnight (00:03 - 5 = 23:58).
func ReminderClock(start string, lead int) (hour, minute int, err error) {
	h, m, err := ParseClock(start)
	if err != nil {
		return 0, 0, err
	}
	const day = 24 * 60
	total := ((h*60+m-lead)%day + day) % day
	return total / 60, total % 60, nil
}

// LoadLocation resolves an IANA timezone name.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: timezone is empty", ErrConfig)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrConfig, name, err)
	}
	return loc, nil
}
