// Package delivery holds the vocabulary shared by the delivery engine:
// message types, ledger statuses and scheduled event keys.
package delivery

import (
	"fmt"
	"strconv"
	"strings"
)

// MessageType tags a ledger row.
type MessageType string

const (
	TypeDigest    MessageType = "daily_digest"
	TypeReminder  MessageType = "reminder"
	TypeBroadcast MessageType = "broadcast"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeDigest, TypeReminder, TypeBroadcast:
		return true
	}
	return false
}

// Status is the recorded outcome of one dispatch.
type Status string

const (
	StatusSent  Status = "sent"
	StatusError Status = "error"
)

func (s Status) Valid() bool { return s == StatusSent || s == StatusError }

// EventDigest is the name of the once-daily digest event.
const EventDigest = "daily_digest"

const reminderPrefix = "reminder_slot_"

// ReminderEvent names the reminder event of a time slot.
func ReminderEvent(slot int) string { return reminderPrefix + strconv.Itoa(slot) }

// ParseReminderEvent returns the slot number of a reminder event name.
func ParseReminderEvent(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, reminderPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// MessageTypeOf maps a scheduled event name to its ledger type.
func MessageTypeOf(event string) (MessageType, error) {
	if event == EventDigest {
		return TypeDigest, nil
	}
	if _, ok := ParseReminderEvent(event); ok {
		return TypeReminder, nil
	}
	return "", fmt.Errorf("unknown event %q", event)
}
