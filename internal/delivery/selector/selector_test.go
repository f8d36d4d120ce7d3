package selector

import (
	"context"
	"errors"
	"testing"
	"time"

	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

type fakeStore struct {
	recipients []storage.Recipient
	classes    map[int64][]storage.ScheduledClass
	lastFilter storage.BroadcastFilter
	classCalls map[int64]int
	weekdays   []int
	err        error
}

func (f *fakeStore) ListActiveRecipients(context.Context, time.Time) ([]storage.Recipient, error) {
	return append([]storage.Recipient(nil), f.recipients...), f.err
}

func (f *fakeStore) ListRecipientsWithRemindersEnabled(context.Context, time.Time) ([]storage.Recipient, error) {
	var out []storage.Recipient
	for _, r := range f.recipients {
		if r.RemindBefore {
			out = append(out, r)
		}
	}
	return out, f.err
}

func (f *fakeStore) ListBroadcastRecipients(_ context.Context, bf storage.BroadcastFilter, _ time.Time) ([]storage.Recipient, error) {
	f.lastFilter = bf
	var out []storage.Recipient
	for _, r := range f.recipients {
		if bf.Course > 0 && r.Course != bf.Course {
			continue
		}
		if bf.DirectionID > 0 && r.DirectionID != bf.DirectionID {
			continue
		}
		out = append(out, r)
	}
	return out, f.err
}

func (f *fakeStore) GetClassesForDirectionAndDay(_ context.Context, dir int64, weekday int) ([]storage.ScheduledClass, error) {
	if f.classCalls == nil {
		f.classCalls = map[int64]int{}
	}
	f.classCalls[dir]++
	f.weekdays = append(f.weekdays, weekday)
	return f.classes[dir], nil
}

var msk = time.FixedZone("MSK", 3*3600)

// Monday 2024-09-02.
var monday = time.Date(2024, 9, 2, 8, 0, 0, 0, msk)

func recipient(id int64, name string, dir int64) storage.Recipient {
	return storage.Recipient{ID: id, TgID: 1000 + id, Name: name, Course: 1, DirectionID: dir, RemindBefore: true}
}

func sc(start, end, title string) storage.ScheduledClass {
	return storage.ScheduledClass{ClassSession: storage.ClassSession{Title: title}, Start: start, End: end}
}

func TestWeekdayUsesLocation(t *testing.T) {
	t.Parallel()
	s := New(&fakeStore{}, msk, logx.Nop())
	if got := s.Weekday(monday); got != 0 {
		t.Fatalf("Weekday(monday) = %d, want 0", got)
	}
	// Sunday 22:30 UTC is already Monday in MSK.
	sundayUTC := time.Date(2024, 9, 1, 22, 30, 0, 0, time.UTC)
	if got := s.Weekday(sundayUTC); got != 0 {
		t.Fatalf("Weekday(sundayUTC) = %d, want 0", got)
	}
	if got := s.Weekday(time.Date(2024, 9, 8, 12, 0, 0, 0, msk)); got != 6 {
		t.Fatalf("Weekday(sunday) = %d, want 6", got)
	}
}

func TestDigestExcludesPausedAndSorts(t *testing.T) {
	t.Parallel()
	future := monday.Add(24 * time.Hour)
	past := monday.Add(-time.Hour)
	paused := recipient(2, "Bob", 1)
	paused.PausedUntil = &future
	expired := recipient(3, "Anna", 1)
	expired.PausedUntil = &past

	st := &fakeStore{recipients: []storage.Recipient{
		recipient(4, "Carl", 1),
		paused,
		expired,
		recipient(1, "Anna", 1),
	}}
	got, err := New(st, msk, logx.Nop()).SelectDigestRecipients(context.Background(), monday)
	if err != nil {
		t.Fatalf("SelectDigestRecipients: %v", err)
	}
	var ids []int64
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	want := []int64{1, 3, 4}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestSelectionErrorPropagates(t *testing.T) {
	t.Parallel()
	boom := errors.New("db down")
	s := New(&fakeStore{err: boom}, msk, logx.Nop())
	if _, err := s.SelectDigestRecipients(context.Background(), monday); !errors.Is(err, boom) {
		t.Fatalf("digest err = %v", err)
	}
	if _, err := s.SelectReminderRecipients(context.Background(), storage.TimeSlot{Number: 1, Start: "09:00"}, monday); !errors.Is(err, boom) {
		t.Fatalf("reminder err = %v", err)
	}
}

func TestReminderMatchesSlotStart(t *testing.T) {
	t.Parallel()
	optedOut := recipient(3, "Zed", 1)
	optedOut.RemindBefore = false
	st := &fakeStore{
		recipients: []storage.Recipient{
			recipient(1, "Anna", 1),
			recipient(2, "Boris", 1),
			recipient(4, "Dina", 2),
			optedOut,
		},
		classes: map[int64][]storage.ScheduledClass{
			1: {sc("9:00", "10:30", "Math"), sc("09:00", "10:30", "Dup")},
			2: {sc("10:45", "12:15", "Physics")},
		},
	}
	s := New(st, msk, logx.Nop())

	sel, err := s.SelectReminderRecipients(context.Background(), storage.TimeSlot{Number: 1, Start: "09:00", End: "10:30"}, monday)
	if err != nil {
		t.Fatalf("SelectReminderRecipients: %v", err)
	}
	if len(sel.Targets) != 2 || sel.Skipped != 1 {
		t.Fatalf("targets=%d skipped=%d, want 2 and 1", len(sel.Targets), sel.Skipped)
	}
	for _, tgt := range sel.Targets {
		if tgt.Class.Title != "Math" {
			t.Fatalf("first matching class should win, got %q", tgt.Class.Title)
		}
		if tgt.Recipient.DirectionID != 1 {
			t.Fatalf("unexpected recipient %+v", tgt.Recipient)
		}
	}
	if st.classCalls[1] != 1 || st.classCalls[2] != 1 {
		t.Fatalf("classes should be fetched once per direction, got %v", st.classCalls)
	}
	for _, wd := range st.weekdays {
		if wd != 0 {
			t.Fatalf("weekday = %d, want 0", wd)
		}
	}

	sel, err = s.SelectReminderRecipients(context.Background(), storage.TimeSlot{Number: 2, Start: "10:45"}, monday)
	if err != nil {
		t.Fatalf("SelectReminderRecipients: %v", err)
	}
	if len(sel.Targets) != 1 || sel.Targets[0].Recipient.ID != 4 || sel.Skipped != 2 {
		t.Fatalf("slot 2 selection = %+v", sel)
	}
}

func TestParseTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want storage.BroadcastFilter
		err  bool
	}{
		{in: "all"},
		{in: ""},
		{in: "course_2", want: storage.BroadcastFilter{Course: 2}},
		{in: "direction_7", want: storage.BroadcastFilter{DirectionID: 7}},
		{in: "course_x", err: true},
		{in: "course_0", err: true},
		{in: "direction_-1", err: true},
		{in: "group_1", err: true},
	}
	for _, tt := range tests {
		got, err := ParseTarget(tt.in)
		if tt.err {
			if !errors.Is(err, ErrInvalidTarget) {
				t.Fatalf("ParseTarget(%q) err = %v, want ErrInvalidTarget", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseTarget(%q) = %+v, %v; want %+v", tt.in, got, err, tt.want)
		}
	}
}

func TestSelectBroadcastRecipients(t *testing.T) {
	t.Parallel()
	second := recipient(5, "Eve", 3)
	second.Course = 2
	st := &fakeStore{recipients: []storage.Recipient{recipient(1, "Anna", 1), second}}
	s := New(st, msk, logx.Nop())

	got, err := s.SelectBroadcastRecipients(context.Background(), "course_2", monday)
	if err != nil {
		t.Fatalf("SelectBroadcastRecipients: %v", err)
	}
	if len(got) != 1 || got[0].ID != 5 || st.lastFilter.Course != 2 {
		t.Fatalf("got %+v filter %+v", got, st.lastFilter)
	}

	got, err = s.SelectBroadcastRecipients(context.Background(), "course_4", monday)
	if err != nil || len(got) != 0 {
		t.Fatalf("course_4 = %+v, %v", got, err)
	}
}
