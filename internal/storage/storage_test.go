package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	logx "schedbot/pkg/logx"
)

var msk = time.FixedZone("MSK", 3*3600)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), Config{
		Path:        filepath.Join(t.TempDir(), "schedule.db"),
		BusyTimeout: time.Second,
		Location:    msk,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustID(t *testing.T) func(int64, error) int64 {
	return func(id int64, err error) int64 {
		t.Helper()
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		return id
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	for i := 0; i < 2; i++ {
		if err := st.Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate #%d: %v", i, err)
		}
	}
}

func TestMigrateAddsLedgerColumnsToLegacyDB(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE delivery_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		message_type TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		delivered_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	_ = db.Close()

	st, err := Open(context.Background(), Config{Path: path, Location: msk}, logx.Nop())
	if err != nil {
		t.Fatalf("Open legacy: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if _, err := st.AppendDelivery(ctx, DeliveryRecord{
		UserID: 1, MessageType: "daily_digest", Status: "sent", EventKey: "daily_digest", EventDate: "2024-09-02",
	}); err != nil {
		t.Fatalf("AppendDelivery: %v", err)
	}
	got, err := st.SentToday(ctx, "daily_digest", "2024-09-02")
	if err != nil || !got[1] {
		t.Fatalf("SentToday = %v, %v", got, err)
	}
}

func TestRecipientQueries(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	now := time.Date(2024, 9, 2, 8, 0, 0, 0, msk)

	d1 := mustID(t)(st.CreateDirection(ctx, "Информатика", 1))
	d2 := mustID(t)(st.CreateDirection(ctx, "Физика", 2))

	future := now.Add(48 * time.Hour)
	past := now.Add(-time.Hour)
	mustID(t)(st.CreateRecipient(ctx, Recipient{TgID: 10, Name: "Boris", Course: 1, DirectionID: d1, RemindBefore: true}))
	mustID(t)(st.CreateRecipient(ctx, Recipient{TgID: 11, Name: "Anna", Course: 2, DirectionID: d2, RemindBefore: false}))
	mustID(t)(st.CreateRecipient(ctx, Recipient{TgID: 12, Name: "Clara", Course: 1, DirectionID: d1, RemindBefore: true, PausedUntil: &future}))
	mustID(t)(st.CreateRecipient(ctx, Recipient{TgID: 13, Name: "Dima", Course: 1, DirectionID: d1, RemindBefore: true, PausedUntil: &past}))

	active, err := st.ListActiveRecipients(ctx, now)
	if err != nil {
		t.Fatalf("ListActiveRecipients: %v", err)
	}
	if got := names(active); got != "Anna,Boris,Dima" {
		t.Fatalf("active = %s", got)
	}
	if active[0].DirectionName != "Физика" {
		t.Fatalf("direction name = %q", active[0].DirectionName)
	}

	remind, err := st.ListRecipientsWithRemindersEnabled(ctx, now)
	if err != nil {
		t.Fatalf("ListRecipientsWithRemindersEnabled: %v", err)
	}
	if got := names(remind); got != "Boris,Dima" {
		t.Fatalf("remind = %s", got)
	}

	course1, err := st.ListBroadcastRecipients(ctx, BroadcastFilter{Course: 1}, now)
	if err != nil {
		t.Fatalf("ListBroadcastRecipients: %v", err)
	}
	if got := names(course1); got != "Boris,Dima" {
		t.Fatalf("course_1 = %s", got)
	}
	dir2, err := st.ListBroadcastRecipients(ctx, BroadcastFilter{DirectionID: d2}, now)
	if err != nil {
		t.Fatalf("ListBroadcastRecipients: %v", err)
	}
	if got := names(dir2); got != "Anna" {
		t.Fatalf("direction_2 = %s", got)
	}
}

func TestPausedUntilNaiveISO(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	d := mustID(t)(st.CreateDirection(ctx, "X", 1))
	id := mustID(t)(st.CreateRecipient(ctx, Recipient{TgID: 1, Name: "A", Course: 1, DirectionID: d}))

	// admin console writes Python isoformat without offset
	if _, err := st.db.Exec(`UPDATE users SET paused_until = ? WHERE id = ?`, "2024-09-03T10:00:00.123456", id); err != nil {
		t.Fatalf("update: %v", err)
	}
	before := time.Date(2024, 9, 3, 9, 59, 0, 0, msk)
	after := time.Date(2024, 9, 3, 10, 0, 1, 0, msk)

	got, _ := st.ListActiveRecipients(ctx, before)
	if len(got) != 0 {
		t.Fatalf("recipient should be paused at %v", before)
	}
	got, _ = st.ListActiveRecipients(ctx, after)
	if len(got) != 1 {
		t.Fatalf("recipient should be active at %v", after)
	}
}

func TestClassesForDirectionAndDay(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	d1 := mustID(t)(st.CreateDirection(ctx, "A", 1))
	d2 := mustID(t)(st.CreateDirection(ctx, "B", 1))
	s1 := mustID(t)(st.CreateTimeSlot(ctx, 1, "09:00", "10:30"))
	s2 := mustID(t)(st.CreateTimeSlot(ctx, 2, "10:40", "12:10"))

	mustID(t)(st.CreateClass(ctx, ClassSession{Title: "Late", Teacher: "T", Room: "1", DayOfWeek: 0, TimeSlotID: s2}, d1))
	mustID(t)(st.CreateClass(ctx, ClassSession{Title: "Early", Teacher: "T", Room: "2", DayOfWeek: 0, TimeSlotID: s1, Link: "https://x"}, d1, d2))
	mustID(t)(st.CreateClass(ctx, ClassSession{Title: "Tuesday", Teacher: "T", Room: "3", DayOfWeek: 1, TimeSlotID: s1}, d1))

	classes, err := st.GetClassesForDirectionAndDay(ctx, d1, 0)
	if err != nil {
		t.Fatalf("GetClassesForDirectionAndDay: %v", err)
	}
	if len(classes) != 2 || classes[0].Title != "Early" || classes[1].Title != "Late" {
		t.Fatalf("classes = %+v", classes)
	}
	if classes[0].Start != "09:00" || classes[0].Link != "https://x" || classes[0].Type != "Лекция" {
		t.Fatalf("first class = %+v", classes[0])
	}
	if classes[1].Link != "" {
		t.Fatalf("second class link = %q, want empty", classes[1].Link)
	}

	slots, err := st.ListTimeSlots(ctx)
	if err != nil || len(slots) != 2 || slots[0].Number != 1 {
		t.Fatalf("slots = %+v, %v", slots, err)
	}
}

func TestDeliveryQueries(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	d := mustID(t)(st.CreateDirection(ctx, "Dir", 3))
	u := mustID(t)(st.CreateRecipient(ctx, Recipient{TgID: 77, Name: "Vera", Course: 3, DirectionID: d}))

	day1 := time.Date(2024, 9, 1, 8, 0, 0, 0, msk)
	day2 := time.Date(2024, 9, 2, 8, 0, 0, 0, msk)
	day3 := time.Date(2024, 9, 3, 23, 59, 59, 0, msk)
	recs := []DeliveryRecord{
		{UserID: u, MessageType: "daily_digest", Status: "sent", DeliveredAt: day1},
		{UserID: u, MessageType: "reminder", Status: "error", Error: "blocked", DeliveredAt: day2},
		{UserID: u, MessageType: "broadcast", Status: "sent", DeliveredAt: day2},
		{UserID: 999, MessageType: "broadcast", Status: "sent", DeliveredAt: day3},
	}
	for _, r := range recs {
		if _, err := st.AppendDelivery(ctx, r); err != nil {
			t.Fatalf("AppendDelivery: %v", err)
		}
	}

	all, err := st.ListDeliveries(ctx, DeliveryFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d", len(all))
	}
	// newest first, ties broken by id desc
	if all[0].UserID != 999 || all[1].MessageType != "broadcast" || all[2].MessageType != "reminder" {
		t.Fatalf("order = %+v", all)
	}
	if all[0].RecipientFound {
		t.Fatal("deleted user should not be found")
	}
	if !all[1].RecipientFound || all[1].TgID != 77 || all[1].Direction != "Dir" || all[1].Course != 3 {
		t.Fatalf("joined row = %+v", all[1])
	}
	if all[2].Error != "blocked" || all[1].DeliveredAt != "2024-09-02 08:00:00" {
		t.Fatalf("row = %+v", all[2])
	}

	n, err := st.CountDeliveries(ctx, DeliveryFilter{From: day2, To: day2})
	if err != nil || n != 2 {
		t.Fatalf("count day2 = %d, %v", n, err)
	}
	n, _ = st.CountDeliveries(ctx, DeliveryFilter{To: time.Date(2024, 9, 3, 0, 0, 0, 0, msk)})
	if n != 4 {
		t.Fatalf("inclusive to-date count = %d, want 4", n)
	}
	n, _ = st.CountDeliveries(ctx, DeliveryFilter{MessageType: "broadcast", Status: "sent"})
	if n != 2 {
		t.Fatalf("broadcast/sent count = %d", n)
	}

	stats, err := st.DeliveryStats(ctx, DeliveryFilter{})
	if err != nil {
		t.Fatalf("DeliveryStats: %v", err)
	}
	if stats.Total != 4 || stats.Sent != 3 || stats.Errors != 1 || stats.ByType["broadcast"] != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	var streamed int
	if err := st.EachDelivery(ctx, DeliveryFilter{Status: "sent"}, func(DeliveryRow) error {
		streamed++
		return nil
	}); err != nil || streamed != 3 {
		t.Fatalf("EachDelivery = %d, %v", streamed, err)
	}
}

func TestSentToday(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	add := func(user int64, status, key, day string) {
		if _, err := st.AppendDelivery(ctx, DeliveryRecord{UserID: user, MessageType: "reminder", Status: status, EventKey: key, EventDate: day}); err != nil {
			t.Fatalf("AppendDelivery: %v", err)
		}
	}
	add(1, "sent", "reminder_slot_1", "2024-09-02")
	add(2, "error", "reminder_slot_1", "2024-09-02")
	add(3, "sent", "reminder_slot_2", "2024-09-02")
	add(4, "sent", "reminder_slot_1", "2024-09-01")

	got, err := st.SentToday(ctx, "reminder_slot_1", "2024-09-02")
	if err != nil {
		t.Fatalf("SentToday: %v", err)
	}
	if len(got) != 1 || !got[1] {
		t.Fatalf("SentToday = %v", got)
	}
}

func names(rs []Recipient) string {
	out := ""
	for i, r := range rs {
		if i > 0 {
			out += ","
		}
		out += r.Name
	}
	return out
}

func TestEachDeliveryReleasesConnectionBetweenChunks(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	const n = 2*eachChunk + 100
	base := time.Date(2024, 9, 2, 8, 0, 0, 0, msk)
	for i := 0; i < n; i++ {
		// Few distinct timestamps so chunk boundaries fall inside ties.
		at := base.Add(time.Duration(i%7) * time.Minute)
		if _, err := st.AppendDelivery(ctx, DeliveryRecord{UserID: int64(i + 1), MessageType: "broadcast", Status: "sent", DeliveredAt: at}); err != nil {
			t.Fatalf("AppendDelivery: %v", err)
		}
	}

	var (
		seen = map[int64]bool{}
		prev *DeliveryRow
	)
	err := st.EachDelivery(ctx, DeliveryFilter{MessageType: "broadcast"}, func(r DeliveryRow) error {
		if seen[r.ID] {
			t.Fatalf("row %d visited twice", r.ID)
		}
		seen[r.ID] = true
		if prev != nil && (r.DeliveredAt > prev.DeliveredAt || (r.DeliveredAt == prev.DeliveredAt && r.ID > prev.ID)) {
			t.Fatalf("row %d after %d is out of order", r.ID, prev.ID)
		}
		row := r
		prev = &row

		// The consumer may write to the store mid-export.
		if len(seen)%eachChunk == 1 {
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if _, err := st.AppendDelivery(wctx, DeliveryRecord{UserID: 1, MessageType: "daily_digest", Status: "sent"}); err != nil {
				t.Fatalf("AppendDelivery during export: %v", err)
			}
			if _, err := st.CountDeliveries(wctx, DeliveryFilter{}); err != nil {
				t.Fatalf("CountDeliveries during export: %v", err)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("EachDelivery: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("visited %d rows, want %d", len(seen), n)
	}
}
