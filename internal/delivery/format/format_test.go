package format

import (
	"strings"
	"testing"

	"schedbot/internal/storage"
)

func class(title, start, end string) storage.ScheduledClass {
	return storage.ScheduledClass{
		ClassSession: storage.ClassSession{Title: title, Teacher: "Иванов И.И.", Room: "101", Type: "Лекция"},
		Start:        start,
		End:          end,
	}
}

func TestWeekdayName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    int
		want string
	}{
		{0, "Понедельник"},
		{2, "Среда"},
		{6, "Воскресенье"},
		{7, "Понедельник"},
		{-1, "Воскресенье"},
	}
	for _, tt := range tests {
		if got := WeekdayName(tt.d); got != tt.want {
			t.Fatalf("WeekdayName(%d) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestDigestWithClasses(t *testing.T) {
	t.Parallel()
	c1 := class("Математика", "09:00", "10:30")
	c1.Link = "https://meet.example/x"
	c2 := class("Физика", "10:45", "12:15")
	c2.Teacher = ""
	got := Digest("Аня", 0, []storage.ScheduledClass{c1, c2})

	for _, want := range []string{
		"📅 <b>Понедельник</b>\n\nПривет, Аня! 👋",
		"Вот твоё расписание на сегодня:",
		"🕐 <b>09:00 - 10:30</b>\n📚 Математика\n👨‍🏫 Иванов И.И.\n🏛 101\n📝 Лекция\n🔗 <a href='https://meet.example/x'>Ссылка на занятие</a>",
		"🕐 <b>10:45 - 12:15</b>\n📚 Физика\n🏛 101\n",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("digest missing %q:\n%s", want, got)
		}
	}
	if !strings.HasSuffix(got, "Удачного дня! 🎓") {
		t.Fatalf("digest should end with farewell:\n%s", got)
	}
	if strings.Count(got, "🔗") != 1 {
		t.Fatalf("expected exactly one link line:\n%s", got)
	}
}

func TestDigestNoClasses(t *testing.T) {
	t.Parallel()
	got := Digest("Boris", 5, nil)
	want := "📅 <b>Суббота</b>\n\nПривет, Boris! 👋\n\nСегодня у тебя нет пар. Отдыхай! 😊"
	if got != want {
		t.Fatalf("Digest = %q, want %q", got, want)
	}
}

func TestDigestEscapesUserData(t *testing.T) {
	t.Parallel()
	c := class("<script>", "09:00", "10:30")
	got := Digest("A & B", 1, []storage.ScheduledClass{c})
	if strings.Contains(got, "<script>") {
		t.Fatalf("title not escaped: %s", got)
	}
	if !strings.Contains(got, "A &amp; B") {
		t.Fatalf("name not escaped: %s", got)
	}
}

func TestReminder(t *testing.T) {
	t.Parallel()
	c := class("Математика", "09:00", "10:30")
	got := Reminder(c, 5)
	want := "⏰ <b>Напоминание!</b>\n\nЧерез 5 минут начинается пара:\n\n🕐 09:00 - 10:30\n📚 <b>Математика</b>\n👨‍🏫 Иванов И.И.\n🏛 101"
	if got != want {
		t.Fatalf("Reminder = %q, want %q", got, want)
	}

	c.Link = "https://meet.example/y"
	got = Reminder(c, 10)
	if !strings.HasSuffix(got, "🔗 <a href='https://meet.example/y'>Перейти к занятию</a>") {
		t.Fatalf("link line missing: %q", got)
	}
	if !strings.Contains(got, "Через 10 минут") {
		t.Fatalf("lead missing: %q", got)
	}
}

func TestBroadcastTrims(t *testing.T) {
	t.Parallel()
	if got := Broadcast("  <b>hi</b>\n"); got != "<b>hi</b>" {
		t.Fatalf("Broadcast = %q", got)
	}
}
