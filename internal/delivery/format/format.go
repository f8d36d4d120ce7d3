// Package format renders outgoing messages. All output is Telegram HTML;
// user-provided values are escaped. Formatting never fails.
package format

import (
	"html"
	"strconv"
	"strings"

	"schedbot/internal/storage"
)

var weekdays = [7]string{
	"Понедельник",
	"Вторник",
	"Среда",
	"Четверг",
	"Пятница",
	"Суббота",
	"Воскресенье",
}

// WeekdayName returns the Russian weekday name for d (0 = Monday).
// Out of range values are reduced mod 7.
func WeekdayName(d int) string {
	return weekdays[((d%7)+7)%7]
}

// Digest renders the morning schedule for one recipient.
func Digest(name string, weekday int, classes []storage.ScheduledClass) string {
	var b strings.Builder
	b.WriteString("📅 <b>")
	b.WriteString(WeekdayName(weekday))
	b.WriteString("</b>\n\n")
	b.WriteString("Привет, ")
	b.WriteString(esc(name))
	b.WriteString("! 👋\n\n")

	if len(classes) == 0 {
		b.WriteString("Сегодня у тебя нет пар. Отдыхай! 😊")
		return b.String()
	}

	b.WriteString("Вот твоё расписание на сегодня:\n\n")
	for _, c := range classes {
		b.WriteString("🕐 <b>")
		b.WriteString(esc(c.Start))
		b.WriteString(" - ")
		b.WriteString(esc(c.End))
		b.WriteString("</b>\n")
		line(&b, "📚 ", c.Title)
		line(&b, "👨‍🏫 ", c.Teacher)
		line(&b, "🏛 ", c.Room)
		line(&b, "📝 ", c.Type)
		if link := strings.TrimSpace(c.Link); link != "" {
			b.WriteString("🔗 <a href='")
			b.WriteString(esc(link))
			b.WriteString("'>Ссылка на занятие</a>\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Удачного дня! 🎓")
	return b.String()
}

// Reminder renders the "class starts soon" notice.
func Reminder(c storage.ScheduledClass, leadMinutes int) string {
	var b strings.Builder
	b.WriteString("⏰ <b>Напоминание!</b>\n\n")
	b.WriteString("Через ")
	b.WriteString(strconv.Itoa(leadMinutes))
	b.WriteString(" минут начинается пара:\n\n")
	b.WriteString("🕐 ")
	b.WriteString(esc(c.Start))
	b.WriteString(" - ")
	b.WriteString(esc(c.End))
	b.WriteString("\n")
	if t := strings.TrimSpace(c.Title); t != "" {
		b.WriteString("📚 <b>")
		b.WriteString(esc(t))
		b.WriteString("</b>\n")
	}
	line(&b, "👨‍🏫 ", c.Teacher)
	line(&b, "🏛 ", c.Room)
	if link := strings.TrimSpace(c.Link); link != "" {
		b.WriteString("\n🔗 <a href='")
		b.WriteString(esc(link))
		b.WriteString("'>Перейти к занятию</a>")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Broadcast returns the admin-authored text as-is (it may contain HTML).
func Broadcast(text string) string { return strings.TrimSpace(text) }

func line(b *strings.Builder, prefix, v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	b.WriteString(prefix)
	b.WriteString(esc(v))
	b.WriteString("\n")
}

func esc(s string) string { return html.EscapeString(s) }
