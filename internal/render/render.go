// Package render builds the Telegram HTML messages for schedule days.
package render

import (
	"html"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"schedbot/internal/ics"
	"schedbot/internal/storage"
)

// MaxMessageRunes is Telegram's per-message text limit.
const MaxMessageRunes = 4096

const (
	EmptyDay   = "Занятий нет 🎉"
	weekTitle  = "📅 Ваше расписание!"
	hasClasses = "🟧"
	noClasses  = "🟩"
)

var weekdays = [...]string{
	time.Monday:    "Понедельник",
	time.Tuesday:   "Вторник",
	time.Wednesday: "Среда",
	time.Thursday:  "Четверг",
	time.Friday:    "Пятница",
	time.Saturday:  "Суббота",
	time.Sunday:    "Воскресенье",
}

var weekdayAbbr = [...]string{
	time.Monday:    "Пн",
	time.Tuesday:   "Вт",
	time.Wednesday: "Ср",
	time.Thursday:  "Чт",
	time.Friday:    "Пт",
	time.Saturday:  "Сб",
	time.Sunday:    "Вс",
}

func esc(s string) string { return html.EscapeString(s) }

// Header returns "📅 DD.MM.YYYY Weekday".
func Header(day time.Time) string {
	return "📅 " + day.Format("02.01.2006") + " " + weekdays[day.Weekday()]
}

// Day renders one day. Items are expected in display order.
func Day(day time.Time, items []storage.Occurrence) string {
	return Header(day) + "\n\n" + dayBody(items)
}

func dayBody(items []storage.Occurrence) string {
	if len(items) == 0 {
		return EmptyDay
	}
	blocks := make([]string, 0, len(items))
	for _, it := range items {
		blocks = append(blocks, itemBlock(it))
	}
	return strings.Join(blocks, "\n\n")
}

func itemBlock(it storage.Occurrence) string {
	lines := []string{strings.TrimRight("🕘 "+strings.Trim(esc(it.Start)+"-"+esc(it.End), "-"), " ")}

	subject := strings.TrimSpace(it.Subject)
	teacher := strings.TrimSpace(it.Teacher)
	group := ""
	if teacher != "" && ics.LooksLikeGroupCode(teacher) {
		group, teacher = teacher, ""
	}
	switch {
	case subject != "":
		lines = append(lines, esc(subject))
		if group != "" && !strings.Contains(subject, group) {
			lines = append(lines, esc(group))
		}
	case group != "":
		lines = append(lines, esc(group))
	}
	if teacher != "" {
		lines = append(lines, "Преподаватель: "+esc(teacher))
	}
	if room := strings.TrimSpace(it.Room); room != "" {
		lines = append(lines, "🏛 "+esc(room))
	}
	return strings.Join(lines, "\n")
}

// Week renders the days of [from, to] that have items under a common title.
func Week(from, to time.Time, items []storage.Occurrence) string {
	if to.Before(from) {
		from, to = to, from
	}
	byDate := groupByDate(items)
	var blocks []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dayItems := byDate[d.Format(storage.DateLayout)]
		if len(dayItems) == 0 {
			continue
		}
		blocks = append(blocks, Day(d, dayItems))
	}
	if len(blocks) == 0 {
		return weekTitle + "\n\n" + EmptyDay
	}
	return weekTitle + "\n\n" + strings.Join(blocks, "\n\n\n")
}

// WeekBrief renders a two-line summary: per-day status marks and the end
// time of the last class of each busy day.
func WeekBrief(from, to time.Time, items []storage.Occurrence) string {
	if to.Before(from) {
		from, to = to, from
	}
	byDate := groupByDate(items)
	var marks, busy []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		abbr := weekdayAbbr[d.Weekday()]
		dayItems := byDate[d.Format(storage.DateLayout)]
		if len(dayItems) == 0 {
			marks = append(marks, abbr+noClasses)
			continue
		}
		marks = append(marks, abbr+hasClasses)
		if end := lastEnd(dayItems); end != "" {
			busy = append(busy, abbr+" "+esc(end))
		}
	}
	second := EmptyDay
	if len(busy) > 0 {
		second = strings.Join(busy, ", ")
	}
	return strings.Join(marks, "  ") + "\n" + second
}

func groupByDate(items []storage.Occurrence) map[string][]storage.Occurrence {
	out := make(map[string][]storage.Occurrence)
	for _, it := range items {
		out[it.Date] = append(out[it.Date], it)
	}
	return out
}

func lastEnd(items []storage.Occurrence) string {
	ends := make([]string, 0, len(items))
	for _, it := range items {
		if e := strings.TrimSpace(it.End); e != "" {
			if utf8.RuneCountInString(e) > 5 {
				e = e[:5]
			}
			ends = append(ends, e)
		}
	}
	if len(ends) == 0 {
		return ""
	}
	sort.Strings(ends)
	return ends[len(ends)-1]
}
