package ics

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const defaultSubject = "Предмет не указан"

var (
	teacherKeys = []string{"преподаватель", "преп", "teacher", "lecturer", "instructor"}
	groupKeys   = []string{"группа", "group", "grp", "гр"}
	roomKeys    = []string{"аудитория", "ауд", "кабинет", "room", "location"}
)

// Fields are the display attributes of an event.
type Fields struct {
	Subject string
	Room    string
	Teacher string
}

// ExtractFields derives subject, room and teacher from SUMMARY, LOCATION,
// DESCRIPTION and ORGANIZER. Description lines of the form "key: value" or
// "key - value" fill missing attributes; a group code is appended to the
// subject on its own line.
func ExtractFields(ev Event) Fields {
	f := Fields{Subject: ev.Summary, Room: ev.Location}
	if f.Subject == "" {
		f.Subject = defaultSubject
	}

	d := parseDescription(ev.Description)
	if f.Room == "" {
		f.Room = d.room
	}
	group := d.group

	switch {
	case d.teacher != "" && !LooksLikeGroupCode(d.teacher):
		f.Teacher = d.teacher
	case len(d.free) > 0:
		collapsed := collapseText(d.free)
		if LooksLikeGroupCode(collapsed) {
			if group == "" {
				group = collapsed
			}
		} else {
			f.Teacher = collapsed
		}
	}
	if f.Teacher == "" && ev.Organizer != "" && !LooksLikeGroupCode(ev.Organizer) {
		f.Teacher = ev.Organizer
	}
	if group != "" && !strings.Contains(f.Subject, group) {
		f.Subject += "\n" + group
	}
	return f
}

type descriptionFields struct {
	room, teacher, group string
	free                 []string
}

func parseDescription(desc string) descriptionFields {
	var d descriptionFields
	if desc == "" {
		return d
	}
	desc = strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(desc)
	for _, line := range strings.Split(desc, "\n") {
		line = strings.TrimSpace(strings.ReplaceAll(line, "\t", " "))
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			key, value, ok = strings.Cut(line, " - ")
		}
		if !ok {
			if d.group == "" && LooksLikeGroupCode(line) {
				d.group = line
			} else {
				d.free = append(d.free, line)
			}
			continue
		}

		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch {
		case keyMatches(key, groupKeys) && d.group == "":
			d.group = value
		case keyMatches(key, teacherKeys):
			if LooksLikeGroupCode(value) {
				if d.group == "" {
					d.group = value
				}
				continue
			}
			if d.teacher == "" || LooksLikeGroupCode(d.teacher) {
				d.teacher = value
			}
		case keyMatches(key, roomKeys) && d.room == "":
			d.room = value
		}
	}
	return d
}

func keyMatches(key string, candidates []string) bool {
	for _, c := range candidates {
		if strings.HasPrefix(key, c) {
			return true
		}
	}
	return false
}

func collapseText(lines []string) string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, " / ")
}

// LooksLikeGroupCode reports whether s resembles a study group code such as
// "ИВТ-21" or "M3207": 2..24 characters without spaces, built from letters,
// digits and "_-./", starting with a letter or digit and containing both.
func LooksLikeGroupCode(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, " ") {
		return false
	}
	n := utf8.RuneCountInString(s)
	if n < 2 || n > 24 {
		return false
	}
	var hasLetter, hasDigit bool
	for i, r := range s {
		switch {
		case isGroupLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		case i > 0 && strings.ContainsRune("_-./", r):
		default:
			return false
		}
	}
	return hasLetter && hasDigit
}

func isGroupLetter(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') ||
		(r >= 'А' && r <= 'я') || r == 'Ё' || r == 'ё'
}
