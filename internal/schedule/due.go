package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"schedbot/internal/storage"
)

// Obligation is one delivery a chat is due for at a given moment.
type Obligation struct {
	Kind storage.DeliveryKind
	// Target is the date whose schedule is delivered.
	Target string
	// Today is the chat-local date the delivery belongs to; last-sent
	// bookkeeping is stamped with it.
	Today string
	At    string
}

// ParseHHMM parses "H:MM" or "HH:MM" (seconds, if present, are ignored) into
// minutes since midnight.
func ParseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 || len(parts[0]) > 2 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// EvaluateDue lists the deliveries cs is due for at now. Morning is due once
// the chat-local clock passes morning_time and targets today; evening (mode 2
// only) is due past evening_time and targets tomorrow. Unparsable times are
// returned as problems and their obligation is skipped.
func EvaluateDue(cs storage.ChatSettings, now time.Time, def *time.Location) (due []Obligation, problems []string) {
	if cs.Mode == storage.ModeOff || !cs.Mode.Valid() {
		return nil, nil
	}
	local := now.In(cs.Location(def))
	minutes := local.Hour()*60 + local.Minute()
	today := local.Format(storage.DateLayout)

	if at, err := ParseHHMM(cs.MorningTime); err != nil {
		problems = append(problems, "morning_time: "+err.Error())
	} else if minutes >= at {
		due = append(due, Obligation{Kind: storage.KindMorning, Target: today, Today: today, At: cs.MorningTime})
	}

	if cs.Mode != storage.ModeTwiceDaily || strings.TrimSpace(cs.EveningTime) == "" {
		return due, problems
	}
	if at, err := ParseHHMM(cs.EveningTime); err != nil {
		problems = append(problems, "evening_time: "+err.Error())
	} else if minutes >= at {
		tomorrow := time.Date(local.Year(), local.Month(), local.Day()+1, 12, 0, 0, 0, local.Location())
		due = append(due, Obligation{Kind: storage.KindEvening, Target: tomorrow.Format(storage.DateLayout), Today: today, At: cs.EveningTime})
	}
	return due, problems
}
