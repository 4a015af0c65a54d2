package ics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

const (
	DefaultHorizonDays  = 366
	DefaultMaxInstances = 5000

	dateLayout = "2006-01-02"
	hmLayout   = "15:04"
)

// Limits bound recurrence expansion.
type Limits struct {
	// HorizonDays caps unbounded rules when no window is given.
	HorizonDays int
	// MaxInstances caps the instances produced by one event.
	MaxInstances int
}

func (l Limits) normalized() Limits {
	if l.HorizonDays <= 0 {
		l.HorizonDays = DefaultHorizonDays
	}
	if l.MaxInstances <= 0 {
		l.MaxInstances = DefaultMaxInstances
	}
	return l
}

// Window is an inclusive range of calendar dates in the target location.
type Window struct {
	From time.Time
	To   time.Time
}

// NewWindow spans the dates of from and to (times ignored).
func NewWindow(from, to time.Time) *Window { return &Window{From: from, To: to} }

func (w *Window) bounds(loc *time.Location) (time.Time, time.Time) {
	f := w.From.In(loc)
	t := w.To.In(loc)
	start := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, loc)
	end := time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), loc)
	return start, end
}

// Item is one concrete occurrence.
type Item struct {
	UID     string
	Start   time.Time // in the target location
	End     time.Time
	Subject string
	Room    string
	Teacher string
}

func (it Item) Date() string     { return it.Start.Format(dateLayout) }
func (it Item) StartHM() string  { return it.Start.Format(hmLayout) }
func (it Item) EndHM() string    { return it.End.Format(hmLayout) }
func (it Item) StartKey() string { return it.Start.Format(time.RFC3339) }

func (it Item) identity() string {
	return strings.Join([]string{it.UID, it.StartKey(), it.Date(), it.StartHM(), it.EndHM(), it.Subject, it.Room, it.Teacher}, "\x00")
}

// Result is the outcome of expanding a document.
type Result struct {
	Items    []Item
	Warnings []string
	// DateFrom and DateTo span the produced items; empty when there are none.
	DateFrom string
	DateTo   string
}

// ParseAndExpand parses payload and expands it in loc.
func ParseAndExpand(payload string, loc *time.Location, win *Window, lim Limits) Result {
	return Expand(Parse(payload, loc), loc, win, lim)
}

// Expand materializes every event of doc in loc. With a window only
// occurrences whose local date lies in it are kept; without one, unbounded
// rules stop at lim.HorizonDays after DTSTART. The result is deduplicated
// and ordered by (date, start time). Expanding the same input twice yields
// the same output.
func Expand(doc Document, loc *time.Location, win *Window, lim Limits) Result {
	if loc == nil {
		loc = time.UTC
	}
	lim = lim.normalized()
	res := Result{Warnings: append([]string(nil), doc.Warnings...)}

	overridden := map[string][]time.Time{}
	for _, ev := range doc.Events {
		if ev.IsOverride() {
			overridden[ev.UID] = append(overridden[ev.UID], ev.RecurrenceID)
		}
	}

	var items []Item
	for _, ev := range doc.Events {
		fields := ExtractFields(ev)
		var starts []time.Time
		if ev.IsRecurring() && !ev.IsOverride() {
			starts = expandEvent(ev, overridden[ev.UID], win, loc, lim, &res.Warnings)
		} else {
			starts = []time.Time{ev.Start}
		}
		dur := ev.Duration()
		for _, s := range starts {
			it := Item{
				UID:     ev.UID,
				Start:   s.In(loc),
				End:     s.Add(dur).In(loc),
				Subject: fields.Subject,
				Room:    fields.Room,
				Teacher: fields.Teacher,
			}
			if win != nil && !inWindow(it, win, loc) {
				continue
			}
			items = append(items, it)
		}
	}

	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		id := it.identity()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		res.Items = append(res.Items, it)
	}
	sort.SliceStable(res.Items, func(i, j int) bool {
		a, b := res.Items[i], res.Items[j]
		if a.Date() != b.Date() {
			return a.Date() < b.Date()
		}
		return a.StartHM() < b.StartHM()
	})
	if n := len(res.Items); n > 0 {
		res.DateFrom = res.Items[0].Date()
		res.DateTo = res.Items[n-1].Date()
	}
	return res
}

func inWindow(it Item, win *Window, loc *time.Location) bool {
	d := it.Date()
	return d >= win.From.In(loc).Format(dateLayout) && d <= win.To.In(loc).Format(dateLayout)
}

// expandEvent returns the instance starts of a recurring event, excluding
// EXDATEs and the instances replaced by RECURRENCE-ID overrides.
func expandEvent(ev Event, overridden []time.Time, win *Window, loc *time.Location, lim Limits, warnings *[]string) []time.Time {
	set := &rrule.Set{}
	unbounded := false
	for _, s := range ev.RRules {
		r, err := rrule.StrToRRule(s)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("Event %s: failed to parse RRULE '%s': %v", ev.UID, s, err))
			continue
		}
		r.DTStart(ev.Start)
		set.RRule(r)
		up := strings.ToUpper(s)
		if !strings.Contains(up, "COUNT=") && !strings.Contains(up, "UNTIL=") {
			unbounded = true
		}
	}
	for _, t := range ev.RDates {
		set.RDate(t)
	}
	if len(ev.RRules) == 0 {
		set.RDate(ev.Start)
	}
	for _, t := range ev.ExDates {
		set.ExDate(t)
	}
	for _, t := range overridden {
		set.ExDate(t)
	}

	var out []time.Time
	switch {
	case win != nil:
		from, to := win.bounds(loc)
		out = set.Between(from, to, true)
	case unbounded:
		out = set.Between(ev.Start, ev.Start.AddDate(0, 0, lim.HorizonDays), true)
	default:
		next := set.Iterator()
		for {
			t, ok := next()
			if !ok {
				break
			}
			out = append(out, t)
			if len(out) > lim.MaxInstances {
				break
			}
		}
	}
	if len(out) > lim.MaxInstances {
		*warnings = append(*warnings, fmt.Sprintf("Event %s: recurrence expanded to %d items, capped at %d", ev.UID, len(out), lim.MaxInstances))
		out = out[:lim.MaxInstances]
	}
	return out
}
