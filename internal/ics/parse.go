// Package ics turns iCalendar feeds into per-day occurrences.
//
// Parse reads VEVENTs into Event definitions, Expand materializes them
// (recurrence rules, RDATE, EXDATE, RECURRENCE-ID overrides) into Items in
// the recipient's timezone. Problems with individual events are reported
// as warnings; only the payload as a whole can yield zero items.
package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

const unknownUID = "unknown"

// Event is one VEVENT with resolved times.
type Event struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Organizer   string // CN parameter of ORGANIZER

	Start time.Time // in the event's own timezone
	End   time.Time

	RRules  []string
	RDates  []time.Time
	ExDates []time.Time

	// RecurrenceID is set on overrides of a single instance.
	RecurrenceID time.Time
}

func (e Event) IsOverride() bool { return !e.RecurrenceID.IsZero() }

func (e Event) IsRecurring() bool { return len(e.RRules) > 0 || len(e.RDates) > 0 }

func (e Event) Duration() time.Duration { return e.End.Sub(e.Start) }

// Document is the parsed form of a payload.
type Document struct {
	Events   []Event
	Warnings []string
}

// Parse reads every VEVENT of payload. Floating times are taken in def.
// Cancelled events are dropped silently; events without usable start/end
// are dropped with a warning. A payload that cannot be read as a calendar
// yields no events and a warning.
func Parse(payload string, def *time.Location) Document {
	var doc Document
	if def == nil {
		def = time.UTC
	}
	if strings.TrimSpace(payload) == "" {
		doc.Warnings = append(doc.Warnings, "Empty iCal payload.")
		return doc
	}
	if !strings.Contains(strings.ToUpper(payload), "BEGIN:VCALENDAR") {
		doc.Warnings = append(doc.Warnings, "Failed to parse VCALENDAR: no BEGIN:VCALENDAR")
		return doc
	}
	cal, err := ical.ParseCalendar(strings.NewReader(payload))
	if err != nil {
		doc.Warnings = append(doc.Warnings, fmt.Sprintf("Failed to parse VCALENDAR: %v", err))
		return doc
	}

	res := newTimeResolver(def, &doc.Warnings)
	for _, ve := range cal.Events() {
		ev, err := parseEvent(ve, res, &doc.Warnings)
		if err != nil {
			if !errors.Is(err, errCancelled) {
				doc.Warnings = append(doc.Warnings, err.Error())
			}
			continue
		}
		doc.Events = append(doc.Events, ev)
	}
	return doc
}

var errCancelled = errors.New("cancelled")

func text(ve *ical.VEvent, name ical.ComponentProperty) string {
	p := ve.GetProperty(name)
	if p == nil {
		return ""
	}
	return strings.TrimSpace(unescapeText(p.Value))
}

func parseEvent(ve *ical.VEvent, res *timeResolver, warnings *[]string) (Event, error) {
	if strings.EqualFold(text(ve, "STATUS"), "CANCELLED") {
		return Event{}, errCancelled
	}

	ev := Event{
		UID:         text(ve, ical.ComponentPropertyUniqueId),
		Summary:     text(ve, ical.ComponentPropertySummary),
		Description: text(ve, ical.ComponentPropertyDescription),
		Location:    text(ve, ical.ComponentPropertyLocation),
	}
	if ev.UID == "" {
		ev.UID = unknownUID
	}
	if org := ve.GetProperty("ORGANIZER"); org != nil {
		ev.Organizer = strings.TrimSpace(param(org, "CN"))
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("Event %s: "+format, append([]any{ev.UID}, args...)...)
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil || strings.TrimSpace(startProp.Value) == "" {
		return Event{}, fail("missing DTSTART")
	}
	start, err := res.prop(startProp)
	if errors.Is(err, errDateOnly) {
		return Event{}, fail("DTSTART is date-only, skipping")
	}
	if err != nil {
		return Event{}, fail("invalid DTSTART %q", startProp.Value)
	}
	ev.Start = start

	if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil && strings.TrimSpace(endProp.Value) != "" {
		end, err := res.prop(endProp)
		if errors.Is(err, errDateOnly) {
			return Event{}, fail("DTEND is date-only, skipping")
		}
		if err != nil {
			return Event{}, fail("invalid DTEND %q", endProp.Value)
		}
		ev.End = end
	} else if durProp := ve.GetProperty("DURATION"); durProp != nil {
		d, err := parseDuration(durProp.Value)
		if err != nil {
			return Event{}, fail("invalid DURATION %q", durProp.Value)
		}
		ev.End = ev.Start.Add(d)
	} else {
		return Event{}, fail("missing DTEND/DURATION")
	}
	if !ev.End.After(ev.Start) {
		return Event{}, fail("DTEND <= DTSTART, skipping")
	}

	if rid := ve.GetProperty("RECURRENCE-ID"); rid != nil {
		t, err := res.prop(rid)
		if err != nil {
			return Event{}, fail("invalid RECURRENCE-ID %q", rid.Value)
		}
		ev.RecurrenceID = t
		// an override stands for exactly one instance
		return ev, nil
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyRrule) {
		if v := strings.TrimSpace(p.Value); v != "" {
			ev.RRules = append(ev.RRules, v)
		}
	}
	listWarn := func(label string) func(string) {
		return func(reason string) {
			*warnings = append(*warnings, fmt.Sprintf("Event %s: %s %s", ev.UID, label, reason))
		}
	}
	ev.RDates = res.list(ve.GetProperties("RDATE"), listWarn("RDATE"))
	ev.ExDates = res.list(ve.GetProperties(ical.ComponentPropertyExdate), listWarn("EXDATE"))
	return ev, nil
}
