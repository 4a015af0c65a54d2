package ics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

var errDateOnly = errors.New("date-only value")

// param returns the first value of a property parameter, matching the name
// case-insensitively.
func param(p *ical.IANAProperty, name string) string {
	if p == nil {
		return ""
	}
	for k, vs := range p.ICalParameters {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return strings.Trim(vs[0], `"`)
		}
	}
	return ""
}

// timeResolver turns DATE-TIME property values into instants. Floating
// values and unknown TZIDs use def.
type timeResolver struct {
	def      *time.Location
	cache    map[string]*time.Location
	unknown  map[string]bool
	warnings *[]string
}

func newTimeResolver(def *time.Location, warnings *[]string) *timeResolver {
	return &timeResolver{
		def:      def,
		cache:    map[string]*time.Location{},
		unknown:  map[string]bool{},
		warnings: warnings,
	}
}

func (r *timeResolver) location(tzid string) *time.Location {
	tzid = strings.TrimSpace(tzid)
	if tzid == "" {
		return r.def
	}
	if loc, ok := r.cache[tzid]; ok {
		return loc
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		if !r.unknown[tzid] {
			r.unknown[tzid] = true
			*r.warnings = append(*r.warnings, fmt.Sprintf("Unknown TZID %q, using %s", tzid, r.def))
		}
		loc = r.def
	}
	r.cache[tzid] = loc
	return loc
}

// parseValue parses one DATE or DATE-TIME value. Date-only input returns
// errDateOnly.
func (r *timeResolver) parseValue(v, tzid, valueType string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty value")
	}
	if strings.EqualFold(valueType, "DATE") || (len(v) == 8 && !strings.Contains(v, "T")) {
		return time.Time{}, errDateOnly
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	loc := r.location(tzid)
	if t, err := time.ParseInLocation("20060102T150405", v, loc); err == nil {
		return t, nil
	}
	return time.ParseInLocation("20060102T1504", v, loc)
}

// prop parses a single-valued date-time property.
func (r *timeResolver) prop(p *ical.IANAProperty) (time.Time, error) {
	return r.parseValue(p.Value, param(p, "TZID"), param(p, "VALUE"))
}

// list parses comma-separated RDATE/EXDATE values. Date-only and malformed
// entries are reported through warn and skipped.
func (r *timeResolver) list(props []*ical.IANAProperty, warn func(reason string)) []time.Time {
	var out []time.Time
	for _, p := range props {
		if p == nil {
			continue
		}
		if strings.EqualFold(param(p, "VALUE"), "PERIOD") {
			warn("PERIOD values are not supported, skipping")
			continue
		}
		tzid, vt := param(p, "TZID"), param(p, "VALUE")
		for _, part := range strings.Split(p.Value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			t, err := r.parseValue(part, tzid, vt)
			switch {
			case errors.Is(err, errDateOnly):
				warn("is date-only, skipping")
			case err != nil:
				warn("has invalid datetime, skipping")
			default:
				out = append(out, t)
			}
		}
	}
	return out
}

// parseDuration parses an RFC 5545 DURATION such as "PT1H30M", "P1D" or "-PT15M".
func parseDuration(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("empty duration")
	}
	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	s = s[1:]

	var (
		total  time.Duration
		inTime bool
		num    strings.Builder
	)
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			num.WriteRune(c)
			continue
		case c == 'T':
			if inTime || num.Len() > 0 {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			inTime = true
			continue
		}
		if num.Len() == 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		n, err := strconv.Atoi(num.String())
		if err != nil {
			return 0, err
		}
		num.Reset()
		d := time.Duration(n)
		switch {
		case c == 'W' && !inTime:
			total += d * 7 * 24 * time.Hour
		case c == 'D' && !inTime:
			total += d * 24 * time.Hour
		case c == 'H' && inTime:
			total += d * time.Hour
		case c == 'M' && inTime:
			total += d * time.Minute
		case c == 'S' && inTime:
			total += d * time.Second
		default:
			return 0, fmt.Errorf("invalid duration unit %q", c)
		}
	}
	if num.Len() > 0 {
		return 0, fmt.Errorf("invalid duration %q: trailing number", s)
	}
	return sign * total, nil
}

// unescapeText reverses RFC 5545 TEXT escaping.
func unescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		case ',', ';', '\\':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
