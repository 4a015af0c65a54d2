package router

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq atomic.Uint64

func newReqID() string {
	n := ridSeq.Add(1)
	// base36 timestamp + seq + 2 random chars
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) + randSuffix(2)
}

func randSuffix(n int) string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alpha[rand.IntN(len(alpha))])
	}
	return b.String()
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
//
//	/cmd a "b c" --k=v
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar rune
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, ch := range s {
		switch {
		case esc:
			buf.WriteRune(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ && ch == qChar:
			inQ = false
		case inQ:
			buf.WriteRune(ch)
		case ch == '"' || ch == '\'':
			inQ, qChar = true, ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits raw args into positionals and flags.
//
//	--k=v, --k v, --flag (bool)
//
// A lone "-" stays positional (e.g. "--evening -" is a value).
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") || len(a) <= 2 {
			pos = append(pos, a)
			continue
		}
		key := strings.TrimPrefix(a, "--")
		if k, v, ok := strings.Cut(key, "="); ok {
			flags[strings.ToLower(k)] = v
			continue
		}
		key = strings.ToLower(key)
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			flags[key] = args[i+1]
			i++
			continue
		}
		bools[key] = true
	}
	return pos, flags, bools
}

// FlagInt64 returns the integer value of flag name; ok is false when the
// flag is absent.
func (r *Request) FlagInt64(name string) (v int64, ok bool, err error) {
	raw, ok := r.Flags[name]
	if !ok {
		return 0, false, nil
	}
	v, err = strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("--%s: ожидается число, получено %q", name, raw)
	}
	return v, true, nil
}

// ParseDate resolves a date argument relative to now (in now's location).
// Accepted: YYYY-MM-DD, DD.MM.YYYY, DD/MM/YYYY, DD.MM (current year), a
// bare day of month (current month), "today"/"сегодня",
// "tomorrow"/"завтра". Empty input means today.
func ParseDate(arg string, now time.Time) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(arg))
	loc := now.Location()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	switch s {
	case "", "today", "сегодня":
		return today, nil
	case "tomorrow", "завтра":
		return today.AddDate(0, 0, 1), nil
	case "yesterday", "вчера":
		return today.AddDate(0, 0, -1), nil
	}
	for _, layout := range []string{"2006-01-02", "02.01.2006", "2.1.2006", "02/01/2006", "2/1/2006"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	for _, layout := range []string{"02.01", "2.1"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			d := time.Date(now.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
			if d.Month() != t.Month() {
				break
			}
			return d, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= 31 {
		d := time.Date(now.Year(), now.Month(), n, 0, 0, 0, 0, loc)
		if d.Month() == now.Month() {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("не удалось разобрать дату %q (пример: 2026-03-02, 02.03.2026, 02.03, 2, today)", arg)
}
