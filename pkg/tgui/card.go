package tgui

import (
	"strings"
)

// Card accumulates HTML lines. Plain-text inputs are escaped.
type Card struct {
	lines []string
}

func NewCard() *Card { return &Card{} }

// Title adds a bold title line. Emoji is optional.
func (c *Card) Title(emoji, title string) *Card {
	t := strings.TrimSpace(title)
	if t == "" {
		return c
	}
	if e := strings.TrimSpace(emoji); e != "" {
		c.lines = append(c.lines, Esc(e).String()+" "+B(t).String())
	} else {
		c.lines = append(c.lines, B(t).String())
	}
	return c
}

// Section adds a blank line and a bold header.
func (c *Card) Section(title string) *Card {
	t := strings.TrimSpace(title)
	if t == "" {
		return c
	}
	if len(c.lines) > 0 {
		c.lines = append(c.lines, "")
	}
	c.lines = append(c.lines, B(t).String())
	return c
}

// Line adds an escaped line.
func (c *Card) Line(s string) *Card {
	c.lines = append(c.lines, Esc(s).String())
	return c
}

// HTML adds an already escaped line.
func (c *Card) HTML(h H) *Card {
	c.lines = append(c.lines, h.String())
	return c
}

// KV adds a "key: value" row; an empty value renders as a dash.
func (c *Card) KV(key, value string) *Card {
	key = strings.TrimSpace(key)
	if key == "" {
		return c
	}
	value = strings.TrimSpace(value)
	if value == "" {
		value = "—"
	}
	c.lines = append(c.lines, key+": "+Esc(value).String())
	return c
}

// KVH is KV with an HTML value.
func (c *Card) KVH(key string, value H) *Card {
	c.lines = append(c.lines, strings.TrimSpace(key)+": "+value.String())
	return c
}

// Bullets adds "• item" lines, skipping blanks. At most max items are shown
// when max > 0; the rest collapse into "…".
func (c *Card) Bullets(max int, items ...string) *Card {
	n := 0
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if max > 0 && n == max {
			c.lines = append(c.lines, "…")
			break
		}
		c.lines = append(c.lines, "• "+Esc(it).String())
		n++
	}
	return c
}

func (c *Card) Len() int { return len(c.lines) }

func (c *Card) String() string { return strings.Join(c.lines, "\n") }
