package router

import (
	"sort"
	"strings"
	"unicode"

	kit "schedbot/internal/transport"
)

// sanitizeTelegramCommand converts a name into a Telegram-safe bot command.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "/")
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// buildMenu lists public commands first, then owner-only ones marked 🔒.
func buildMenu(cmds map[string]*Command) []kit.BotCommand {
	list := make([]*Command, 0, len(cmds))
	for _, c := range cmds {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Access != list[j].Access {
			return list[i].Access < list[j].Access
		}
		return list[i].Name < list[j].Name
	})
	out := make([]kit.BotCommand, 0, len(list))
	for _, c := range list {
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = c.Name
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
		if len(out) >= 100 {
			break
		}
	}
	return out
}
