package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in HTML parse mode: the command list, or details
// for one command when an argument is given. Owner-only commands are shown
// to owners only.
func (r *Router) helpText(req *Request) string {
	if len(req.Args) > 0 {
		name := sanitizeTelegramCommand(req.Args[0])
		if c, ok := r.lookup(name); ok && (c.Access == AccessEveryone || req.IsOwner) {
			return commandHelp(c)
		}
		return "❓ <b>Неизвестная команда</b>\nСписок команд: <code>/help</code>"
	}

	cmds := r.commands()
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].Access != cmds[j].Access {
			return cmds[i].Access < cmds[j].Access
		}
		return cmds[i].Name < cmds[j].Name
	})
	lines := []string{"📚 <b>Команды</b>", "Подробнее: <code>/help &lt;команда&gt;</code>", ""}
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly && !req.IsOwner {
			continue
		}
		prefix := "• "
		if c.Access == AccessOwnerOnly {
			prefix = "• 🔒 "
		}
		line := prefix + "<code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func commandHelp(c *Command) string {
	lines := []string{"📚 <b>/" + html.EscapeString(c.Name) + "</b>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>Только для владельца</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Использование</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		al := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			al = append(al, "/"+a)
		}
		lines = append(lines, "", "Синонимы: "+html.EscapeString(strings.Join(al, ", ")))
	}
	return strings.Join(lines, "\n")
}
