package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "schedbot/internal/transport"
)

func TestSendErrorClasses(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want kit.ErrorClass
	}{
		{"blocked", &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}, kit.ErrForbidden},
		{"wrapped kicked", fmt.Errorf("telebot: %w", &tele.Error{Code: 403, Description: "Forbidden: bot was kicked from the group chat"}), kit.ErrForbidden},
		{"chat not found", &tele.Error{Code: 400, Description: "Bad Request: chat not found"}, kit.ErrNotFound},
		{"bad html", &tele.Error{Code: 400, Description: "Bad Request: can't parse entities"}, kit.ErrBadRequest},
		{"timeout", context.DeadlineExceeded, kit.ErrTimeout},
		{"plain", errors.New("connection reset by peer"), kit.ErrUnknown},
	}
	for _, tc := range cases {
		err := sendError(tc.err)
		var se *kit.SendError
		if !errors.As(err, &se) {
			t.Fatalf("%s: not a SendError: %v", tc.name, err)
		}
		if se.Class != tc.want {
			t.Fatalf("%s: class = %s, want %s", tc.name, se.Class, tc.want)
		}
		if !errors.Is(err, tc.err) {
			t.Fatalf("%s: original error not wrapped", tc.name)
		}
	}
	if sendError(nil) != nil {
		t.Fatalf("nil error should stay nil")
	}
}

func TestToUpdate(t *testing.T) {
	t.Parallel()
	if _, ok := toUpdate(nil); ok {
		t.Fatalf("nil message produced an update")
	}
	up, ok := toUpdate(&tele.Message{
		ID:       7,
		Text:     "/today",
		ThreadID: 3,
		Chat:     &tele.Chat{ID: -100, Type: tele.ChatSuperGroup, Title: "Group A"},
		Sender:   &tele.User{ID: 42, Username: "alice"},
	})
	if !ok || up.Kind != kit.UpdateMessage {
		t.Fatalf("update = %+v", up)
	}
	m := up.Message
	if m.ChatID != -100 || m.FromID != 42 || m.ThreadID != 3 || !m.IsGroup || m.ChatTitle != "Group A" || m.Text != "/today" {
		t.Fatalf("message = %+v", m)
	}

	up, _ = toUpdate(&tele.Message{
		Chat:   &tele.Chat{ID: 5, Type: tele.ChatPrivate},
		Sender: &tele.User{ID: 5, FirstName: "Ivan", LastName: "Petrov"},
	})
	if up.Message.IsGroup || up.Message.ChatTitle != "Ivan Petrov" {
		t.Fatalf("private message = %+v", up.Message)
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	in := []kit.BotCommand{
		{Command: "/today", Description: "Schedule for today"},
		{Command: "", Description: "skipped"},
		{Command: "week"},
		{Command: "long", Description: strings.Repeat("я", 300)},
	}
	got := menuCommands(in)
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Text != "today" || got[1].Description != "week" {
		t.Fatalf("menu = %+v", got)
	}
	if n := len([]rune(got[2].Description)); n != 256 {
		t.Fatalf("description runes = %d", n)
	}
}
