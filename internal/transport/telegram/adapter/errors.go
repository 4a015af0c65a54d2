package adapter

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "schedbot/internal/transport"
)

// sendError wraps a delivery failure in *kit.SendError with its class.
func sendError(err error) error {
	if err == nil {
		return nil
	}
	var se *kit.SendError
	if errors.As(err, &se) {
		return err
	}
	var te *tele.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &kit.SendError{Class: kit.ErrTimeout, Err: err}
	case errors.As(err, &te):
		return &kit.SendError{Class: classForCode(te.Code, te.Description), Err: err}
	default:
		return &kit.SendError{Class: kit.Classify(err), Err: err}
	}
}

func classForCode(code int, desc string) kit.ErrorClass {
	d := strings.ToLower(desc)
	switch {
	case code == 403:
		return kit.ErrForbidden
	case code == 404, strings.Contains(d, "chat not found"), strings.Contains(d, "user not found"):
		return kit.ErrNotFound
	case code == 400:
		return kit.ErrBadRequest
	default:
		return kit.ErrUnknown
	}
}
