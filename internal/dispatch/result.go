package dispatch

import (
	"schedbot/internal/feedsync"
	"schedbot/internal/transport"
)

type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeDelivered
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

const (
	ReasonInvalid         = "invalid_request"
	ReasonUnknownChat     = "unknown_chat"
	ReasonAlreadyReserved = "already_reserved"
	ReasonStore           = "store"
	ReasonSend            = "send"
)

// Result is the tagged outcome of one dispatch.
type Result struct {
	Request Request
	Outcome Outcome
	Reason  string
	Items   int
	Sync    feedsync.Outcome
	Err     error
}

func (r Result) Delivered() bool { return r.Outcome == OutcomeDelivered }

// ErrorClass classifies a send failure; empty for other outcomes.
func (r Result) ErrorClass() transport.ErrorClass {
	if r.Reason != ReasonSend || r.Err == nil {
		return ""
	}
	return transport.Classify(r.Err)
}

func (r Result) String() string {
	s := r.Outcome.String()
	if r.Reason != "" {
		s += " (" + r.Reason + ")"
	}
	if r.Err != nil {
		s += ": " + r.Err.Error()
	}
	return s
}

// Event is published on the bus after every dispatch.
type Event struct {
	ChatID  int64  `json:"chat_id"`
	Date    string `json:"date"`
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}
