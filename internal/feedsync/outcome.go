package feedsync

import "fmt"

type Kind int

const (
	KindSkipped Kind = iota
	KindSynced
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSynced:
		return "synced"
	case KindFailed:
		return "failed"
	default:
		return "skipped"
	}
}

const (
	ReasonNoSettings = "no_settings"
	ReasonNoFeed     = "no_feed"
	ReasonThrottled  = "throttled"
	ReasonFetch      = "fetch"
	ReasonParse      = "parse"
	ReasonStore      = "store"
	ReasonCanceled   = "canceled"
)

// Outcome is the result of one Synchronize call. Failures are reported here
// rather than as errors; callers decide whether they matter.
type Outcome struct {
	Kind   Kind
	Reason string
	ChatID int64
	// URL is the redacted feed URL, empty when none resolved.
	URL string

	DateFrom string
	DateTo   string
	Items    int
	Upserted int
	Deleted  int
	UploadID int64
	Warnings []string

	Err error
}

// Synced reports whether a sync ran and committed.
func (o Outcome) Synced() bool { return o.Kind == KindSynced }

func (o Outcome) String() string {
	switch o.Kind {
	case KindSynced:
		return fmt.Sprintf("synced %d items (%s..%s), %d removed, %d warnings", o.Items, o.DateFrom, o.DateTo, o.Deleted, len(o.Warnings))
	case KindFailed:
		if o.Err != nil {
			return fmt.Sprintf("failed (%s): %v", o.Reason, o.Err)
		}
		return "failed (" + o.Reason + ")"
	default:
		return "skipped (" + o.Reason + ")"
	}
}
