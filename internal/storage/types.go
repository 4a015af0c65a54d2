package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled    = errors.New("storage disabled")
	ErrNotReserved = errors.New("ledger entry is not reserved")
)

// DateLayout is the on-disk format of calendar dates.
const DateLayout = "2006-01-02"

// Config configures storage.
//
// Only the "sqlite" driver is supported. If Driver is empty or "none",
// Open returns ErrDisabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Mode is the delivery cadence of a chat.
type Mode int

const (
	ModeOff Mode = iota
	ModeDaily
	ModeTwiceDaily
)

func (m Mode) Valid() bool { return m >= ModeOff && m <= ModeTwiceDaily }

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeDaily:
		return "daily"
	case ModeTwiceDaily:
		return "twice-daily"
	default:
		return "unknown"
	}
}

// FeedState describes the chat's feed reference.
type FeedState int

const (
	FeedUnset FeedState = iota
	FeedExplicit
	FeedDisabled
)

func (f FeedState) String() string {
	switch f {
	case FeedExplicit:
		return "explicit"
	case FeedDisabled:
		return "disabled"
	default:
		return "unset"
	}
}

// legacyDisabledURL is the marker older deployments stored in ical_url to
// switch the feed off.
const legacyDisabledURL = "-"

// ChatSettings is the per-recipient configuration row.
type ChatSettings struct {
	ChatID              int64
	ChatTitle           string
	Mode                Mode
	MorningTime         string
	EveningTime         string
	Timezone            string
	ICalURL             string
	ICalEnabled         bool
	LastICalSyncAt      time.Time
	CoverageEndDate     string
	LastSentMorningDate string
	LastSentEveningDate string
	LastSentManualAt    time.Time
	UpdatedAt           time.Time
}

func (s ChatSettings) FeedState() FeedState {
	u := strings.TrimSpace(s.ICalURL)
	if !s.ICalEnabled || u == legacyDisabledURL {
		return FeedDisabled
	}
	if u == "" {
		return FeedUnset
	}
	return FeedExplicit
}

// Location resolves the chat timezone, falling back to def when the stored
// name is empty or unknown.
func (s ChatSettings) Location(def *time.Location) *time.Location {
	if name := strings.TrimSpace(s.Timezone); name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if def == nil {
		return time.UTC
	}
	return def
}

// SettingsDefaults seeds a settings row created on first contact.
type SettingsDefaults struct {
	Mode        Mode
	MorningTime string
	EveningTime string
	Timezone    string
}

// Occurrence is one concrete event instance on a calendar date.
// Feed-sourced rows carry ICalUID and ICalDTStart; manual rows leave both empty.
type Occurrence struct {
	ID             int64
	ChatID         int64
	Date           string
	Start          string
	End            string
	Subject        string
	Room           string
	Teacher        string
	ICalUID        string
	ICalDTStart    string
	SourceUploadID int64
	CreatedAt      time.Time
}

// HasFeedIdentity reports whether the row was produced by a feed sync.
// Reconciliation treats rows without it as foreign to the feed.
func (o Occurrence) HasFeedIdentity() bool {
	return strings.TrimSpace(o.ICalUID) != "" && strings.TrimSpace(o.ICalDTStart) != ""
}

func (o Occurrence) feedKey() string { return o.ICalUID + "\x00" + o.ICalDTStart }

// Upload records one successful feed sync.
type Upload struct {
	ID        int64
	ChatID    int64
	Source    string
	DateFrom  string
	DateTo    string
	Rows      int
	Warnings  string
	CreatedAt time.Time
}

// FeedSync is the input of ApplyFeedSync: the fresh occurrences of one
// window [DateFrom, DateTo].
type FeedSync struct {
	ChatID   int64
	DateFrom string
	DateTo   string
	Items    []Occurrence
	Warnings []string
	At       time.Time
}

type FeedSyncResult struct {
	UploadID int64
	Upserted int
	Deleted  int
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	Action        string
	Target        string
	OK            int
	Fail          int
	Error         string
	TookMS        int64
}
