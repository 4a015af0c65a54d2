package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
	"unicode/utf8"
)

// DeliveryKind distinguishes the deliveries a chat can get for one date.
type DeliveryKind string

const (
	KindMorning DeliveryKind = "morning"
	KindEvening DeliveryKind = "evening"
	KindManual  DeliveryKind = "manual"
)

func (k DeliveryKind) Valid() bool {
	return k == KindMorning || k == KindEvening || k == KindManual
}

// DeliveryStatus is the ledger state of one key.
//
//	none -> reserved -> ok | error
//	error -> reserved (retry)
//	reserved (stale) -> reserved (takeover)
type DeliveryStatus string

const (
	StatusReserved DeliveryStatus = "reserved"
	StatusOK       DeliveryStatus = "ok"
	StatusError    DeliveryStatus = "error"
)

// successStatuses lists every status that counts as delivered, including
// the "sent" value written by older versions.
var successStatuses = map[DeliveryStatus]struct{}{
	StatusOK: {},
	"sent":   {},
}

func IsSuccessStatus(s DeliveryStatus) bool {
	_, ok := successStatuses[s]
	return ok
}

type LedgerKey struct {
	ChatID int64
	Date   string
	Kind   DeliveryKind
}

type LedgerEntry struct {
	LedgerKey
	Status     DeliveryStatus
	ReservedAt time.Time
	SentAt     time.Time
	Error      string
}

func (e LedgerEntry) Delivered() bool { return IsSuccessStatus(e.Status) }

// Reserve claims key for delivery. It succeeds when no row exists, when the
// previous attempt ended in error, or when a reservation is older than
// staleAfter. A staleAfter <= 0 never takes over a reservation.
//
// The claim is one conditional upsert, so concurrent callers for the same
// key get exactly one true.
func (s *Store) Reserve(ctx context.Context, key LedgerKey, now time.Time, staleAfter time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if !key.Kind.Valid() {
		return false, errors.New("invalid delivery kind: " + string(key.Kind))
	}
	var staleBefore int64
	if staleAfter > 0 {
		staleBefore = now.Add(-staleAfter).UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO send_log(chat_id, date, kind, status, reserved_at, sent_at, error)
		 VALUES(?,?,?,'reserved',?,NULL,NULL)
		 ON CONFLICT(chat_id, date, kind) DO UPDATE SET
			status = 'reserved',
			reserved_at = excluded.reserved_at,
			sent_at = NULL,
			error = NULL
		 WHERE send_log.status = 'error'
			OR (send_log.status = 'reserved' AND send_log.reserved_at < ?)`,
		key.ChatID, key.Date, string(key.Kind), now.UnixMilli(), staleBefore,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSent moves a reserved key to ok.
func (s *Store) MarkSent(ctx context.Context, key LedgerKey, sentAt time.Time) error {
	return s.finish(ctx, key,
		`UPDATE send_log SET status = 'ok', sent_at = ?, error = NULL
		 WHERE chat_id = ? AND date = ? AND kind = ? AND status = 'reserved'`,
		sentAt.UnixMilli())
}

// MarkError moves a reserved key to error, keeping errText for operators.
func (s *Store) MarkError(ctx context.Context, key LedgerKey, errText string) error {
	errText = truncateUTF8(errText, maxErrorBytes)
	return s.finish(ctx, key,
		`UPDATE send_log SET status = 'error', error = ?
		 WHERE chat_id = ? AND date = ? AND kind = ? AND status = 'reserved'`,
		errText)
}

const maxErrorBytes = 1000

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (s *Store) finish(ctx context.Context, key LedgerKey, q string, v any) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, q, v, key.ChatID, key.Date, string(key.Kind))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotReserved
	}
	return nil
}

func (s *Store) GetLedger(ctx context.Context, key LedgerKey) (LedgerEntry, bool, error) {
	if s == nil || s.db == nil {
		return LedgerEntry{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, date, kind, status, reserved_at, sent_at, error
		 FROM send_log WHERE chat_id = ? AND date = ? AND kind = ?`,
		key.ChatID, key.Date, string(key.Kind))
	e, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntry{}, false, nil
	}
	if err != nil {
		return LedgerEntry{}, false, err
	}
	return e, true, nil
}

// IsDelivered reports whether key already reached a success status.
func (s *Store) IsDelivered(ctx context.Context, key LedgerKey) (bool, error) {
	e, ok, err := s.GetLedger(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return e.Delivered(), nil
}

// FindStale lists reservations older than olderThan. They are reported to
// operators, never resolved automatically.
func (s *Store) FindStale(ctx context.Context, olderThan time.Duration, now time.Time) ([]LedgerEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, date, kind, status, reserved_at, sent_at, error
		 FROM send_log WHERE status = 'reserved' AND reserved_at < ?
		 ORDER BY reserved_at`,
		now.Add(-olderThan).UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanLedger(r rowScanner) (LedgerEntry, error) {
	var (
		e        LedgerEntry
		kind     string
		status   string
		reserved int64
		sent     sql.NullInt64
		errText  sql.NullString
	)
	if err := r.Scan(&e.ChatID, &e.Date, &kind, &status, &reserved, &sent, &errText); err != nil {
		return LedgerEntry{}, err
	}
	e.Kind = DeliveryKind(kind)
	e.Status = DeliveryStatus(status)
	e.ReservedAt = time.UnixMilli(reserved)
	e.SentAt = fromMillis(sent)
	e.Error = errText.String
	return e, nil
}
