package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const settingsColumns = `chat_id, chat_title, mode, morning_time, evening_time, timezone,
	ical_url, ical_enabled, last_ical_sync_at, coverage_end_date,
	last_sent_morning_date, last_sent_evening_date, last_sent_manual_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettings(r rowScanner) (ChatSettings, error) {
	var (
		cs                           ChatSettings
		title, evening, url          sql.NullString
		coverage, morningD, eveningD sql.NullString
		enabled, mode                int
		lastSync, lastManual         sql.NullInt64
		updated                      int64
	)
	err := r.Scan(&cs.ChatID, &title, &mode, &cs.MorningTime, &evening, &cs.Timezone,
		&url, &enabled, &lastSync, &coverage,
		&morningD, &eveningD, &lastManual, &updated)
	if err != nil {
		return ChatSettings{}, err
	}
	cs.ChatTitle = title.String
	cs.Mode = Mode(mode)
	cs.EveningTime = evening.String
	cs.ICalURL = url.String
	cs.ICalEnabled = enabled != 0
	cs.LastICalSyncAt = fromMillis(lastSync)
	cs.CoverageEndDate = coverage.String
	cs.LastSentMorningDate = morningD.String
	cs.LastSentEveningDate = eveningD.String
	cs.LastSentManualAt = fromMillis(lastManual)
	cs.UpdatedAt = time.UnixMilli(updated)
	return cs, nil
}

// EnsureSettings creates the chat's settings row on first contact and returns
// the stored row. An existing row is left untouched apart from the title.
func (s *Store) EnsureSettings(ctx context.Context, chatID int64, title string, def SettingsDefaults) (ChatSettings, error) {
	if s == nil || s.db == nil {
		return ChatSettings{}, ErrDisabled
	}
	morning := strings.TrimSpace(def.MorningTime)
	if morning == "" {
		morning = "07:00"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(chat_id, chat_title, mode, morning_time, evening_time, timezone, ical_enabled, updated_at)
		 VALUES(?,?,?,?,?,?,1,?)
		 ON CONFLICT(chat_id) DO NOTHING`,
		chatID, nullStr(title), int(def.Mode), morning, nullStr(def.EveningTime), def.Timezone, s.now().UnixMilli(),
	)
	if err != nil {
		return ChatSettings{}, err
	}
	if strings.TrimSpace(title) != "" {
		_, _ = s.db.ExecContext(ctx,
			`UPDATE settings SET chat_title = ? WHERE chat_id = ? AND IFNULL(chat_title, '') <> ?`,
			title, chatID, title)
	}
	cs, ok, err := s.GetSettings(ctx, chatID)
	if err != nil {
		return ChatSettings{}, err
	}
	if !ok {
		return ChatSettings{}, errors.New("settings row missing after insert")
	}
	return cs, nil
}

func (s *Store) GetSettings(ctx context.Context, chatID int64) (ChatSettings, bool, error) {
	if s == nil || s.db == nil {
		return ChatSettings{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM settings WHERE chat_id = ?`, chatID)
	cs, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatSettings{}, false, nil
	}
	if err != nil {
		return ChatSettings{}, false, err
	}
	return cs, true, nil
}

// ListSettings returns every chat. With activeOnly, chats in ModeOff are skipped.
func (s *Store) ListSettings(ctx context.Context, activeOnly bool) ([]ChatSettings, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT ` + settingsColumns + ` FROM settings`
	if activeOnly {
		q += ` WHERE mode <> 0`
	}
	q += ` ORDER BY chat_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatSettings
	for rows.Next() {
		cs, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// UpdateSettings writes the operator-editable fields of cs.
func (s *Store) UpdateSettings(ctx context.Context, cs ChatSettings) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if !cs.Mode.Valid() {
		return errors.New("invalid mode")
	}
	enabled := 0
	if cs.ICalEnabled {
		enabled = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE settings SET chat_title = ?, mode = ?, morning_time = ?, evening_time = ?, timezone = ?,
		 ical_url = ?, ical_enabled = ?, updated_at = ?
		 WHERE chat_id = ?`,
		nullStr(cs.ChatTitle), int(cs.Mode), cs.MorningTime, nullStr(cs.EveningTime), cs.Timezone,
		nullStr(cs.ICalURL), enabled, s.now().UnixMilli(), cs.ChatID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkDelivered records bookkeeping after a successful delivery. For the
// manual kind only the timestamp is stored; date is ignored.
func (s *Store) MarkDelivered(ctx context.Context, chatID int64, kind DeliveryKind, date string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var (
		q    string
		args []any
	)
	switch kind {
	case KindMorning:
		q = `UPDATE settings SET last_sent_morning_date = ?, updated_at = ? WHERE chat_id = ?`
		args = []any{date, at.UnixMilli(), chatID}
	case KindEvening:
		q = `UPDATE settings SET last_sent_evening_date = ?, updated_at = ? WHERE chat_id = ?`
		args = []any{date, at.UnixMilli(), chatID}
	case KindManual:
		q = `UPDATE settings SET last_sent_manual_at = ?, updated_at = ? WHERE chat_id = ?`
		args = []any{at.UnixMilli(), at.UnixMilli(), chatID}
	default:
		return errors.New("unknown delivery kind: " + string(kind))
	}
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}
