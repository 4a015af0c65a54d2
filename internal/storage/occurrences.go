package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const occurrenceColumns = `id, chat_id, date, start_time, end_time, subject, room, teacher,
	ical_uid, ical_dtstart, source_upload_id, created_at`

func scanOccurrence(r rowScanner) (Occurrence, error) {
	var (
		o             Occurrence
		room, teacher sql.NullString
		uid, dtstart  sql.NullString
		upload        sql.NullInt64
		created       int64
	)
	if err := r.Scan(&o.ID, &o.ChatID, &o.Date, &o.Start, &o.End, &o.Subject, &room, &teacher,
		&uid, &dtstart, &upload, &created); err != nil {
		return Occurrence{}, err
	}
	o.Room = room.String
	o.Teacher = teacher.String
	o.ICalUID = uid.String
	o.ICalDTStart = dtstart.String
	o.SourceUploadID = upload.Int64
	o.CreatedAt = time.UnixMilli(created)
	return o, nil
}

func (s *Store) queryOccurrences(ctx context.Context, q string, args ...any) ([]Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OccurrencesByDate returns the chat's occurrences on date, ordered by start time.
func (s *Store) OccurrencesByDate(ctx context.Context, chatID int64, date string) ([]Occurrence, error) {
	return s.OccurrencesByRange(ctx, chatID, date, date)
}

// OccurrencesByRange returns occurrences with from <= date <= to.
func (s *Store) OccurrencesByRange(ctx context.Context, chatID int64, from, to string) ([]Occurrence, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryOccurrences(ctx,
		`SELECT `+occurrenceColumns+` FROM schedule_items
		 WHERE chat_id = ? AND date BETWEEN ? AND ?
		 ORDER BY date, start_time, end_time, subject`,
		chatID, from, to)
}

// CoverageMinMax returns the earliest and latest stored dates for the chat.
// ok is false when the chat has no occurrences at all.
func (s *Store) CoverageMinMax(ctx context.Context, chatID int64) (minDate, maxDate string, ok bool, err error) {
	if s == nil || s.db == nil {
		return "", "", false, ErrDisabled
	}
	var lo, hi sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(date), MAX(date) FROM schedule_items WHERE chat_id = ?`, chatID).Scan(&lo, &hi)
	if err != nil {
		return "", "", false, err
	}
	if !lo.Valid || !hi.Valid {
		return "", "", false, nil
	}
	return lo.String, hi.String, true, nil
}

// ApplyFeedSync replaces the chat's occurrences inside [DateFrom, DateTo]
// with fs.Items in one transaction:
//
//   - rows in the window without feed identity are removed
//   - rows in the window whose (uid, start) is absent from fs.Items are removed
//   - every item is upserted on (chat_id, ical_uid, ical_dtstart)
//
// It also records an upload and stamps the chat's sync time and coverage end.
// Rows outside the window are never touched.
func (s *Store) ApplyFeedSync(ctx context.Context, fs FeedSync) (FeedSyncResult, error) {
	if s == nil || s.db == nil {
		return FeedSyncResult{}, ErrDisabled
	}
	at := fs.At
	if at.IsZero() {
		at = s.now()
	}
	fresh := make(map[string]struct{}, len(fs.Items))
	for _, it := range fs.Items {
		if !it.HasFeedIdentity() {
			return FeedSyncResult{}, fmt.Errorf("feed item %q on %s has no feed identity", it.Subject, it.Date)
		}
		fresh[it.feedKey()] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FeedSyncResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var res FeedSyncResult

	up, err := tx.ExecContext(ctx,
		`INSERT INTO uploads(chat_id, source, date_from, date_to, rows, warnings, created_at)
		 VALUES(?, 'ical', ?, ?, ?, ?, ?)`,
		fs.ChatID, fs.DateFrom, fs.DateTo, len(fs.Items), nullStr(strings.Join(fs.Warnings, "\n")), at.UnixMilli())
	if err != nil {
		return FeedSyncResult{}, fmt.Errorf("insert upload: %w", err)
	}
	if res.UploadID, err = up.LastInsertId(); err != nil {
		return FeedSyncResult{}, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+occurrenceColumns+` FROM schedule_items
		 WHERE chat_id = ? AND date BETWEEN ? AND ?`,
		fs.ChatID, fs.DateFrom, fs.DateTo)
	if err != nil {
		return FeedSyncResult{}, fmt.Errorf("select window: %w", err)
	}
	var drop []int64
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			rows.Close()
			return FeedSyncResult{}, err
		}
		if !o.HasFeedIdentity() {
			drop = append(drop, o.ID)
			continue
		}
		if _, ok := fresh[o.feedKey()]; !ok {
			drop = append(drop, o.ID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return FeedSyncResult{}, err
	}
	rows.Close()

	for _, id := range drop {
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_items WHERE id = ?`, id); err != nil {
			return FeedSyncResult{}, fmt.Errorf("delete item %d: %w", id, err)
		}
	}
	res.Deleted = len(drop)

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO schedule_items(chat_id, date, start_time, end_time, subject, room, teacher,
			ical_uid, ical_dtstart, source_upload_id, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id, ical_uid, ical_dtstart) DO UPDATE SET
			date = excluded.date,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			subject = excluded.subject,
			room = excluded.room,
			teacher = excluded.teacher,
			source_upload_id = excluded.source_upload_id`)
	if err != nil {
		return FeedSyncResult{}, err
	}
	defer stmt.Close()
	for _, it := range fs.Items {
		if _, err := stmt.ExecContext(ctx,
			fs.ChatID, it.Date, it.Start, it.End, it.Subject, nullStr(it.Room), nullStr(it.Teacher),
			it.ICalUID, it.ICalDTStart, res.UploadID, at.UnixMilli(),
		); err != nil {
			return FeedSyncResult{}, fmt.Errorf("upsert item %s/%s: %w", it.ICalUID, it.ICalDTStart, err)
		}
		res.Upserted++
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE settings SET last_ical_sync_at = ?, coverage_end_date = ?, updated_at = ? WHERE chat_id = ?`,
		at.UnixMilli(), fs.DateTo, at.UnixMilli(), fs.ChatID,
	); err != nil {
		return FeedSyncResult{}, fmt.Errorf("update settings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return FeedSyncResult{}, err
	}
	return res, nil
}

// ListUploads returns the latest uploads for the chat, newest first.
func (s *Store) ListUploads(ctx context.Context, chatID int64, limit int) ([]Upload, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, source, date_from, date_to, rows, warnings, created_at
		 FROM uploads WHERE chat_id = ? ORDER BY id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Upload
	for rows.Next() {
		var (
			u        Upload
			warnings sql.NullString
			created  int64
		)
		if err := rows.Scan(&u.ID, &u.ChatID, &u.Source, &u.DateFrom, &u.DateTo, &u.Rows, &warnings, &created); err != nil {
			return nil, err
		}
		u.Warnings = warnings.String
		u.CreatedAt = time.UnixMilli(created)
		out = append(out, u)
	}
	return out, rows.Err()
}
