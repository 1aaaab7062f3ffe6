// Package ledger is the append-only activity record. Events are never
// mutated after insert; only the maximum timestamp matters for trigger
// evaluation.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vigil/internal/domain"
)

type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Record appends an activity event. Storage errors propagate to the caller.
func (l Ledger) Record(ctx context.Context, kind, source, note string) (domain.ActivityEvent, error) {
	ev := domain.ActivityEvent{
		TS:     l.now().UTC().Format(time.RFC3339),
		Kind:   kind,
		Source: source,
		Note:   note,
	}
	res, err := l.DB.ExecContext(ctx, `INSERT INTO activity_log(ts,kind,source,note) VALUES (?,?,?,?)`,
		ev.TS, ev.Kind, nullable(ev.Source), nullable(ev.Note))
	if err != nil {
		return domain.ActivityEvent{}, fmt.Errorf("record activity: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return ev, nil
}

// RecordTx appends inside the caller's transaction.
func (l Ledger) RecordTx(ctx context.Context, tx *sql.Tx, kind, source, note string) error {
	ts := l.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO activity_log(ts,kind,source,note) VALUES (?,?,?,?)`,
		ts, kind, nullable(source), nullable(note))
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// LastActivity returns the maximum recorded timestamp, or ok=false when the
// ledger is empty.
func (l Ledger) LastActivity(ctx context.Context) (time.Time, bool, error) {
	var ts sql.NullString
	err := l.DB.QueryRowContext(ctx, `SELECT MAX(ts) FROM activity_log`).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read last activity: %w", err)
	}
	if !ts.Valid || ts.String == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, ts.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last activity %q: %w", ts.String, err)
	}
	return t, true, nil
}

// Recent returns the newest events, newest first.
func (l Ledger) Recent(ctx context.Context, limit int) ([]domain.ActivityEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id,ts,kind,COALESCE(source,''),COALESCE(note,'') FROM activity_log ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEvent
	for rows.Next() {
		var ev domain.ActivityEvent
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Kind, &ev.Source, &ev.Note); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
