package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"vigil/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetTriggerState returns the single persisted state row.
func (r Repo) GetTriggerState(ctx context.Context) (domain.TriggerState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT state, deadline, updated_at FROM trigger_state WHERE id=1`)
	var st domain.TriggerState
	var deadline sql.NullString
	err := row.Scan(&st.State, &deadline, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	if deadline.Valid {
		st.Deadline = &deadline.String
	}
	return st, nil
}

// SetTriggerState moves the state row from one state to another. The guard
// on the previous state makes concurrent transitions lose cleanly: the
// second writer sees zero rows affected and gets ErrNotFound.
func (r Repo) SetTriggerState(ctx context.Context, tx *sql.Tx, from, to string, deadline *string, now time.Time) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	var dl any
	if deadline != nil {
		dl = *deadline
	}
	res, err := exec(`UPDATE trigger_state SET state=?, deadline=?, updated_at=? WHERE id=1 AND state=?`,
		to, dl, now.UTC().Format(time.RFC3339), from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertDelivery(ctx context.Context, tx *sql.Tx, d domain.Delivery) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO deliveries(recipient,document,channel,status,detail,ts) VALUES (?,?,?,?,?,?)`,
		d.Recipient, d.Document, d.Channel, d.Status, nullable(d.Detail), d.TS)
	return err
}

func (r Repo) ListDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error) {
	query := `SELECT id,recipient,document,channel,status,COALESCE(detail,''),ts FROM deliveries ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		if err := rows.Scan(&d.ID, &d.Recipient, &d.Document, &d.Channel, &d.Status, &d.Detail, &d.TS); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// SentChannels returns the channels already marked sent for one
// (recipient, document) pair, so a retry only re-attempts what failed.
func (r Repo) SentChannels(ctx context.Context, recipient, document string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT DISTINCT channel FROM deliveries WHERE recipient=? AND document=? AND status=?`,
		recipient, document, domain.DeliverySent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sent := map[string]bool{}
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		sent[ch] = true
	}
	return sent, rows.Err()
}

// FailedPairs returns the (recipient, document) pairs whose latest attempt
// on some channel failed and never later succeeded.
func (r Repo) FailedPairs(ctx context.Context) ([][2]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT DISTINCT f.recipient, f.document FROM deliveries f
WHERE f.status=?
  AND NOT EXISTS (
    SELECT 1 FROM deliveries s
    WHERE s.recipient=f.recipient AND s.document=f.document
      AND s.channel=f.channel AND s.status=? AND s.id > f.id
  )`, domain.DeliveryFailed, domain.DeliverySent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pairs [][2]string
	for rows.Next() {
		var p [2]string
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
