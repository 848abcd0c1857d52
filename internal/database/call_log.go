package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database/models"
)

const callLogColumns = `id, session_id, number, name, timestamp_ms, duration_seconds, type`

// callLogRepo implements CallLogRepository. Timestamps are stored as unix
// milliseconds.
type callLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{db: db}
}

// Create inserts a call log entry and sets its ID.
func (r *callLogRepo) Create(ctx context.Context, e *models.CallLogEntry) error {
	if !e.Type.Valid() {
		return fmt.Errorf("inserting call log entry: invalid type %q", e.Type)
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_log (session_id, number, name, timestamp_ms, duration_seconds, type)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Number, e.Name, e.Timestamp.UnixMilli(), e.DurationSeconds, string(e.Type),
	)
	if err != nil {
		return fmt.Errorf("inserting call log entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	e.ID = id
	return nil
}

// GetByID returns an entry by ID, or nil if it does not exist.
func (r *callLogRepo) GetByID(ctx context.Context, id int64) (*models.CallLogEntry, error) {
	e, err := scanCallLog(r.db.QueryRowContext(ctx,
		`SELECT `+callLogColumns+` FROM call_log WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call log entry: %w", err)
	}
	return e, nil
}

// List returns entries matching filter, newest first, along with the total
// number of matching rows.
func (r *callLogRepo) List(ctx context.Context, filter CallLogFilter) ([]models.CallLogEntry, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Type != "" {
		where += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Search != "" {
		where += " AND (number LIKE ? OR name LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s)
	}
	if !filter.Since.IsZero() {
		where += " AND timestamp_ms >= ?"
		args = append(args, filter.Since.UnixMilli())
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_log WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call log: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + callLogColumns + ` FROM call_log WHERE ` + where +
		` ORDER BY timestamp_ms DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	entries, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ListRecent returns the most recent entries up to limit.
func (r *callLogRepo) ListRecent(ctx context.Context, limit int) ([]models.CallLogEntry, error) {
	return r.query(ctx,
		`SELECT `+callLogColumns+` FROM call_log ORDER BY timestamp_ms DESC, id DESC LIMIT ?`, limit)
}

// CountByType returns the number of entries per disposition. Dispositions
// with no entries are present with a zero count.
func (r *callLogRepo) CountByType(ctx context.Context) (map[models.CallType]int64, error) {
	counts := make(map[models.CallType]int64, len(models.CallTypes))
	for _, t := range models.CallTypes {
		counts[t] = 0
	}

	rows, err := r.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM call_log GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("counting call log by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scanning call log count: %w", err)
		}
		counts[models.CallType(t)] = n
	}
	return counts, rows.Err()
}

// Delete removes a single entry.
func (r *callLogRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM call_log WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting call log entry: %w", err)
	}
	return requireAffected(result)
}

// DeleteAll clears the call history and returns how many rows were removed.
func (r *callLogRepo) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM call_log`)
	if err != nil {
		return 0, fmt.Errorf("clearing call log: %w", err)
	}
	return result.RowsAffected()
}

// DeleteOlderThan removes entries recorded before cutoff.
func (r *callLogRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM call_log WHERE timestamp_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("deleting expired call log entries: %w", err)
	}
	return result.RowsAffected()
}

func (r *callLogRepo) query(ctx context.Context, query string, args ...any) ([]models.CallLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing call log: %w", err)
	}
	defer rows.Close()

	var entries []models.CallLogEntry
	for rows.Next() {
		e, err := scanCallLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call log row: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call log rows: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallLog(s rowScanner) (*models.CallLogEntry, error) {
	var (
		e    models.CallLogEntry
		name sql.NullString
		ts   int64
		typ  string
	)
	if err := s.Scan(&e.ID, &e.SessionID, &e.Number, &name, &ts, &e.DurationSeconds, &typ); err != nil {
		return nil, err
	}
	if name.Valid {
		e.Name = &name.String
	}
	e.Timestamp = time.UnixMilli(ts)
	e.Type = models.CallType(typ)
	return &e, nil
}
