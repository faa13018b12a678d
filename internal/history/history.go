// Package history persists sensor readings to SQLite so the dashboard can
// show recent trends.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultLimit is the number of entries returned by [Recorder.Latest] when
// the caller passes a non-positive limit.
const DefaultLimit = 100

// MaxLimit caps the number of entries returned by [Recorder.Latest].
const MaxLimit = 10000

// Entry is one recorded sensor value.
type Entry struct {
	SensorID   string    `json:"sensor_id"`
	Printer    string    `json:"printer"`
	Value      any       `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Recorder stores and queries sensor history.
type Recorder struct {
	db  *sql.DB
	now func() time.Time
}

// NewRecorder wraps an open database. The schema must already exist; see [OpenDB].
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

// Open opens the database at path and returns a [Recorder] that owns it.
func Open(path string) (*Recorder, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return NewRecorder(db), nil
}

// Save appends an entry. A zero RecordedAt is set to the current time.
func (r *Recorder) Save(ctx context.Context, e Entry) error {
	if e.SensorID == "" {
		return errors.New("sensor id is required")
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = r.now()
	}

	value, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", e.SensorID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO readings (sensor_id, printer, value, recorded_at)
		VALUES (?, ?, ?, ?)
	`,
		e.SensorID,
		e.Printer,
		string(value),
		e.RecordedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert reading %s: %w", e.SensorID, err)
	}
	return nil
}

// Latest returns up to limit most recent entries for sensorID, oldest first.
func (r *Recorder) Latest(ctx context.Context, sensorID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT sensor_id, printer, value, recorded_at FROM readings
		WHERE sensor_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`, sensorID, limit)
	if err != nil {
		return nil, fmt.Errorf("query readings %s: %w", sensorID, err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e      Entry
			raw    sql.NullString
			millis int64
		)
		if err := rows.Scan(&e.SensorID, &e.Printer, &raw, &millis); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		e.RecordedAt = time.UnixMilli(millis).UTC()

		if raw.Valid && raw.String != "" {
			var v any
			if err := json.Unmarshal([]byte(raw.String), &v); err == nil {
				e.Value = v
			} else {
				e.Value = raw.String // keep raw if malformed
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Cleanup deletes entries recorded before cutoff and returns how many were removed.
func (r *Recorder) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM readings WHERE recorded_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete readings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (r *Recorder) Close() error {
	return r.db.Close()
}
