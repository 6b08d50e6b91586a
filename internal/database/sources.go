package database

import (
	"context"
	"database/sql"
)

// EnsureSourceState creates the bookkeeping row for a source if it is
// missing and keeps its cadence current.
func (db *DB) EnsureSourceState(ctx context.Context, sourceID, cadence string) error {
	return db.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO source_state (source_id, cadence) VALUES (?, ?)
			ON CONFLICT(source_id) DO UPDATE SET cadence = excluded.cadence`,
			sourceID, cadence)
		return err
	})
}

const sourceStateColumns = `source_id, cadence, last_checked, last_updated, latest_data_date,
	consecutive_failures, degraded, last_error`

func scanSourceState(s interface{ Scan(...any) error }) (SourceState, error) {
	var st SourceState
	var checked, updated, latest, lastErr sql.NullString
	var degraded int
	if err := s.Scan(&st.SourceID, &st.Cadence, &checked, &updated, &latest,
		&st.ConsecutiveFailures, &degraded, &lastErr); err != nil {
		return st, err
	}
	var err error
	if st.LastChecked, err = parseNullTime(checked); err != nil {
		return st, err
	}
	if st.LastUpdated, err = parseNullTime(updated); err != nil {
		return st, err
	}
	st.LatestDataDate = stringPtr(latest)
	st.Degraded = degraded != 0
	st.LastError = stringPtr(lastErr)
	return st, nil
}

// GetSourceState returns a source's state, or nil if it was never registered.
func (db *DB) GetSourceState(ctx context.Context, sourceID string) (*SourceState, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+sourceStateColumns+" FROM source_state WHERE source_id = ?", sourceID)
	st, err := scanSourceState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListSourceStates returns every source's state ordered by id.
func (db *DB) ListSourceStates(ctx context.Context) ([]SourceState, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+sourceStateColumns+" FROM source_state ORDER BY source_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceState
	for rows.Next() {
		st, err := scanSourceState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveSourceState writes back a source's state.
func (db *DB) SaveSourceState(ctx context.Context, st *SourceState) error {
	return db.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO source_state (source_id, cadence, last_checked, last_updated,
				latest_data_date, consecutive_failures, degraded, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_id) DO UPDATE SET
				cadence = excluded.cadence, last_checked = excluded.last_checked,
				last_updated = excluded.last_updated, latest_data_date = excluded.latest_data_date,
				consecutive_failures = excluded.consecutive_failures,
				degraded = excluded.degraded, last_error = excluded.last_error`,
			st.SourceID, st.Cadence, formatTimePtr(st.LastChecked), formatTimePtr(st.LastUpdated),
			nullable(st.LatestDataDate), st.ConsecutiveFailures, boolInt(st.Degraded), nullable(st.LastError),
		)
		return err
	})
}
