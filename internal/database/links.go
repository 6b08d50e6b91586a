package database

import (
	"context"
	"database/sql"
)

// ReplaceIncidentLinks swaps every link of one class for incidents of a
// year with the given set in one transaction. Links whose incident has
// since been deleted are skipped. It returns the number of rows written.
func (db *DB) ReplaceIncidentLinks(ctx context.Context, year int, class string, links []IncidentLink) (int, error) {
	written := 0
	err := db.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM incident_links WHERE year = ? AND class = ?", year, class); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO incident_links (incident_id, year, class, feature_id, feature_name, detail, distance_m)
			SELECT ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM incidents WHERE id = ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, l := range links {
			r, err := stmt.ExecContext(ctx, l.IncidentID, year, class, l.FeatureID, l.FeatureName,
				l.Detail, l.DistanceM, l.IncidentID)
			if err != nil {
				return err
			}
			n, err := r.RowsAffected()
			if err != nil {
				return err
			}
			written += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// GetIncidentLinks returns the stored links of an incident ordered by class.
func (db *DB) GetIncidentLinks(ctx context.Context, incidentID string) ([]IncidentLink, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT incident_id, year, class, feature_id, feature_name, detail, distance_m
		FROM incident_links WHERE incident_id = ? ORDER BY class`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IncidentLink
	for rows.Next() {
		var l IncidentLink
		if err := rows.Scan(&l.IncidentID, &l.Year, &l.Class, &l.FeatureID, &l.FeatureName,
			&l.Detail, &l.DistanceM); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountIncidentLinks returns how many links of a class exist for a year.
func (db *DB) CountIncidentLinks(ctx context.Context, year int, class string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM incident_links WHERE year = ? AND class = ?", year, class).Scan(&n)
	return n, err
}
