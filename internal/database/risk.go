package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PeriodInputs is what a recompute reads: the current areal units, their
// edition, and assigned incident counts per unit over the period's years.
type PeriodInputs struct {
	Units   []ArealUnit
	Edition string
	Counts  map[string]SeverityCounts
}

// RecomputePeriod reads the inputs of a period and replaces its score rows
// in the same write transaction, so no boundary or incident commit can
// land between the read and the write. score turns the inputs into rows.
func (db *DB) RecomputePeriod(ctx context.Context, period string, computedAt time.Time,
	score func(in PeriodInputs) []AreaRiskScore) (*PeriodInputs, error) {
	from, to, err := ParsePeriod(period)
	if err != nil {
		return nil, err
	}

	var in PeriodInputs
	err = db.write(ctx, func(tx *sql.Tx) error {
		if in.Units, err = listArealUnits(ctx, tx); err != nil {
			return fmt.Errorf("listing areal units: %w", err)
		}
		if in.Edition, err = currentEdition(ctx, tx); err != nil {
			return fmt.Errorf("reading boundary edition: %w", err)
		}
		if in.Counts, err = severityCountsByArea(ctx, tx, from, to); err != nil {
			return fmt.Errorf("counting incidents: %w", err)
		}
		run := RiskPeriod{Period: period, ComputedAt: computedAt, Edition: in.Edition, UnitCount: len(in.Units)}
		return replaceScores(ctx, tx, run, score(in))
	})
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// ReplaceAreaRiskScores swaps every score row of a period for the given
// set in one transaction and records the run in risk_periods.
func (db *DB) ReplaceAreaRiskScores(ctx context.Context, run RiskPeriod, scores []AreaRiskScore) error {
	return db.write(ctx, func(tx *sql.Tx) error {
		return replaceScores(ctx, tx, run, scores)
	})
}

func replaceScores(ctx context.Context, tx *sql.Tx, run RiskPeriod, scores []AreaRiskScore) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM area_risk_scores WHERE period = ?", run.Period); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO area_risk_scores (area_code, period, fatal, serious, slight, total,
			score_raw, risk_score, normalization, denominator, risk_category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range scores {
		if _, err := stmt.ExecContext(ctx, s.AreaCode, run.Period, s.Fatal, s.Serious, s.Slight,
			s.Total, s.ScoreRaw, s.RiskScore, s.Normalization, s.Denominator, s.RiskCategory); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO risk_periods (period, computed_at, edition, unit_count) VALUES (?, ?, ?, ?)
		ON CONFLICT(period) DO UPDATE SET
			computed_at = excluded.computed_at, edition = excluded.edition,
			unit_count = excluded.unit_count`,
		run.Period, formatTime(run.ComputedAt), run.Edition, run.UnitCount)
	return err
}

const scoreColumns = `area_code, period, fatal, serious, slight, total, score_raw, risk_score,
	normalization, denominator, risk_category`

func scanScore(s interface{ Scan(...any) error }) (AreaRiskScore, error) {
	var r AreaRiskScore
	err := s.Scan(&r.AreaCode, &r.Period, &r.Fatal, &r.Serious, &r.Slight, &r.Total, &r.ScoreRaw,
		&r.RiskScore, &r.Normalization, &r.Denominator, &r.RiskCategory)
	return r, err
}

func scanScores(rows *sql.Rows) ([]AreaRiskScore, error) {
	var out []AreaRiskScore
	for rows.Next() {
		r, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetAreaRiskScore returns the score of one unit for a period, or nil.
func (db *DB) GetAreaRiskScore(ctx context.Context, code, period string) (*AreaRiskScore, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+scoreColumns+" FROM area_risk_scores WHERE area_code = ? AND period = ?", code, period)
	r, err := scanScore(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListAreaRiskScores returns every score of a period ordered by code.
func (db *DB) ListAreaRiskScores(ctx context.Context, period string) ([]AreaRiskScore, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+scoreColumns+" FROM area_risk_scores WHERE period = ? ORDER BY area_code", period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScores(rows)
}

// Hotspots returns units of a period with at least minCount incidents,
// highest risk score first, ties broken by code. limit <= 0 means no limit.
func (db *DB) Hotspots(ctx context.Context, period string, minCount, limit int) ([]AreaRiskScore, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+scoreColumns+` FROM area_risk_scores
		WHERE period = ? AND total >= ?
		ORDER BY risk_score DESC, area_code ASC LIMIT ?`, period, minCount, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScores(rows)
}

// PurgeOrphanScores deletes scores whose unit no longer exists and
// returns the periods that lost rows.
func (db *DB) PurgeOrphanScores(ctx context.Context) ([]string, error) {
	var periods []string
	err := db.write(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT DISTINCT period FROM area_risk_scores
			WHERE area_code NOT IN (SELECT code FROM areal_units) ORDER BY period`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return err
			}
			periods = append(periods, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"DELETE FROM area_risk_scores WHERE area_code NOT IN (SELECT code FROM areal_units)")
		return err
	})
	if err != nil {
		return nil, err
	}
	return periods, nil
}

// GetRiskPeriod returns the run metadata of a period, or nil.
func (db *DB) GetRiskPeriod(ctx context.Context, period string) (*RiskPeriod, error) {
	var p RiskPeriod
	var computed string
	err := db.conn.QueryRowContext(ctx,
		"SELECT period, computed_at, edition, unit_count FROM risk_periods WHERE period = ?", period,
	).Scan(&p.Period, &computed, &p.Edition, &p.UnitCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.ComputedAt, err = parseTime(computed); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListRiskPeriods returns every computed period ordered by id.
func (db *DB) ListRiskPeriods(ctx context.Context) ([]RiskPeriod, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT period, computed_at, edition, unit_count FROM risk_periods ORDER BY period")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RiskPeriod
	for rows.Next() {
		var p RiskPeriod
		var computed string
		if err := rows.Scan(&p.Period, &computed, &p.Edition, &p.UnitCount); err != nil {
			return nil, err
		}
		if p.ComputedAt, err = parseTime(computed); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
