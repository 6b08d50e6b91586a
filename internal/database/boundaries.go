package database

import (
	"context"
	"database/sql"
)

var arealUnitSpec = kindSpec{
	kind:          KindArealUnit,
	alwaysReplace: true,
	prune: func(ctx context.Context, tx *sql.Tx, _ string, jobID string) (int64, error) {
		r, err := tx.ExecContext(ctx,
			`DELETE FROM areal_units WHERE code NOT IN (`+stagedKeys+`)`,
			jobID, string(KindArealUnit))
		if err != nil {
			return 0, err
		}
		return r.RowsAffected()
	},
	exists: func(ctx context.Context, tx *sql.Tx, e Entity) (bool, string, error) {
		ok, err := existsRow(ctx, tx, "SELECT 1 FROM areal_units WHERE code = ?", e.NaturalKey())
		return ok, e.Partition(), err
	},
	upsert: func(ctx context.Context, tx *sql.Tx, e Entity) error {
		a := e.(*ArealUnit)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO areal_units (code, name, region_code, population, area_hectares, edition,
				geometry, min_lon, min_lat, max_lon, max_lat)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(code) DO UPDATE SET
				name = excluded.name, region_code = excluded.region_code,
				population = excluded.population, area_hectares = excluded.area_hectares,
				edition = excluded.edition, geometry = excluded.geometry,
				min_lon = excluded.min_lon, min_lat = excluded.min_lat,
				max_lon = excluded.max_lon, max_lat = excluded.max_lat`,
			a.Code, a.Name, a.RegionCode, nullable(a.Population), nullable(a.AreaHectares),
			a.Edition, a.Geometry, a.BBox.MinLon, a.BBox.MinLat, a.BBox.MaxLon, a.BBox.MaxLat,
		)
		return err
	},
	decode: decodeJSON[ArealUnit],
}

const arealUnitColumns = `code, name, region_code, population, area_hectares, edition, geometry,
	min_lon, min_lat, max_lon, max_lat`

func scanArealUnit(s interface{ Scan(...any) error }) (ArealUnit, error) {
	var a ArealUnit
	var pop sql.NullInt64
	var area sql.NullFloat64
	err := s.Scan(&a.Code, &a.Name, &a.RegionCode, &pop, &area, &a.Edition, &a.Geometry,
		&a.BBox.MinLon, &a.BBox.MinLat, &a.BBox.MaxLon, &a.BBox.MaxLat)
	a.Population = int64Ptr(pop)
	a.AreaHectares = floatPtr(area)
	return a, err
}

// ListArealUnits returns every stored unit ordered by code.
func (db *DB) ListArealUnits(ctx context.Context) ([]ArealUnit, error) {
	return listArealUnits(ctx, db.conn)
}

func listArealUnits(ctx context.Context, q querier) ([]ArealUnit, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+arealUnitColumns+" FROM areal_units ORDER BY code")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArealUnit
	for rows.Next() {
		a, err := scanArealUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetArealUnit returns a unit by code, or nil if not found.
func (db *DB) GetArealUnit(ctx context.Context, code string) (*ArealUnit, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+arealUnitColumns+" FROM areal_units WHERE code = ?", code)
	a, err := scanArealUnit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CurrentEdition returns the boundary edition in force, or "" when no
// units are loaded.
func (db *DB) CurrentEdition(ctx context.Context) (string, error) {
	return currentEdition(ctx, db.conn)
}

func currentEdition(ctx context.Context, q querier) (string, error) {
	var ed sql.NullString
	err := q.QueryRowContext(ctx, "SELECT MAX(edition) FROM areal_units").Scan(&ed)
	if err != nil {
		return "", err
	}
	return ed.String, nil
}
