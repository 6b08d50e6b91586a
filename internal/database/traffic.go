package database

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
)

var countPointSpec = kindSpec{
	kind: KindCountPoint,
	exists: func(ctx context.Context, tx *sql.Tx, e Entity) (bool, string, error) {
		ok, err := existsRow(ctx, tx, "SELECT 1 FROM count_points WHERE id = ?", e.NaturalKey())
		return ok, e.Partition(), err
	},
	upsert: func(ctx context.Context, tx *sql.Tx, e Entity) error {
		c := e.(*CountPoint)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO count_points (id, road_name, road_category, lat, lon, local_authority)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				road_name = excluded.road_name, road_category = excluded.road_category,
				lat = excluded.lat, lon = excluded.lon, local_authority = excluded.local_authority`,
			c.ID, c.RoadName, c.RoadCategory, c.Lat, c.Lon, c.LocalAuthority,
		)
		return err
	},
	decode: decodeJSON[CountPoint],
}

var annualFlowSpec = kindSpec{
	kind: KindAnnualFlow,
	prune: func(ctx context.Context, tx *sql.Tx, partition, jobID string) (int64, error) {
		year, err := strconv.Atoi(partition)
		if err != nil {
			return 0, err
		}
		r, err := tx.ExecContext(ctx,
			`DELETE FROM annual_flows WHERE year = ?
			AND (point_id || '/' || year) NOT IN (`+stagedKeys+`)`,
			year, jobID, string(KindAnnualFlow))
		if err != nil {
			return 0, err
		}
		return r.RowsAffected()
	},
	parent: func(ctx context.Context, tx *sql.Tx, e Entity) (string, bool, error) {
		id := e.(*AnnualFlow).PointID
		ok, err := existsRow(ctx, tx, "SELECT 1 FROM count_points WHERE id = ?", id)
		return id, ok, err
	},
	exists: func(ctx context.Context, tx *sql.Tx, e Entity) (bool, string, error) {
		f := e.(*AnnualFlow)
		ok, err := existsRow(ctx, tx,
			"SELECT 1 FROM annual_flows WHERE point_id = ? AND year = ?", f.PointID, f.Year)
		return ok, f.Partition(), err
	},
	upsert: func(ctx context.Context, tx *sql.Tx, e Entity) error {
		f := e.(*AnnualFlow)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO annual_flows (point_id, year, pedal_cycles, two_wheeled, cars_taxis,
				buses_coaches, lgvs, hgvs, all_motor_vehicles, estimation_method)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(point_id, year) DO UPDATE SET
				pedal_cycles = excluded.pedal_cycles, two_wheeled = excluded.two_wheeled,
				cars_taxis = excluded.cars_taxis, buses_coaches = excluded.buses_coaches,
				lgvs = excluded.lgvs, hgvs = excluded.hgvs,
				all_motor_vehicles = excluded.all_motor_vehicles,
				estimation_method = excluded.estimation_method`,
			f.PointID, f.Year, nullable(f.PedalCycles), nullable(f.TwoWheeled),
			nullable(f.CarsTaxis), nullable(f.BusesCoaches), nullable(f.LGVs), nullable(f.HGVs),
			nullable(f.AllMotorVehicles), f.EstimationMethod,
		)
		return err
	},
	decode: decodeJSON[AnnualFlow],
}

// GetCountPoint returns a count point by id, or nil if not found.
func (db *DB) GetCountPoint(ctx context.Context, id string) (*CountPoint, error) {
	var c CountPoint
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, road_name, road_category, lat, lon, local_authority FROM count_points WHERE id = ?`, id,
	).Scan(&c.ID, &c.RoadName, &c.RoadCategory, &c.Lat, &c.Lon, &c.LocalAuthority)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CountPointsInBBox returns count points inside the box, ordered by id.
func (db *DB) CountPointsInBBox(ctx context.Context, box geo.BBox) ([]CountPoint, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, road_name, road_category, lat, lon, local_authority FROM count_points
		WHERE lat BETWEEN ? AND ? AND lon BETWEEN ? AND ? ORDER BY id`,
		box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CountPoint
	for rows.Next() {
		var c CountPoint
		if err := rows.Scan(&c.ID, &c.RoadName, &c.RoadCategory, &c.Lat, &c.Lon, &c.LocalAuthority); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetAnnualFlows returns the flows recorded at a count point, by year.
func (db *DB) GetAnnualFlows(ctx context.Context, pointID string) ([]AnnualFlow, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT point_id, year, pedal_cycles, two_wheeled, cars_taxis, buses_coaches, lgvs, hgvs,
			all_motor_vehicles, estimation_method
		FROM annual_flows WHERE point_id = ? ORDER BY year`, pointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AnnualFlow
	for rows.Next() {
		var f AnnualFlow
		var pc, tw, ct, bc, lgv, hgv, all sql.NullInt64
		if err := rows.Scan(&f.PointID, &f.Year, &pc, &tw, &ct, &bc, &lgv, &hgv, &all, &f.EstimationMethod); err != nil {
			return nil, err
		}
		f.PedalCycles, f.TwoWheeled, f.CarsTaxis = int64Ptr(pc), int64Ptr(tw), int64Ptr(ct)
		f.BusesCoaches, f.LGVs, f.HGVs = int64Ptr(bc), int64Ptr(lgv), int64Ptr(hgv)
		f.AllMotorVehicles = int64Ptr(all)
		out = append(out, f)
	}
	return out, rows.Err()
}
