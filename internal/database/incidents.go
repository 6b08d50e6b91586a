package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
)

var incidentSpec = kindSpec{
	kind:          KindIncident,
	yearPartition: true,
	prune: func(ctx context.Context, tx *sql.Tx, partition, jobID string) (int64, error) {
		year, err := strconv.Atoi(partition)
		if err != nil {
			return 0, err
		}
		r, err := tx.ExecContext(ctx,
			`DELETE FROM incidents WHERE year = ? AND id NOT IN (`+stagedKeys+`)`,
			year, jobID, string(KindIncident))
		if err != nil {
			return 0, err
		}
		return r.RowsAffected()
	},
	exists: func(ctx context.Context, tx *sql.Tx, e Entity) (bool, string, error) {
		var year int
		err := tx.QueryRowContext(ctx, "SELECT year FROM incidents WHERE id = ?", e.NaturalKey()).Scan(&year)
		if err == sql.ErrNoRows {
			return false, "", nil
		}
		if err != nil {
			return false, "", err
		}
		return true, strconv.Itoa(year), nil
	},
	upsert: func(ctx context.Context, tx *sql.Tx, e Entity) error {
		i := e.(*Incident)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO incidents (id, year, occurred_at, lat, lon, severity, vehicle_count,
				casualty_count, road_type, weather, light, surface, speed_limit, police_force,
				local_authority, area_code, source_area_code, geo_flag, source_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				year = excluded.year, occurred_at = excluded.occurred_at,
				lat = excluded.lat, lon = excluded.lon, severity = excluded.severity,
				vehicle_count = excluded.vehicle_count, casualty_count = excluded.casualty_count,
				road_type = excluded.road_type, weather = excluded.weather, light = excluded.light,
				surface = excluded.surface, speed_limit = excluded.speed_limit,
				police_force = excluded.police_force, local_authority = excluded.local_authority,
				area_code = excluded.area_code, source_area_code = excluded.source_area_code,
				geo_flag = excluded.geo_flag, source_id = excluded.source_id`,
			i.ID, i.Year, i.OccurredAt, nullable(i.Lat), nullable(i.Lon), int(i.Severity),
			i.VehicleCount, i.CasualtyCount, i.RoadType, i.Weather, i.Light, i.Surface,
			nullable(i.SpeedLimit), i.PoliceForce, i.LocalAuthority, i.AreaCode,
			i.SourceAreaCode, i.GeoFlag, i.SourceID,
		)
		return err
	},
	decode: decodeJSON[Incident],
}

var vehicleSpec = kindSpec{
	kind:          KindVehicle,
	yearPartition: true,
	prune: func(ctx context.Context, tx *sql.Tx, partition, jobID string) (int64, error) {
		year, err := strconv.Atoi(partition)
		if err != nil {
			return 0, err
		}
		r, err := tx.ExecContext(ctx,
			`DELETE FROM vehicles
			WHERE incident_id IN (SELECT id FROM incidents WHERE year = ?)
			AND (incident_id || '/' || vehicle_ref) NOT IN (`+stagedKeys+`)`,
			year, jobID, string(KindVehicle))
		if err != nil {
			return 0, err
		}
		return r.RowsAffected()
	},
	parent: incidentParent(func(e Entity) string { return e.(*Vehicle).IncidentID }),
	exists: func(ctx context.Context, tx *sql.Tx, e Entity) (bool, string, error) {
		v := e.(*Vehicle)
		ok, err := existsRow(ctx, tx,
			"SELECT 1 FROM vehicles WHERE incident_id = ? AND vehicle_ref = ?", v.IncidentID, v.VehicleRef)
		return ok, v.Partition(), err
	},
	upsert: func(ctx context.Context, tx *sql.Tx, e Entity) error {
		v := e.(*Vehicle)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO vehicles (incident_id, vehicle_ref, vehicle_type, manoeuvre, driver_sex,
				driver_age, engine_capacity_cc, vehicle_age)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(incident_id, vehicle_ref) DO UPDATE SET
				vehicle_type = excluded.vehicle_type, manoeuvre = excluded.manoeuvre,
				driver_sex = excluded.driver_sex, driver_age = excluded.driver_age,
				engine_capacity_cc = excluded.engine_capacity_cc, vehicle_age = excluded.vehicle_age`,
			v.IncidentID, v.VehicleRef, v.VehicleType, v.Manoeuvre, v.DriverSex,
			nullable(v.DriverAge), nullable(v.EngineCapacityCC), nullable(v.VehicleAge),
		)
		return err
	},
	decode: decodeJSON[Vehicle],
}

var casualtySpec = kindSpec{
	kind:          KindCasualty,
	yearPartition: true,
	prune: func(ctx context.Context, tx *sql.Tx, partition, jobID string) (int64, error) {
		year, err := strconv.Atoi(partition)
		if err != nil {
			return 0, err
		}
		r, err := tx.ExecContext(ctx,
			`DELETE FROM casualties
			WHERE incident_id IN (SELECT id FROM incidents WHERE year = ?)
			AND (incident_id || '/' || vehicle_ref || '/' || casualty_ref) NOT IN (`+stagedKeys+`)`,
			year, jobID, string(KindCasualty))
		if err != nil {
			return 0, err
		}
		return r.RowsAffected()
	},
	parent: incidentParent(func(e Entity) string { return e.(*Casualty).IncidentID }),
	exists: func(ctx context.Context, tx *sql.Tx, e Entity) (bool, string, error) {
		c := e.(*Casualty)
		ok, err := existsRow(ctx, tx,
			"SELECT 1 FROM casualties WHERE incident_id = ? AND vehicle_ref = ? AND casualty_ref = ?",
			c.IncidentID, c.VehicleRef, c.CasualtyRef)
		return ok, c.Partition(), err
	},
	upsert: func(ctx context.Context, tx *sql.Tx, e Entity) error {
		c := e.(*Casualty)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO casualties (incident_id, vehicle_ref, casualty_ref, class, sex, age, age_band, severity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(incident_id, vehicle_ref, casualty_ref) DO UPDATE SET
				class = excluded.class, sex = excluded.sex, age = excluded.age,
				age_band = excluded.age_band, severity = excluded.severity`,
			c.IncidentID, c.VehicleRef, c.CasualtyRef, c.Class, c.Sex, nullable(c.Age),
			c.AgeBand, int(c.Severity),
		)
		return err
	},
	decode: decodeJSON[Casualty],
}

func incidentParent(key func(Entity) string) func(context.Context, *sql.Tx, Entity) (string, bool, error) {
	return func(ctx context.Context, tx *sql.Tx, e Entity) (string, bool, error) {
		id := key(e)
		ok, err := existsRow(ctx, tx, "SELECT 1 FROM incidents WHERE id = ?", id)
		return id, ok, err
	}
}

const incidentColumns = `id, year, occurred_at, lat, lon, severity, vehicle_count, casualty_count,
	road_type, weather, light, surface, speed_limit, police_force, local_authority,
	area_code, source_area_code, geo_flag, source_id`

func scanIncident(s interface{ Scan(...any) error }) (Incident, error) {
	var i Incident
	var lat, lon sql.NullFloat64
	var speed sql.NullInt64
	var sev int
	err := s.Scan(&i.ID, &i.Year, &i.OccurredAt, &lat, &lon, &sev, &i.VehicleCount,
		&i.CasualtyCount, &i.RoadType, &i.Weather, &i.Light, &i.Surface, &speed,
		&i.PoliceForce, &i.LocalAuthority, &i.AreaCode, &i.SourceAreaCode, &i.GeoFlag, &i.SourceID)
	if err != nil {
		return i, err
	}
	i.Lat, i.Lon = floatPtr(lat), floatPtr(lon)
	i.SpeedLimit = intPtr(speed)
	i.Severity = Severity(sev)
	return i, nil
}

func scanIncidents(rows *sql.Rows) ([]Incident, error) {
	var out []Incident
	for rows.Next() {
		i, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// GetIncident returns an incident by id, or nil if not found.
func (db *DB) GetIncident(ctx context.Context, id string) (*Incident, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+incidentColumns+" FROM incidents WHERE id = ?", id)
	i, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// GetVehicles returns the vehicles of an incident ordered by reference.
func (db *DB) GetVehicles(ctx context.Context, incidentID string) ([]Vehicle, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT v.incident_id, i.year, v.vehicle_ref, v.vehicle_type, v.manoeuvre, v.driver_sex,
			v.driver_age, v.engine_capacity_cc, v.vehicle_age
		FROM vehicles v JOIN incidents i ON i.id = v.incident_id
		WHERE v.incident_id = ? ORDER BY v.vehicle_ref`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Vehicle
	for rows.Next() {
		var v Vehicle
		var age, cc, vage sql.NullInt64
		if err := rows.Scan(&v.IncidentID, &v.Year, &v.VehicleRef, &v.VehicleType, &v.Manoeuvre,
			&v.DriverSex, &age, &cc, &vage); err != nil {
			return nil, err
		}
		v.DriverAge, v.EngineCapacityCC, v.VehicleAge = intPtr(age), intPtr(cc), intPtr(vage)
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetCasualties returns the casualties of an incident ordered by
// vehicle then casualty reference.
func (db *DB) GetCasualties(ctx context.Context, incidentID string) ([]Casualty, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT c.incident_id, i.year, c.vehicle_ref, c.casualty_ref, c.class, c.sex, c.age,
			c.age_band, c.severity
		FROM casualties c JOIN incidents i ON i.id = c.incident_id
		WHERE c.incident_id = ? ORDER BY c.vehicle_ref, c.casualty_ref`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Casualty
	for rows.Next() {
		var c Casualty
		var age sql.NullInt64
		var sev int
		if err := rows.Scan(&c.IncidentID, &c.Year, &c.VehicleRef, &c.CasualtyRef, &c.Class,
			&c.Sex, &age, &c.AgeBand, &sev); err != nil {
			return nil, err
		}
		c.Age = intPtr(age)
		c.Severity = Severity(sev)
		out = append(out, c)
	}
	return out, rows.Err()
}

// IncidentFilter narrows incident searches. Zero values mean no bound.
type IncidentFilter struct {
	YearFrom   int
	YearTo     int
	Severities []Severity
}

func (f IncidentFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.YearFrom > 0 {
		clauses = append(clauses, "year >= ?")
		args = append(args, f.YearFrom)
	}
	if f.YearTo > 0 {
		clauses = append(clauses, "year <= ?")
		args = append(args, f.YearTo)
	}
	if len(f.Severities) > 0 {
		marks := make([]string, len(f.Severities))
		for i, s := range f.Severities {
			marks[i] = "?"
			args = append(args, int(s))
		}
		clauses = append(clauses, fmt.Sprintf("severity IN (%s)", strings.Join(marks, ", ")))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// IncidentsInBBox returns located incidents inside the box, ordered by id.
func (db *DB) IncidentsInBBox(ctx context.Context, box geo.BBox, f IncidentFilter) ([]Incident, error) {
	extra, extraArgs := f.where()
	args := append([]any{box.MinLat, box.MaxLat, box.MinLon, box.MaxLon}, extraArgs...)
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+incidentColumns+` FROM incidents
		WHERE lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?`+extra+" ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// IncidentsForYear returns every incident of a year partition, ordered by id.
func (db *DB) IncidentsForYear(ctx context.Context, year int) ([]Incident, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+incidentColumns+" FROM incidents WHERE year = ? ORDER BY id", year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// IncidentYears returns the distinct years that hold incidents, ascending.
func (db *DB) IncidentYears(ctx context.Context) ([]int, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT DISTINCT year FROM incidents ORDER BY year")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var years []int
	for rows.Next() {
		var y int
		if err := rows.Scan(&y); err != nil {
			return nil, err
		}
		years = append(years, y)
	}
	return years, rows.Err()
}

// SeverityCountsByArea tallies assigned incidents per area code over an
// inclusive year range.
func (db *DB) SeverityCountsByArea(ctx context.Context, yearFrom, yearTo int) (map[string]SeverityCounts, error) {
	return severityCountsByArea(ctx, db.conn, yearFrom, yearTo)
}

func severityCountsByArea(ctx context.Context, q querier, yearFrom, yearTo int) (map[string]SeverityCounts, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT area_code, severity, COUNT(*) FROM incidents
		WHERE area_code != '' AND year BETWEEN ? AND ?
		GROUP BY area_code, severity`, yearFrom, yearTo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]SeverityCounts{}
	for rows.Next() {
		var code string
		var sev, n int
		if err := rows.Scan(&code, &sev, &n); err != nil {
			return nil, err
		}
		c := counts[code]
		switch Severity(sev) {
		case SeverityFatal:
			c.Fatal += n
		case SeveritySerious:
			c.Serious += n
		case SeveritySlight:
			c.Slight += n
		}
		counts[code] = c
	}
	return counts, rows.Err()
}
