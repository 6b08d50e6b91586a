package database

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
)

var facilitySpec = kindSpec{
	kind: KindFacility,
	prune: func(ctx context.Context, tx *sql.Tx, partition, jobID string) (int64, error) {
		r, err := tx.ExecContext(ctx,
			`DELETE FROM facilities WHERE class = ?
			AND (class || '/' || id) NOT IN (`+stagedKeys+`)`,
			partition, jobID, string(KindFacility))
		if err != nil {
			return 0, err
		}
		return r.RowsAffected()
	},
	exists: func(ctx context.Context, tx *sql.Tx, e Entity) (bool, string, error) {
		f := e.(*Facility)
		ok, err := existsRow(ctx, tx, "SELECT 1 FROM facilities WHERE class = ? AND id = ?", f.Class, f.ID)
		return ok, f.Partition(), err
	},
	upsert: func(ctx context.Context, tx *sql.Tx, e Entity) error {
		f := e.(*Facility)
		var attrs *string
		if len(f.Attributes) > 0 {
			data, err := json.Marshal(f.Attributes)
			if err != nil {
				return err
			}
			s := string(data)
			attrs = &s
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO facilities (class, id, name, lat, lon, attributes, opened_on, closed_on)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(class, id) DO UPDATE SET
				name = excluded.name, lat = excluded.lat, lon = excluded.lon,
				attributes = excluded.attributes, opened_on = excluded.opened_on,
				closed_on = excluded.closed_on`,
			f.Class, f.ID, f.Name, f.Lat, f.Lon, nullable(attrs), nullable(f.OpenedOn), nullable(f.ClosedOn),
		)
		return err
	},
	decode: decodeJSON[Facility],
}

const facilityColumns = "class, id, name, lat, lon, attributes, opened_on, closed_on"

func scanFacility(s interface{ Scan(...any) error }) (Facility, error) {
	var f Facility
	var attrs, opened, closed sql.NullString
	if err := s.Scan(&f.Class, &f.ID, &f.Name, &f.Lat, &f.Lon, &attrs, &opened, &closed); err != nil {
		return f, err
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &f.Attributes); err != nil {
			return f, err
		}
	}
	f.OpenedOn, f.ClosedOn = stringPtr(opened), stringPtr(closed)
	return f, nil
}

// GetFacility returns a facility by class and id, or nil if not found.
func (db *DB) GetFacility(ctx context.Context, class, id string) (*Facility, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+facilityColumns+" FROM facilities WHERE class = ? AND id = ?", class, id)
	f, err := scanFacility(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// FacilitiesInBBox returns facilities of a class inside the box, ordered by id.
func (db *DB) FacilitiesInBBox(ctx context.Context, class string, box geo.BBox) ([]Facility, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+facilityColumns+` FROM facilities
		WHERE class = ? AND lat BETWEEN ? AND ? AND lon BETWEEN ? AND ? ORDER BY id`,
		class, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Facility
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
