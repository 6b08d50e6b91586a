package database

import (
	"context"
	"database/sql"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
)

// Observations are append-only: a re-delivered reading replaces the row
// with the same station and time, nothing is ever pruned.
var weatherSpec = kindSpec{
	kind: KindWeather,
	exists: func(ctx context.Context, tx *sql.Tx, e Entity) (bool, string, error) {
		w := e.(*WeatherObservation)
		ok, err := existsRow(ctx, tx,
			"SELECT 1 FROM weather_observations WHERE station_id = ? AND observed_at = ?", w.StationID, w.ObservedAt)
		return ok, w.Partition(), err
	},
	upsert: func(ctx context.Context, tx *sql.Tx, e Entity) error {
		w := e.(*WeatherObservation)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO weather_observations (station_id, observed_at, lat, lon, temperature_c,
				precipitation_mm, wind_speed_ms, visibility_m, weather_code, is_adverse)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(station_id, observed_at) DO UPDATE SET
				lat = excluded.lat, lon = excluded.lon, temperature_c = excluded.temperature_c,
				precipitation_mm = excluded.precipitation_mm, wind_speed_ms = excluded.wind_speed_ms,
				visibility_m = excluded.visibility_m, weather_code = excluded.weather_code,
				is_adverse = excluded.is_adverse`,
			w.StationID, w.ObservedAt, w.Lat, w.Lon, nullable(w.TemperatureC),
			nullable(w.PrecipitationMM), nullable(w.WindSpeedMS), nullable(w.VisibilityM),
			nullable(w.WeatherCode), boolInt(w.IsAdverse),
		)
		return err
	},
	decode: decodeJSON[WeatherObservation],
}

// LatestWeatherInBBox returns the most recent observation of every
// station inside the box, ordered by station id.
func (db *DB) LatestWeatherInBBox(ctx context.Context, box geo.BBox) ([]WeatherObservation, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT w.station_id, w.observed_at, w.lat, w.lon, w.temperature_c, w.precipitation_mm,
			w.wind_speed_ms, w.visibility_m, w.weather_code, w.is_adverse
		FROM weather_observations w
		WHERE w.lat BETWEEN ? AND ? AND w.lon BETWEEN ? AND ?
		AND w.observed_at = (
			SELECT MAX(observed_at) FROM weather_observations WHERE station_id = w.station_id
		)
		ORDER BY w.station_id`,
		box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WeatherObservation
	for rows.Next() {
		var w WeatherObservation
		var temp, precip, wind sql.NullFloat64
		var vis, code sql.NullInt64
		var adverse int
		if err := rows.Scan(&w.StationID, &w.ObservedAt, &w.Lat, &w.Lon, &temp, &precip, &wind,
			&vis, &code, &adverse); err != nil {
			return nil, err
		}
		w.TemperatureC, w.PrecipitationMM, w.WindSpeedMS = floatPtr(temp), floatPtr(precip), floatPtr(wind)
		w.VisibilityM, w.WeatherCode = intPtr(vis), intPtr(code)
		w.IsAdverse = adverse != 0
		out = append(out, w)
	}
	return out, rows.Err()
}
