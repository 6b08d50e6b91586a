package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "canonical spatial store",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS incidents (
    id TEXT PRIMARY KEY,
    year INTEGER NOT NULL,
    occurred_at TEXT NOT NULL,
    lat REAL,
    lon REAL,
    severity INTEGER NOT NULL CHECK(severity IN (1, 2, 3)),
    vehicle_count INTEGER NOT NULL DEFAULT 0,
    casualty_count INTEGER NOT NULL DEFAULT 0,
    road_type TEXT NOT NULL DEFAULT '',
    weather TEXT NOT NULL DEFAULT '',
    light TEXT NOT NULL DEFAULT '',
    surface TEXT NOT NULL DEFAULT '',
    speed_limit INTEGER,
    police_force TEXT NOT NULL DEFAULT '',
    local_authority TEXT NOT NULL DEFAULT '',
    area_code TEXT NOT NULL DEFAULT '',
    source_area_code TEXT NOT NULL DEFAULT '',
    geo_flag TEXT NOT NULL DEFAULT '',
    source_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vehicles (
    incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
    vehicle_ref INTEGER NOT NULL,
    vehicle_type TEXT NOT NULL DEFAULT '',
    manoeuvre TEXT NOT NULL DEFAULT '',
    driver_sex TEXT NOT NULL DEFAULT '',
    driver_age INTEGER,
    engine_capacity_cc INTEGER,
    vehicle_age INTEGER,
    PRIMARY KEY (incident_id, vehicle_ref)
);

CREATE TABLE IF NOT EXISTS casualties (
    incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
    vehicle_ref INTEGER NOT NULL,
    casualty_ref INTEGER NOT NULL,
    class TEXT NOT NULL DEFAULT '',
    sex TEXT NOT NULL DEFAULT '',
    age INTEGER,
    age_band TEXT NOT NULL DEFAULT '',
    severity INTEGER NOT NULL CHECK(severity IN (1, 2, 3)),
    PRIMARY KEY (incident_id, vehicle_ref, casualty_ref)
);

CREATE TABLE IF NOT EXISTS areal_units (
    code TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    region_code TEXT NOT NULL DEFAULT '',
    population INTEGER,
    area_hectares REAL,
    edition TEXT NOT NULL,
    geometry TEXT NOT NULL,
    min_lon REAL NOT NULL,
    min_lat REAL NOT NULL,
    max_lon REAL NOT NULL,
    max_lat REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS count_points (
    id TEXT PRIMARY KEY,
    road_name TEXT NOT NULL DEFAULT '',
    road_category TEXT NOT NULL DEFAULT '',
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    local_authority TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS annual_flows (
    point_id TEXT NOT NULL REFERENCES count_points(id) ON DELETE CASCADE,
    year INTEGER NOT NULL,
    pedal_cycles INTEGER,
    two_wheeled INTEGER,
    cars_taxis INTEGER,
    buses_coaches INTEGER,
    lgvs INTEGER,
    hgvs INTEGER,
    all_motor_vehicles INTEGER,
    estimation_method TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (point_id, year)
);

CREATE TABLE IF NOT EXISTS facilities (
    class TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    attributes TEXT,
    opened_on TEXT,
    closed_on TEXT,
    PRIMARY KEY (class, id)
);

CREATE TABLE IF NOT EXISTS weather_observations (
    station_id TEXT NOT NULL,
    observed_at TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    temperature_c REAL,
    precipitation_mm REAL,
    wind_speed_ms REAL,
    visibility_m INTEGER,
    weather_code INTEGER,
    is_adverse INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (station_id, observed_at)
);

CREATE TABLE IF NOT EXISTS area_risk_scores (
    area_code TEXT NOT NULL,
    period TEXT NOT NULL,
    fatal INTEGER NOT NULL,
    serious INTEGER NOT NULL,
    slight INTEGER NOT NULL,
    total INTEGER NOT NULL,
    score_raw REAL NOT NULL,
    risk_score REAL NOT NULL,
    normalization TEXT NOT NULL,
    denominator REAL NOT NULL,
    risk_category TEXT NOT NULL,
    PRIMARY KEY (area_code, period)
);

CREATE TABLE IF NOT EXISTS risk_periods (
    period TEXT PRIMARY KEY,
    computed_at TEXT NOT NULL,
    edition TEXT NOT NULL DEFAULT '',
    unit_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS source_state (
    source_id TEXT PRIMARY KEY,
    cadence TEXT NOT NULL,
    last_checked TEXT,
    last_updated TEXT,
    latest_data_date TEXT,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    degraded INTEGER NOT NULL DEFAULT 0,
    last_error TEXT
);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
    id TEXT PRIMARY KEY,
    job_name TEXT NOT NULL,
    job_type TEXT NOT NULL,
    source_id TEXT NOT NULL,
    started_at TEXT NOT NULL,
    completed_at TEXT,
    status TEXT NOT NULL CHECK(status IN ('running', 'completed', 'failed')),
    processed INTEGER NOT NULL DEFAULT 0,
    inserted INTEGER NOT NULL DEFAULT 0,
    updated INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    error_detail TEXT
);

CREATE TABLE IF NOT EXISTS staged_records (
    job_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    kind TEXT NOT NULL,
    natural_key TEXT NOT NULL,
    partition TEXT NOT NULL,
    payload TEXT NOT NULL,
    PRIMARY KEY (job_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_incidents_year ON incidents(year);
CREATE INDEX IF NOT EXISTS idx_incidents_area_year ON incidents(area_code, year);
CREATE INDEX IF NOT EXISTS idx_incidents_lat_lon ON incidents(lat, lon);
CREATE INDEX IF NOT EXISTS idx_areal_units_edition ON areal_units(edition);
CREATE INDEX IF NOT EXISTS idx_annual_flows_year ON annual_flows(year);
CREATE INDEX IF NOT EXISTS idx_facilities_lat_lon ON facilities(lat, lon);
CREATE INDEX IF NOT EXISTS idx_weather_time ON weather_observations(observed_at);
CREATE INDEX IF NOT EXISTS idx_weather_lat_lon ON weather_observations(lat, lon);
CREATE INDEX IF NOT EXISTS idx_risk_period ON area_risk_scores(period);
CREATE INDEX IF NOT EXISTS idx_jobs_source ON ingestion_jobs(source_id, started_at);
CREATE INDEX IF NOT EXISTS idx_staged_kind ON staged_records(job_id, kind, seq);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "nearest feature links",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS incident_links (
    incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
    year INTEGER NOT NULL,
    class TEXT NOT NULL,
    feature_id TEXT NOT NULL,
    feature_name TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    distance_m REAL NOT NULL,
    PRIMARY KEY (incident_id, class)
);

CREATE INDEX IF NOT EXISTS idx_incident_links_year ON incident_links(year, class);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
