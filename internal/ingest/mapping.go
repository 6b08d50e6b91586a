package ingest

import (
	"fmt"
	"strings"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
)

// FieldMap renames one published layout of a dataset to canonical names.
type FieldMap struct {
	Version string
	// Signature is a column only this layout carries.
	Signature string
	Columns   map[string]string
}

// Mapping binds a source kind to its known layouts and the builder that
// turns a canonical row into entities.
type Mapping struct {
	Kind     string
	Versions []FieldMap
	// Parents are the kinds whose records this kind references.
	Parents  []string
	build    func(in input, c *transformContext) (database.Entity, error)
}

// Select returns the layout whose signature column the record carries.
// Layouts are tried newest first.
func (m *Mapping) Select(fields map[string]string) (FieldMap, error) {
	for i := len(m.Versions) - 1; i >= 0; i-- {
		if _, ok := lookup(fields, m.Versions[i].Signature); ok {
			return m.Versions[i], nil
		}
	}
	return FieldMap{}, &SchemaValidationError{Field: "layout", Reason: "no known " + m.Kind + " layout matches"}
}

// apply renames fields to canonical names. Upstream headers are matched
// case-insensitively; unmapped columns are dropped.
func (fm FieldMap) apply(fields map[string]string) row {
	out := make(row, len(fm.Columns))
	for upstream, canonical := range fm.Columns {
		if v, ok := lookup(fields, upstream); ok {
			out[canonical] = strings.TrimSpace(v)
		}
	}
	return out
}

func lookup(fields map[string]string, key string) (string, bool) {
	if v, ok := fields[key]; ok {
		return v, true
	}
	for k, v := range fields {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			return v, true
		}
	}
	return "", false
}

// Source kinds accepted in configuration.
const (
	KindStats19Collisions = "stats19_collisions"
	KindStats19Vehicles   = "stats19_vehicles"
	KindStats19Casualties = "stats19_casualties"
	KindBoundaries        = "boundaries"
	KindTrafficPoints     = "traffic_points"
	KindTrafficFlows      = "traffic_flows"
	KindSchools           = "schools"
	KindCameras           = "cameras"
	KindWeather           = "weather"
)

var stats19Common = map[string]string{
	"longitude":                "lon",
	"latitude":                 "lat",
	"location_easting_osgr":    "easting",
	"location_northing_osgr":   "northing",
	"police_force":             "police_force",
	"number_of_vehicles":       "vehicle_count",
	"number_of_casualties":     "casualty_count",
	"date":                     "date",
	"time":                     "time",
	"local_authority_district": "local_authority",
	"road_type":                "road_type",
	"speed_limit":              "speed_limit",
	"light_conditions":         "light",
	"weather_conditions":       "weather",
	"road_surface_conditions":  "surface",
}

var mappings = map[string]*Mapping{
	KindStats19Collisions: {
		Kind: KindStats19Collisions,
		Versions: []FieldMap{
			{Version: "2019", Signature: "accident_index", Columns: with(stats19Common, map[string]string{
				"accident_index":            "id",
				"accident_year":             "year",
				"accident_severity":         "severity",
				"lsoa_of_accident_location": "area_code",
			})},
			{Version: "2024", Signature: "collision_index", Columns: with(stats19Common, map[string]string{
				"collision_index":            "id",
				"collision_year":             "year",
				"collision_severity":         "severity",
				"lsoa_of_collision_location": "area_code",
			})},
		},
		build: buildIncident,
	},
	KindStats19Vehicles: {
		Kind: KindStats19Vehicles,
		Versions: []FieldMap{
			{Version: "2019", Signature: "accident_index", Columns: with(vehicleCommon, map[string]string{
				"accident_index": "incident_id",
				"accident_year":  "year",
			})},
			{Version: "2024", Signature: "collision_index", Columns: with(vehicleCommon, map[string]string{
				"collision_index": "incident_id",
				"collision_year":  "year",
			})},
		},
		Parents: []string{KindStats19Collisions},
		build:   buildVehicle,
	},
	KindStats19Casualties: {
		Kind: KindStats19Casualties,
		Versions: []FieldMap{
			{Version: "2019", Signature: "accident_index", Columns: with(casualtyCommon, map[string]string{
				"accident_index": "incident_id",
				"accident_year":  "year",
			})},
			{Version: "2024", Signature: "collision_index", Columns: with(casualtyCommon, map[string]string{
				"collision_index": "incident_id",
				"collision_year":  "year",
			})},
		},
		Parents: []string{KindStats19Collisions},
		build:   buildCasualty,
	},
	KindBoundaries: {
		Kind: KindBoundaries,
		Versions: []FieldMap{
			{Version: "lsoa2011", Signature: "LSOA11CD", Columns: map[string]string{
				"LSOA11CD":    "code",
				"LSOA11NM":    "name",
				"LAD11CD":     "region_code",
				"Shape__Area": "area_sq_m",
				"AREAEHECT":   "area_hectares",
				"population":  "population",
			}},
			{Version: "lsoa2021", Signature: "LSOA21CD", Columns: map[string]string{
				"LSOA21CD":    "code",
				"LSOA21NM":    "name",
				"LAD22CD":     "region_code",
				"Shape__Area": "area_sq_m",
				"AREAEHECT":   "area_hectares",
				"population":  "population",
			}},
		},
		build: buildArealUnit,
	},
	KindTrafficPoints: {
		Kind: KindTrafficPoints,
		Versions: []FieldMap{
			{Version: "dft", Signature: "count_point_id", Columns: map[string]string{
				"count_point_id":       "id",
				"road_name":            "road_name",
				"road_category":        "road_category",
				"easting":              "easting",
				"northing":             "northing",
				"latitude":             "lat",
				"longitude":            "lon",
				"local_authority_name": "local_authority",
			}},
		},
		build: buildCountPoint,
	},
	KindTrafficFlows: {
		Kind: KindTrafficFlows,
		Versions: []FieldMap{
			{Version: "aadf", Signature: "count_point_id", Columns: map[string]string{
				"count_point_id":             "point_id",
				"year":                       "year",
				"pedal_cycles":               "pedal_cycles",
				"two_wheeled_motor_vehicles": "two_wheeled",
				"cars_and_taxis":             "cars_taxis",
				"buses_and_coaches":          "buses_coaches",
				"lgvs":                       "lgvs",
				"all_hgvs":                   "hgvs",
				"all_motor_vehicles":         "all_motor_vehicles",
				"estimation_method":          "estimation_method",
			}},
		},
		Parents: []string{KindTrafficPoints},
		build:   buildAnnualFlow,
	},
	KindSchools: {
		Kind: KindSchools,
		Versions: []FieldMap{
			{Version: "gias", Signature: "URN", Columns: map[string]string{
				"URN":                        "id",
				"EstablishmentName":          "name",
				"Easting":                    "easting",
				"Northing":                   "northing",
				"OpenDate":                   "opened_on",
				"CloseDate":                  "closed_on",
				"PhaseOfEducation (name)":    "phase",
				"TypeOfEstablishment (name)": "type",
				"EstablishmentStatus (name)": "status",
				"LA (name)":                  "local_authority",
				"Postcode":                   "postcode",
				"NumberOfPupils":             "pupils",
			}},
		},
		build: buildSchool,
	},
	KindCameras: {
		Kind: KindCameras,
		Versions: []FieldMap{
			{Version: "safety_cameras", Signature: "camera_id", Columns: map[string]string{
				"camera_id":   "id",
				"site_name":   "name",
				"latitude":    "lat",
				"longitude":   "lon",
				"easting":     "easting",
				"northing":    "northing",
				"camera_type": "type",
				"speed_limit": "speed_limit",
				"road":        "road",
			}},
		},
		build: buildCamera,
	},
	KindWeather: {
		Kind: KindWeather,
		Versions: []FieldMap{
			{Version: "metoffice_land", Signature: "site_id", Columns: map[string]string{
				"site_id":                "station_id",
				"time":                   "observed_at",
				"latitude":               "lat",
				"longitude":              "lon",
				"screenTemperature":      "temperature_c",
				"precipitationRate":      "precipitation_mm",
				"windSpeed10m":           "wind_speed_ms",
				"visibility":             "visibility_m",
				"significantWeatherCode": "weather_code",
			}},
		},
		build: buildWeather,
	},
}

var vehicleCommon = map[string]string{
	"vehicle_reference":  "vehicle_ref",
	"vehicle_type":       "vehicle_type",
	"vehicle_manoeuvre":  "manoeuvre",
	"sex_of_driver":      "driver_sex",
	"age_of_driver":      "driver_age",
	"engine_capacity_cc": "engine_capacity_cc",
	"age_of_vehicle":     "vehicle_age",
}

var casualtyCommon = map[string]string{
	"vehicle_reference":    "vehicle_ref",
	"casualty_reference":   "casualty_ref",
	"casualty_class":       "class",
	"sex_of_casualty":      "sex",
	"age_of_casualty":      "age",
	"age_band_of_casualty": "age_band",
	"casualty_severity":    "severity",
}

func with(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// MappingFor returns the field mapping for a configured source kind.
func MappingFor(kind string) (*Mapping, error) {
	m, ok := mappings[kind]
	if !ok {
		return nil, fmt.Errorf("no field mapping for source kind %q", kind)
	}
	return m, nil
}

// Depth is the length of the longest chain of parent kinds above kind.
// Sources of a lower depth commit first within a run.
func Depth(kind string) int {
	m, ok := mappings[kind]
	if !ok {
		return 0
	}
	d := 0
	for _, p := range m.Parents {
		d = max(d, Depth(p)+1)
	}
	return d
}

// Kinds lists every source kind with a mapping.
func Kinds() []string {
	return []string{
		KindStats19Collisions, KindStats19Vehicles, KindStats19Casualties, KindBoundaries,
		KindTrafficPoints, KindTrafficFlows, KindSchools, KindCameras, KindWeather,
	}
}
