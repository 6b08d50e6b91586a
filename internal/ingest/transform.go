package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
)

// row is a record keyed by canonical field name.
type row map[string]string

// input is what a builder sees: the renamed row plus anything that does
// not fit in a string map.
type input struct {
	row      row
	geometry []byte
	version  string
}

// transformContext carries per-source settings into the builders.
type transformContext struct {
	sourceID string
	edition  string
	envelope geo.BBox
}

const (
	minYear = 1979
	maxYear = 2100
)

// Transform maps one raw record to a canonical entity. Schema problems
// return *SchemaValidationError; unusable locations on pure point
// features return *GeometryError.
func (m *Mapping) Transform(rec RawRecord, c *transformContext) (database.Entity, error) {
	fm, err := m.Select(rec.Fields)
	if err != nil {
		return nil, err
	}
	return m.build(input{row: fm.apply(rec.Fields), geometry: rec.Geometry, version: fm.Version}, c)
}

// missing reports whether an upstream value means "not recorded".
// STATS19 uses -1 and the DfT files use blank or NULL.
func missing(v string) bool {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "-1", "NULL", "NA", "N/A":
		return true
	}
	return false
}

func (r row) str(k string) string {
	v := r[k]
	if missing(v) {
		return ""
	}
	return v
}

func (r row) required(k string) (string, error) {
	v := r.str(k)
	if v == "" {
		return "", &SchemaValidationError{Field: k, Value: r[k], Reason: "required"}
	}
	return v, nil
}

func parseInt(v string) (int, bool) {
	if n, err := strconv.Atoi(v); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func (r row) intOpt(k string) (*int, error) {
	v := r.str(k)
	if v == "" {
		return nil, nil
	}
	n, ok := parseInt(v)
	if !ok {
		return nil, &SchemaValidationError{Field: k, Value: v, Reason: "not an integer"}
	}
	return &n, nil
}

func (r row) intReq(k string) (int, error) {
	v, err := r.required(k)
	if err != nil {
		return 0, err
	}
	n, ok := parseInt(v)
	if !ok {
		return 0, &SchemaValidationError{Field: k, Value: v, Reason: "not an integer"}
	}
	return n, nil
}

func (r row) int64Opt(k string) (*int64, error) {
	n, err := r.intOpt(k)
	if n == nil || err != nil {
		return nil, err
	}
	v := int64(*n)
	return &v, nil
}

func (r row) floatOpt(k string) (*float64, error) {
	v := r.str(k)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &SchemaValidationError{Field: k, Value: v, Reason: "not a number"}
	}
	return &f, nil
}

func (r row) year(k string) (int, error) {
	y, err := r.intReq(k)
	if err != nil {
		return 0, err
	}
	if y < minYear || y > maxYear {
		return 0, &SchemaValidationError{Field: k, Value: r[k], Reason: fmt.Sprintf("year outside %d..%d", minYear, maxYear)}
	}
	return y, nil
}

var dateLayouts = []string{"02/01/2006", "2006-01-02", "02-01-2006"}

func parseDate(v string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (r row) dateOpt(k string) (*string, error) {
	v := r.str(k)
	if v == "" {
		return nil, nil
	}
	t, ok := parseDate(v)
	if !ok {
		return nil, &SchemaValidationError{Field: k, Value: v, Reason: "unrecognised date"}
	}
	s := t.Format("2006-01-02")
	return &s, nil
}

// parseClock accepts H:MM or HH:MM.
func parseClock(v string) (string, bool) {
	h, m, ok := strings.Cut(v, ":")
	if !ok || len(m) != 2 {
		return "", false
	}
	hour, err1 := strconv.Atoi(h)
	minute, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), true
}

// location resolves a WGS84 point from lat/lon, falling back to British
// National Grid easting/northing. The flag is empty when the point is usable.
func (r row) location() (geo.Point, string) {
	lat, errLat := r.floatOpt("lat")
	lon, errLon := r.floatOpt("lon")
	if lat != nil && lon != nil && errLat == nil && errLon == nil {
		if p := (geo.Point{Lat: *lat, Lon: *lon}); p.Valid() {
			return p, ""
		}
	}

	e, errE := r.floatOpt("easting")
	n, errN := r.floatOpt("northing")
	if e != nil && n != nil && errE == nil && errN == nil && *e > 0 && *n > 0 {
		if p := geo.FromBritishNationalGrid(*e, *n); p.Valid() {
			return p, ""
		}
		return geo.Point{}, database.GeoFlagInvalid
	}

	if lat == nil && lon == nil && e == nil && n == nil && errLat == nil && errLon == nil {
		return geo.Point{}, database.GeoFlagMissing
	}
	return geo.Point{}, database.GeoFlagInvalid
}

// pointFeature resolves the location of a record that is meaningless
// without one.
func pointFeature(key string, r row, c *transformContext) (geo.Point, error) {
	p, flag := r.location()
	if flag != "" {
		return p, &GeometryError{Key: key, Reason: flag}
	}
	if !c.envelope.Contains(p) {
		return p, &GeometryError{Key: key, Reason: database.GeoFlagOutside}
	}
	return p, nil
}

func buildIncident(in input, c *transformContext) (database.Entity, error) {
	r := in.row
	id, err := r.required("id")
	if err != nil {
		return nil, err
	}
	d, err := r.required("date")
	if err != nil {
		return nil, err
	}
	date, ok := parseDate(d)
	if !ok {
		return nil, &SchemaValidationError{Field: "date", Value: d, Reason: "unrecognised date"}
	}
	if date.Year() < minYear || date.Year() > maxYear {
		return nil, &SchemaValidationError{Field: "date", Value: d, Reason: "year out of range"}
	}
	if r.str("year") != "" {
		y, err := r.year("year")
		if err != nil {
			return nil, err
		}
		if y != date.Year() {
			return nil, &SchemaValidationError{Field: "year", Value: r["year"], Reason: "does not match date " + d}
		}
	}

	occurred := date.Format("2006-01-02")
	if t := r.str("time"); t != "" {
		if clock, ok := parseClock(t); ok {
			occurred += " " + clock
		}
	}

	sev, err := r.intReq("severity")
	if err != nil {
		return nil, err
	}
	if !database.Severity(sev).Valid() {
		return nil, &SchemaValidationError{Field: "severity", Value: r["severity"], Reason: "must be 1, 2 or 3"}
	}

	inc := &database.Incident{
		ID:             id,
		Year:           date.Year(),
		OccurredAt:     occurred,
		Severity:       database.Severity(sev),
		RoadType:       r.str("road_type"),
		Weather:        r.str("weather"),
		Light:          r.str("light"),
		Surface:        r.str("surface"),
		PoliceForce:    r.str("police_force"),
		LocalAuthority: r.str("local_authority"),
		SourceAreaCode: r.str("area_code"),
		SourceID:       c.sourceID,
	}
	if n, err := r.intOpt("vehicle_count"); err != nil {
		return nil, err
	} else if n != nil {
		inc.VehicleCount = *n
	}
	if n, err := r.intOpt("casualty_count"); err != nil {
		return nil, err
	} else if n != nil {
		inc.CasualtyCount = *n
	}
	if inc.SpeedLimit, err = r.intOpt("speed_limit"); err != nil {
		return nil, err
	}

	p, flag := r.location()
	if flag == "" && !c.envelope.Contains(p) {
		flag = database.GeoFlagOutside
	}
	if flag == "" {
		inc.Lat, inc.Lon = &p.Lat, &p.Lon
	}
	inc.GeoFlag = flag
	return inc, nil
}

func buildVehicle(in input, _ *transformContext) (database.Entity, error) {
	r := in.row
	id, err := r.required("incident_id")
	if err != nil {
		return nil, err
	}
	year, err := r.year("year")
	if err != nil {
		return nil, err
	}
	ref, err := r.intReq("vehicle_ref")
	if err != nil {
		return nil, err
	}
	v := &database.Vehicle{
		IncidentID:  id,
		Year:        year,
		VehicleRef:  ref,
		VehicleType: r.str("vehicle_type"),
		Manoeuvre:   r.str("manoeuvre"),
		DriverSex:   r.str("driver_sex"),
	}
	if v.DriverAge, err = r.intOpt("driver_age"); err != nil {
		return nil, err
	}
	if v.EngineCapacityCC, err = r.intOpt("engine_capacity_cc"); err != nil {
		return nil, err
	}
	if v.VehicleAge, err = r.intOpt("vehicle_age"); err != nil {
		return nil, err
	}
	return v, nil
}

func buildCasualty(in input, _ *transformContext) (database.Entity, error) {
	r := in.row
	id, err := r.required("incident_id")
	if err != nil {
		return nil, err
	}
	year, err := r.year("year")
	if err != nil {
		return nil, err
	}
	vref, err := r.intReq("vehicle_ref")
	if err != nil {
		return nil, err
	}
	cref, err := r.intReq("casualty_ref")
	if err != nil {
		return nil, err
	}
	sev, err := r.intReq("severity")
	if err != nil {
		return nil, err
	}
	if !database.Severity(sev).Valid() {
		return nil, &SchemaValidationError{Field: "severity", Value: r["severity"], Reason: "must be 1, 2 or 3"}
	}
	cas := &database.Casualty{
		IncidentID:  id,
		Year:        year,
		VehicleRef:  vref,
		CasualtyRef: cref,
		Class:       r.str("class"),
		Sex:         r.str("sex"),
		AgeBand:     r.str("age_band"),
		Severity:    database.Severity(sev),
	}
	if cas.Age, err = r.intOpt("age"); err != nil {
		return nil, err
	}
	return cas, nil
}

func buildArealUnit(in input, c *transformContext) (database.Entity, error) {
	r := in.row
	code, err := r.required("code")
	if err != nil {
		return nil, err
	}
	if len(in.geometry) == 0 {
		return nil, &GeometryError{Key: code, Reason: "missing boundary geometry"}
	}
	shape, err := geo.ParseGeoJSON(in.geometry)
	if err != nil {
		return nil, &GeometryError{Key: code, Reason: err.Error()}
	}
	normalized, err := shape.MarshalGeoJSON()
	if err != nil {
		return nil, err
	}

	edition := c.edition
	if edition == "" {
		edition = in.version
	}
	u := &database.ArealUnit{
		Code:       code,
		Name:       r.str("name"),
		RegionCode: r.str("region_code"),
		Edition:    edition,
		Geometry:   string(normalized),
		BBox:       shape.Bounds(),
	}
	if u.Population, err = r.int64Opt("population"); err != nil {
		return nil, err
	}
	if u.AreaHectares, err = r.floatOpt("area_hectares"); err != nil {
		return nil, err
	}
	if u.AreaHectares == nil {
		sqm, err := r.floatOpt("area_sq_m")
		if err != nil {
			return nil, err
		}
		if sqm != nil {
			ha := *sqm / 10000
			u.AreaHectares = &ha
		}
	}
	return u, nil
}

func buildCountPoint(in input, c *transformContext) (database.Entity, error) {
	r := in.row
	id, err := r.required("id")
	if err != nil {
		return nil, err
	}
	if _, ok := parseInt(id); !ok {
		return nil, &SchemaValidationError{Field: "id", Value: id, Reason: "count point id must be numeric"}
	}
	p, err := pointFeature(id, r, c)
	if err != nil {
		return nil, err
	}
	return &database.CountPoint{
		ID:             id,
		RoadName:       r.str("road_name"),
		RoadCategory:   r.str("road_category"),
		Lat:            p.Lat,
		Lon:            p.Lon,
		LocalAuthority: r.str("local_authority"),
	}, nil
}

func buildAnnualFlow(in input, _ *transformContext) (database.Entity, error) {
	r := in.row
	id, err := r.required("point_id")
	if err != nil {
		return nil, err
	}
	if _, ok := parseInt(id); !ok {
		return nil, &SchemaValidationError{Field: "point_id", Value: id, Reason: "count point id must be numeric"}
	}
	year, err := r.year("year")
	if err != nil {
		return nil, err
	}
	f := &database.AnnualFlow{PointID: id, Year: year, EstimationMethod: r.str("estimation_method")}
	for k, dst := range map[string]**int64{
		"pedal_cycles":       &f.PedalCycles,
		"two_wheeled":        &f.TwoWheeled,
		"cars_taxis":         &f.CarsTaxis,
		"buses_coaches":      &f.BusesCoaches,
		"lgvs":               &f.LGVs,
		"hgvs":               &f.HGVs,
		"all_motor_vehicles": &f.AllMotorVehicles,
	} {
		if *dst, err = r.int64Opt(k); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func attributes(r row, keys ...string) map[string]string {
	attrs := map[string]string{}
	for _, k := range keys {
		if v := r.str(k); v != "" {
			attrs[k] = v
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

func buildSchool(in input, c *transformContext) (database.Entity, error) {
	r := in.row
	id, err := r.required("id")
	if err != nil {
		return nil, err
	}
	p, err := pointFeature(id, r, c)
	if err != nil {
		return nil, err
	}
	f := &database.Facility{
		Class:      database.ClassSchool,
		ID:         id,
		Name:       r.str("name"),
		Lat:        p.Lat,
		Lon:        p.Lon,
		Attributes: attributes(r, "phase", "type", "status", "local_authority", "postcode", "pupils"),
	}
	if f.OpenedOn, err = r.dateOpt("opened_on"); err != nil {
		return nil, err
	}
	if f.ClosedOn, err = r.dateOpt("closed_on"); err != nil {
		return nil, err
	}
	return f, nil
}

func buildCamera(in input, c *transformContext) (database.Entity, error) {
	r := in.row
	id, err := r.required("id")
	if err != nil {
		return nil, err
	}
	p, err := pointFeature(id, r, c)
	if err != nil {
		return nil, err
	}
	return &database.Facility{
		Class:      database.ClassCamera,
		ID:         id,
		Name:       r.str("name"),
		Lat:        p.Lat,
		Lon:        p.Lon,
		Attributes: attributes(r, "type", "speed_limit", "road"),
	}, nil
}

// adverseWeatherCodes are Met Office significant weather codes for rain,
// snow or ice, and fog or mist.
var adverseWeatherCodes = map[int]bool{
	5: true, 6: true,
	9: true, 10: true, 11: true, 12: true, 13: true, 14: true, 15: true,
	16: true, 17: true, 18: true, 19: true, 20: true, 21: true, 22: true,
	23: true, 24: true, 25: true, 26: true, 27: true,
}

func buildWeather(in input, c *transformContext) (database.Entity, error) {
	r := in.row
	station, err := r.required("station_id")
	if err != nil {
		return nil, err
	}
	at, err := r.required("observed_at")
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return nil, &SchemaValidationError{Field: "observed_at", Value: at, Reason: "not an RFC 3339 timestamp"}
	}
	p, err := pointFeature(station, r, c)
	if err != nil {
		return nil, err
	}
	w := &database.WeatherObservation{
		StationID:  station,
		ObservedAt: t.UTC().Format(time.RFC3339),
		Lat:        p.Lat,
		Lon:        p.Lon,
	}
	if w.TemperatureC, err = r.floatOpt("temperature_c"); err != nil {
		return nil, err
	}
	if w.PrecipitationMM, err = r.floatOpt("precipitation_mm"); err != nil {
		return nil, err
	}
	if w.WindSpeedMS, err = r.floatOpt("wind_speed_ms"); err != nil {
		return nil, err
	}
	if w.VisibilityM, err = r.intOpt("visibility_m"); err != nil {
		return nil, err
	}
	if w.WeatherCode, err = r.intOpt("weather_code"); err != nil {
		return nil, err
	}
	w.IsAdverse = w.WeatherCode != nil && adverseWeatherCodes[*w.WeatherCode]
	return w, nil
}

// dataDate is the publication-relevant date of an entity, used to track
// the newest data a source has delivered.
func dataDate(e database.Entity) string {
	switch v := e.(type) {
	case *database.Incident:
		return v.OccurredAt[:10]
	case *database.WeatherObservation:
		return v.ObservedAt[:10]
	case *database.AnnualFlow:
		return fmt.Sprintf("%d-12-31", v.Year)
	case *database.Vehicle:
		return fmt.Sprintf("%d-12-31", v.Year)
	case *database.Casualty:
		return fmt.Sprintf("%d-12-31", v.Year)
	}
	return ""
}
