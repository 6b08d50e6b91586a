package ingest

import (
	"errors"
	"testing"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
)

var ukEnvelope = geo.BBox{MinLon: -8.2, MinLat: 49.8, MaxLon: 1.8, MaxLat: 60.9}

func testContext() *transformContext {
	return &transformContext{sourceID: "test", envelope: ukEnvelope}
}

func collision(id, date, severity, lat, lon string) RawRecord {
	return RawRecord{Fields: map[string]string{
		"collision_index":    id,
		"collision_year":     date[6:10],
		"collision_severity": severity,
		"date":               date,
		"time":               "8:05",
		"latitude":           lat,
		"longitude":          lon,
		"speed_limit":        "30",
	}}
}

func transformIncident(t *testing.T, rec RawRecord) *database.Incident {
	t.Helper()
	m, err := MappingFor(KindStats19Collisions)
	if err != nil {
		t.Fatalf("mapping: %v", err)
	}
	e, err := m.Transform(rec, testContext())
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	inc, ok := e.(*database.Incident)
	if !ok {
		t.Fatalf("expected *Incident, got %T", e)
	}
	return inc
}

func TestSelectPicksLayoutBySignature(t *testing.T) {
	m, _ := MappingFor(KindStats19Collisions)

	fm, err := m.Select(map[string]string{"Collision_Index": "x"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if fm.Version != "2024" {
		t.Errorf("expected layout 2024, got %s", fm.Version)
	}

	fm, err = m.Select(map[string]string{"accident_index": "x"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if fm.Version != "2019" {
		t.Errorf("expected layout 2019, got %s", fm.Version)
	}

	_, err = m.Select(map[string]string{"something_else": "x"})
	var sve *SchemaValidationError
	if !errors.As(err, &sve) {
		t.Errorf("expected SchemaValidationError, got %v", err)
	}
}

func TestIncidentFromLatLon(t *testing.T) {
	inc := transformIncident(t, collision("2023010001", "14/03/2023", "2", "51.5074", "-0.1278"))

	if inc.Year != 2023 {
		t.Errorf("expected year 2023, got %d", inc.Year)
	}
	if inc.OccurredAt != "2023-03-14 08:05" {
		t.Errorf("expected occurred_at '2023-03-14 08:05', got %q", inc.OccurredAt)
	}
	if inc.Severity != database.SeveritySerious {
		t.Errorf("expected serious, got %s", inc.Severity)
	}
	if inc.Lat == nil || *inc.Lat != 51.5074 {
		t.Errorf("expected lat 51.5074, got %v", inc.Lat)
	}
	if inc.SpeedLimit == nil || *inc.SpeedLimit != 30 {
		t.Errorf("expected speed limit 30, got %v", inc.SpeedLimit)
	}
	if inc.GeoFlag != "" {
		t.Errorf("expected no geo flag, got %q", inc.GeoFlag)
	}
	if inc.SourceID != "test" {
		t.Errorf("expected source id 'test', got %q", inc.SourceID)
	}
}

func TestIncidentFromGridReference(t *testing.T) {
	rec := collision("2023010002", "2023-03-14", "3", "", "")
	rec.Fields["location_easting_osgr"] = "530000"
	rec.Fields["location_northing_osgr"] = "180000"

	inc := transformIncident(t, rec)
	if inc.Lat == nil || inc.Lon == nil {
		t.Fatalf("expected converted coordinates, got flag %q", inc.GeoFlag)
	}
	if *inc.Lat < 51.49 || *inc.Lat > 51.52 || *inc.Lon < -0.14 || *inc.Lon > -0.11 {
		t.Errorf("expected a point in central London, got %f,%f", *inc.Lat, *inc.Lon)
	}
}

func TestIncidentLocationFlags(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon string
		flag     string
	}{
		{"missing", "", "", database.GeoFlagMissing},
		{"placeholder zero", "0", "0", database.GeoFlagInvalid},
		{"garbage", "north", "west", database.GeoFlagInvalid},
		{"outside envelope", "48.8566", "2.3522", database.GeoFlagOutside},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inc := transformIncident(t, collision("X1", "14/03/2023", "3", tt.lat, tt.lon))
			if inc.GeoFlag != tt.flag {
				t.Errorf("expected flag %q, got %q", tt.flag, inc.GeoFlag)
			}
			if inc.Lat != nil || inc.Lon != nil {
				t.Error("expected flagged incident to have no location")
			}
		})
	}
}

func TestIncidentValidation(t *testing.T) {
	m, _ := MappingFor(KindStats19Collisions)

	tests := []struct {
		name  string
		edit  func(f map[string]string)
		field string
	}{
		{"year mismatch", func(f map[string]string) { f["collision_year"] = "2022" }, "year"},
		{"bad severity", func(f map[string]string) { f["collision_severity"] = "4" }, "severity"},
		{"bad date", func(f map[string]string) { f["date"] = "2023/14/03" }, "date"},
		{"missing id", func(f map[string]string) { f["collision_index"] = "" }, "id"},
		{"year too early", func(f map[string]string) {
			f["date"] = "01/01/1970"
			f["collision_year"] = "1970"
		}, "date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := collision("X1", "14/03/2023", "3", "51.5", "-0.1")
			tt.edit(rec.Fields)
			_, err := m.Transform(rec, testContext())
			var sve *SchemaValidationError
			if !errors.As(err, &sve) {
				t.Fatalf("expected SchemaValidationError, got %v", err)
			}
			if sve.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, sve.Field)
			}
		})
	}
}

func TestMissingCodesBecomeNull(t *testing.T) {
	rec := collision("X1", "14/03/2023", "3", "51.5", "-0.1")
	rec.Fields["speed_limit"] = "-1"
	rec.Fields["time"] = ""

	inc := transformIncident(t, rec)
	if inc.SpeedLimit != nil {
		t.Errorf("expected nil speed limit, got %d", *inc.SpeedLimit)
	}
	if inc.OccurredAt != "2023-03-14" {
		t.Errorf("expected date only, got %q", inc.OccurredAt)
	}
}

func TestParseDateFormats(t *testing.T) {
	for _, s := range []string{"14/03/2023", "2023-03-14", "14-03-2023"} {
		d, ok := parseDate(s)
		if !ok {
			t.Errorf("expected %q to parse", s)
			continue
		}
		if got := d.Format("2006-01-02"); got != "2023-03-14" {
			t.Errorf("expected 2023-03-14 from %q, got %s", s, got)
		}
	}
	if _, ok := parseDate("March 14 2023"); ok {
		t.Error("expected free-form date to be rejected")
	}
}

func TestParseClock(t *testing.T) {
	tests := map[string]string{"8:05": "08:05", "17:30": "17:30", "24:00": "", "7:5": "", "noon": ""}
	for in, want := range tests {
		got, ok := parseClock(in)
		if ok != (want != "") || got != want {
			t.Errorf("parseClock(%q): expected %q, got %q (ok=%v)", in, want, got, ok)
		}
	}
}

func TestVehicleAndCasualty(t *testing.T) {
	vm, _ := MappingFor(KindStats19Vehicles)
	e, err := vm.Transform(RawRecord{Fields: map[string]string{
		"collision_index":    "X1",
		"collision_year":     "2023",
		"vehicle_reference":  "2",
		"vehicle_type":       "9",
		"age_of_driver":      "-1",
		"engine_capacity_cc": "1598",
	}}, testContext())
	if err != nil {
		t.Fatalf("vehicle: %v", err)
	}
	v := e.(*database.Vehicle)
	if v.NaturalKey() != "X1/2" {
		t.Errorf("expected key X1/2, got %s", v.NaturalKey())
	}
	if v.DriverAge != nil {
		t.Errorf("expected nil driver age, got %d", *v.DriverAge)
	}
	if v.EngineCapacityCC == nil || *v.EngineCapacityCC != 1598 {
		t.Errorf("expected engine 1598, got %v", v.EngineCapacityCC)
	}

	cm, _ := MappingFor(KindStats19Casualties)
	e, err = cm.Transform(RawRecord{Fields: map[string]string{
		"accident_index":     "X1",
		"accident_year":      "2023",
		"vehicle_reference":  "2",
		"casualty_reference": "1",
		"casualty_severity":  "1",
		"age_of_casualty":    "34",
	}}, testContext())
	if err != nil {
		t.Fatalf("casualty: %v", err)
	}
	c := e.(*database.Casualty)
	if c.NaturalKey() != "X1/2/1" || c.Severity != database.SeverityFatal {
		t.Errorf("unexpected casualty %+v", c)
	}
}

func TestSchoolNeedsLocation(t *testing.T) {
	m, _ := MappingFor(KindSchools)

	_, err := m.Transform(RawRecord{Fields: map[string]string{
		"URN":               "100001",
		"EstablishmentName": "Nowhere Primary",
	}}, testContext())
	var ge *GeometryError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GeometryError, got %v", err)
	}
	if ge.Reason != database.GeoFlagMissing {
		t.Errorf("expected reason %q, got %q", database.GeoFlagMissing, ge.Reason)
	}

	e, err := m.Transform(RawRecord{Fields: map[string]string{
		"URN":                     "100002",
		"EstablishmentName":       "Grid Primary",
		"Easting":                 "530000",
		"Northing":                "180000",
		"OpenDate":                "01-09-1998",
		"CloseDate":               "",
		"PhaseOfEducation (name)": "Primary",
	}}, testContext())
	if err != nil {
		t.Fatalf("school: %v", err)
	}
	f := e.(*database.Facility)
	if f.Class != database.ClassSchool || f.NaturalKey() != "school/100002" {
		t.Errorf("unexpected facility key %s", f.NaturalKey())
	}
	if f.OpenedOn == nil || *f.OpenedOn != "1998-09-01" {
		t.Errorf("expected opened 1998-09-01, got %v", f.OpenedOn)
	}
	if f.ClosedOn != nil {
		t.Errorf("expected no close date, got %s", *f.ClosedOn)
	}
	if f.Attributes["phase"] != "Primary" {
		t.Errorf("expected phase attribute, got %v", f.Attributes)
	}
}

func TestCountPointIDMustBeNumeric(t *testing.T) {
	m, _ := MappingFor(KindTrafficPoints)
	_, err := m.Transform(RawRecord{Fields: map[string]string{
		"count_point_id": "CP-7",
		"latitude":       "51.5",
		"longitude":      "-0.1",
	}}, testContext())
	var sve *SchemaValidationError
	if !errors.As(err, &sve) {
		t.Errorf("expected SchemaValidationError, got %v", err)
	}
}

func TestAnnualFlow(t *testing.T) {
	m, _ := MappingFor(KindTrafficFlows)
	e, err := m.Transform(RawRecord{Fields: map[string]string{
		"count_point_id":     "802",
		"year":               "2022",
		"cars_and_taxis":     "12000",
		"all_motor_vehicles": "15000.0",
		"pedal_cycles":       "",
	}}, testContext())
	if err != nil {
		t.Fatalf("flow: %v", err)
	}
	f := e.(*database.AnnualFlow)
	if f.NaturalKey() != "802/2022" {
		t.Errorf("expected key 802/2022, got %s", f.NaturalKey())
	}
	if f.AllMotorVehicles == nil || *f.AllMotorVehicles != 15000 {
		t.Errorf("expected 15000 motor vehicles, got %v", f.AllMotorVehicles)
	}
	if f.PedalCycles != nil {
		t.Errorf("expected nil pedal cycles, got %d", *f.PedalCycles)
	}
}

func TestWeatherAdverseCodes(t *testing.T) {
	m, _ := MappingFor(KindWeather)
	for code, adverse := range map[string]bool{"12": true, "6": true, "24": true, "1": false, "": false} {
		e, err := m.Transform(RawRecord{Fields: map[string]string{
			"site_id":                "3772",
			"time":                   "2025-01-10T09:00:00+01:00",
			"latitude":               "51.479",
			"longitude":              "-0.449",
			"significantWeatherCode": code,
		}}, testContext())
		if err != nil {
			t.Fatalf("weather %q: %v", code, err)
		}
		w := e.(*database.WeatherObservation)
		if w.IsAdverse != adverse {
			t.Errorf("code %q: expected adverse=%v, got %v", code, adverse, w.IsAdverse)
		}
		if w.ObservedAt != "2025-01-10T08:00:00Z" {
			t.Errorf("expected UTC timestamp, got %s", w.ObservedAt)
		}
	}
}

func TestArealUnitFromGeometry(t *testing.T) {
	m, _ := MappingFor(KindBoundaries)
	rec := RawRecord{
		Fields: map[string]string{
			"LSOA21CD":    "E01000001",
			"LSOA21NM":    "City of London 001A",
			"Shape__Area": "250000",
		},
		Geometry: []byte(`{"type":"Polygon","coordinates":[[[-0.1,51.5],[-0.09,51.5],[-0.09,51.51],[-0.1,51.51],[-0.1,51.5]]]}`),
	}
	c := testContext()
	c.edition = "2021"
	e, err := m.Transform(rec, c)
	if err != nil {
		t.Fatalf("boundary: %v", err)
	}
	u := e.(*database.ArealUnit)
	if u.Edition != "2021" {
		t.Errorf("expected edition 2021, got %s", u.Edition)
	}
	if u.AreaHectares == nil || *u.AreaHectares != 25 {
		t.Errorf("expected 25 ha, got %v", u.AreaHectares)
	}
	if u.BBox.MinLon != -0.1 || u.BBox.MaxLat != 51.51 {
		t.Errorf("unexpected bbox %+v", u.BBox)
	}

	rec.Geometry = nil
	_, err = m.Transform(rec, c)
	var ge *GeometryError
	if !errors.As(err, &ge) {
		t.Errorf("expected GeometryError for missing geometry, got %v", err)
	}
}
