package database

import (
	"fmt"
	"time"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
)

// Severity is the STATS19 severity code of an incident or casualty.
type Severity int

const (
	SeverityFatal   Severity = 1
	SeveritySerious Severity = 2
	SeveritySlight  Severity = 3
)

func (s Severity) String() string {
	switch s {
	case SeverityFatal:
		return "Fatal"
	case SeveritySerious:
		return "Serious"
	case SeveritySlight:
		return "Slight"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Valid reports whether s is one of the three known codes.
func (s Severity) Valid() bool {
	return s >= SeverityFatal && s <= SeveritySlight
}

// Kind names a canonical entity type as it appears in the staging area.
type Kind string

const (
	KindArealUnit  Kind = "areal_unit"
	KindIncident   Kind = "incident"
	KindVehicle    Kind = "vehicle"
	KindCasualty   Kind = "casualty"
	KindCountPoint Kind = "count_point"
	KindAnnualFlow Kind = "annual_flow"
	KindFacility   Kind = "facility"
	KindWeather    Kind = "weather"
)

// Entity is a canonical record that can be staged and committed.
type Entity interface {
	Kind() Kind
	// NaturalKey identifies the record for upsert; composite keys are
	// joined with "/".
	NaturalKey() string
	// Partition is the unit a full refresh replaces as a whole.
	Partition() string
}

// Facility classes.
const (
	ClassSchool = "school"
	ClassCamera = "camera"
)

// Geo flags recorded on incidents whose location cannot be mapped.
const (
	GeoFlagMissing = "missing_coordinates"
	GeoFlagInvalid = "invalid_coordinates"
	GeoFlagOutside = "outside_envelope"
)

// Incident is one reported road traffic collision.
type Incident struct {
	ID             string   `json:"id"`
	Year           int      `json:"year"`
	OccurredAt     string   `json:"occurred_at"`
	Lat            *float64 `json:"lat,omitempty"`
	Lon            *float64 `json:"lon,omitempty"`
	Severity       Severity `json:"severity"`
	VehicleCount   int      `json:"vehicle_count"`
	CasualtyCount  int      `json:"casualty_count"`
	RoadType       string   `json:"road_type,omitempty"`
	Weather        string   `json:"weather,omitempty"`
	Light          string   `json:"light,omitempty"`
	Surface        string   `json:"surface,omitempty"`
	SpeedLimit     *int     `json:"speed_limit,omitempty"`
	PoliceForce    string   `json:"police_force,omitempty"`
	LocalAuthority string   `json:"local_authority,omitempty"`
	AreaCode       string   `json:"area_code"`
	SourceAreaCode string   `json:"source_area_code,omitempty"`
	GeoFlag        string   `json:"geo_flag,omitempty"`
	SourceID       string   `json:"source_id"`
}

func (i *Incident) Kind() Kind         { return KindIncident }
func (i *Incident) NaturalKey() string { return i.ID }
func (i *Incident) Partition() string  { return fmt.Sprint(i.Year) }

// Location returns the incident position, if it has one.
func (i *Incident) Location() (geo.Point, bool) {
	if i.Lat == nil || i.Lon == nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: *i.Lat, Lon: *i.Lon}, true
}

// Casualty is a person injured in an incident. Year mirrors the parent
// incident so full refreshes can replace casualties year by year.
type Casualty struct {
	IncidentID  string   `json:"incident_id"`
	Year        int      `json:"year"`
	VehicleRef  int      `json:"vehicle_ref"`
	CasualtyRef int      `json:"casualty_ref"`
	Class       string   `json:"class,omitempty"`
	Sex         string   `json:"sex,omitempty"`
	Age         *int     `json:"age,omitempty"`
	AgeBand     string   `json:"age_band,omitempty"`
	Severity    Severity `json:"severity"`
}

func (c *Casualty) Kind() Kind { return KindCasualty }
func (c *Casualty) NaturalKey() string {
	return fmt.Sprintf("%s/%d/%d", c.IncidentID, c.VehicleRef, c.CasualtyRef)
}
func (c *Casualty) Partition() string { return fmt.Sprint(c.Year) }

// Vehicle is a vehicle involved in an incident.
type Vehicle struct {
	IncidentID       string `json:"incident_id"`
	Year             int    `json:"year"`
	VehicleRef       int    `json:"vehicle_ref"`
	VehicleType      string `json:"vehicle_type,omitempty"`
	Manoeuvre        string `json:"manoeuvre,omitempty"`
	DriverSex        string `json:"driver_sex,omitempty"`
	DriverAge        *int   `json:"driver_age,omitempty"`
	EngineCapacityCC *int   `json:"engine_capacity_cc,omitempty"`
	VehicleAge       *int   `json:"vehicle_age,omitempty"`
}

func (v *Vehicle) Kind() Kind         { return KindVehicle }
func (v *Vehicle) NaturalKey() string { return fmt.Sprintf("%s/%d", v.IncidentID, v.VehicleRef) }
func (v *Vehicle) Partition() string  { return fmt.Sprint(v.Year) }

// ArealUnit is a statistical boundary polygon from one edition.
type ArealUnit struct {
	Code         string   `json:"code"`
	Name         string   `json:"name,omitempty"`
	RegionCode   string   `json:"region_code,omitempty"`
	Population   *int64   `json:"population,omitempty"`
	AreaHectares *float64 `json:"area_hectares,omitempty"`
	Edition      string   `json:"edition"`
	Geometry     string   `json:"geometry"`
	BBox         geo.BBox `json:"bbox"`
}

func (a *ArealUnit) Kind() Kind         { return KindArealUnit }
func (a *ArealUnit) NaturalKey() string { return a.Code }

// Partition is constant: an edition replaces every unit at once.
func (a *ArealUnit) Partition() string { return "all" }

// CountPoint is a traffic count location.
type CountPoint struct {
	ID             string  `json:"id"`
	RoadName       string  `json:"road_name,omitempty"`
	RoadCategory   string  `json:"road_category,omitempty"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	LocalAuthority string  `json:"local_authority,omitempty"`
}

func (c *CountPoint) Kind() Kind         { return KindCountPoint }
func (c *CountPoint) NaturalKey() string { return c.ID }
func (c *CountPoint) Partition() string  { return "all" }

// AnnualFlow is the annual average daily flow at a count point.
type AnnualFlow struct {
	PointID          string `json:"point_id"`
	Year             int    `json:"year"`
	PedalCycles      *int64 `json:"pedal_cycles,omitempty"`
	TwoWheeled       *int64 `json:"two_wheeled,omitempty"`
	CarsTaxis        *int64 `json:"cars_taxis,omitempty"`
	BusesCoaches     *int64 `json:"buses_coaches,omitempty"`
	LGVs             *int64 `json:"lgvs,omitempty"`
	HGVs             *int64 `json:"hgvs,omitempty"`
	AllMotorVehicles *int64 `json:"all_motor_vehicles,omitempty"`
	EstimationMethod string `json:"estimation_method,omitempty"`
}

func (f *AnnualFlow) Kind() Kind         { return KindAnnualFlow }
func (f *AnnualFlow) NaturalKey() string { return fmt.Sprintf("%s/%d", f.PointID, f.Year) }
func (f *AnnualFlow) Partition() string  { return fmt.Sprint(f.Year) }

// Facility is a point of interest such as a school or a safety camera.
type Facility struct {
	Class      string            `json:"class"`
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Lat        float64           `json:"lat"`
	Lon        float64           `json:"lon"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OpenedOn   *string           `json:"opened_on,omitempty"`
	ClosedOn   *string           `json:"closed_on,omitempty"`
}

func (f *Facility) Kind() Kind         { return KindFacility }
func (f *Facility) NaturalKey() string { return f.Class + "/" + f.ID }
func (f *Facility) Partition() string  { return f.Class }

// ActiveOn reports whether the facility was open on the given date
// (YYYY-MM-DD).
func (f *Facility) ActiveOn(date string) bool {
	if f.OpenedOn != nil && *f.OpenedOn > date {
		return false
	}
	if f.ClosedOn != nil && *f.ClosedOn != "" && *f.ClosedOn <= date {
		return false
	}
	return true
}

// WeatherObservation is one station reading.
type WeatherObservation struct {
	StationID       string   `json:"station_id"`
	ObservedAt      string   `json:"observed_at"`
	Lat             float64  `json:"lat"`
	Lon             float64  `json:"lon"`
	TemperatureC    *float64 `json:"temperature_c,omitempty"`
	PrecipitationMM *float64 `json:"precipitation_mm,omitempty"`
	WindSpeedMS     *float64 `json:"wind_speed_ms,omitempty"`
	VisibilityM     *int     `json:"visibility_m,omitempty"`
	WeatherCode     *int     `json:"weather_code,omitempty"`
	IsAdverse       bool     `json:"is_adverse"`
}

func (w *WeatherObservation) Kind() Kind         { return KindWeather }
func (w *WeatherObservation) NaturalKey() string { return w.StationID + "/" + w.ObservedAt }
func (w *WeatherObservation) Partition() string  { return "all" }

// IncidentLink ties an incident to the nearest feature of one class. Links
// are derived data, rebuilt per year and class.
type IncidentLink struct {
	IncidentID  string  `json:"incident_id"`
	Year        int     `json:"year"`
	Class       string  `json:"class"`
	FeatureID   string  `json:"feature_id"`
	FeatureName string  `json:"feature_name,omitempty"`
	Detail      string  `json:"detail,omitempty"`
	DistanceM   float64 `json:"distance_m"`
}

// SeverityCounts tallies incidents by severity.
type SeverityCounts struct {
	Fatal   int `json:"fatal"`
	Serious int `json:"serious"`
	Slight  int `json:"slight"`
}

// Total returns the number of incidents across all severities.
func (c SeverityCounts) Total() int {
	return c.Fatal + c.Serious + c.Slight
}

// Add counts one incident of severity s.
func (c *SeverityCounts) Add(s Severity) {
	switch s {
	case SeverityFatal:
		c.Fatal++
	case SeveritySerious:
		c.Serious++
	case SeveritySlight:
		c.Slight++
	}
}

// AreaRiskScore is the derived risk of one areal unit over one period.
type AreaRiskScore struct {
	AreaCode      string  `json:"area_code"`
	Period        string  `json:"period"`
	Fatal         int     `json:"fatal"`
	Serious       int     `json:"serious"`
	Slight        int     `json:"slight"`
	Total         int     `json:"total"`
	ScoreRaw      float64 `json:"score_raw"`
	RiskScore     float64 `json:"risk_score"`
	Normalization string  `json:"normalization"`
	Denominator   float64 `json:"denominator"`
	RiskCategory  string  `json:"risk_category"`
}

// RiskPeriod records when a period's scores were last rebuilt.
type RiskPeriod struct {
	Period     string    `json:"period"`
	ComputedAt time.Time `json:"computed_at"`
	Edition    string    `json:"edition"`
	UnitCount  int       `json:"unit_count"`
}

// SourceState is the refresh bookkeeping kept per upstream source.
type SourceState struct {
	SourceID            string     `json:"source_id"`
	Cadence             string     `json:"cadence"`
	LastChecked         *time.Time `json:"last_checked,omitempty"`
	LastUpdated         *time.Time `json:"last_updated,omitempty"`
	LatestDataDate      *string    `json:"latest_data_date,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Degraded            bool       `json:"degraded"`
	LastError           *string    `json:"last_error,omitempty"`
}

// Job types and statuses.
const (
	JobIncremental = "incremental"
	JobFull        = "full"
	JobReconcile   = "reconcile"

	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// IngestionJob is the audit record of one refresh attempt.
type IngestionJob struct {
	ID          string     `json:"id"`
	JobName     string     `json:"job_name"`
	JobType     string     `json:"job_type"`
	SourceID    string     `json:"source_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      string     `json:"status"`
	Processed   int        `json:"processed"`
	Inserted    int        `json:"inserted"`
	Updated     int        `json:"updated"`
	Failed      int        `json:"failed"`
	ErrorDetail *string    `json:"error_detail,omitempty"`
}

// YearSummary aggregates the incidents of a single year.
type YearSummary struct {
	Year               int     `json:"year"`
	Total              int     `json:"total"`
	Fatal              int     `json:"fatal"`
	Serious            int     `json:"serious"`
	Slight             int     `json:"slight"`
	FatalPct           float64 `json:"fatal_pct"`
	SeriousPct         float64 `json:"serious_pct"`
	SlightPct          float64 `json:"slight_pct"`
	Casualties         int     `json:"casualties"`
	Vehicles           int     `json:"vehicles"`
	Unassigned         int     `json:"unassigned"`
	AreasWithIncidents int     `json:"areas_with_incidents"`
}

// Stats contains aggregate database statistics.
type Stats struct {
	Incidents   int
	Casualties  int
	Vehicles    int
	ArealUnits  int
	Edition     string
	CountPoints int
	AnnualFlows int
	Schools     int
	Cameras     int
	Weather     int
	RiskPeriods int
	Jobs        int
	FailedJobs  int
}
