package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/ingest"
)

// MetOffice reads a site-specific observation document: a GeoJSON
// FeatureCollection whose features carry a timeSeries of hourly readings.
// Each reading becomes one record. Readings at or before since are
// skipped.
type MetOffice struct {
	Location string
	Client   *Client
}

type metOfficeDoc struct {
	Features []struct {
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties struct {
			Location struct {
				Name string `json:"name"`
			} `json:"location"`
			TimeSeries []map[string]any `json:"timeSeries"`
		} `json:"properties"`
	} `json:"features"`
}

// Met Office timestamps omit seconds.
var metOfficeTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04Z07:00"}

func parseMetOfficeTime(s string) (time.Time, error) {
	for _, layout := range metOfficeTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised observation time %q", s)
}

func (m *MetOffice) Fetch(ctx context.Context, since time.Time) iter.Seq2[ingest.RawRecord, error] {
	return func(yield func(ingest.RawRecord, error) bool) {
		rc, err := m.Client.Open(ctx, m.Location)
		if err != nil {
			yield(ingest.RawRecord{}, err)
			return
		}
		defer rc.Close()

		var doc metOfficeDoc
		if err := json.NewDecoder(rc).Decode(&doc); err != nil {
			yield(ingest.RawRecord{}, fmt.Errorf("decoding observations: %w", err))
			return
		}

		for _, f := range doc.Features {
			if len(f.Geometry.Coordinates) < 2 {
				continue
			}
			site := geo.Point{Lon: f.Geometry.Coordinates[0], Lat: f.Geometry.Coordinates[1]}
			// Observation sites have no stable id in this document; the
			// position is stable, so a fine geohash stands in for one.
			siteID := geo.Geohash(site, 8)

			for _, obs := range f.Properties.TimeSeries {
				raw, _ := obs["time"].(string)
				t, err := parseMetOfficeTime(raw)
				if err == nil && !since.IsZero() && !t.After(since) {
					continue
				}

				fields := map[string]string{
					"site_id":   siteID,
					"site_name": f.Properties.Location.Name,
					"latitude":  stringify(site.Lat),
					"longitude": stringify(site.Lon),
				}
				for k, v := range obs {
					fields[k] = stringify(v)
				}
				// An unparseable time is left for the mapping to reject.
				if err == nil {
					fields["time"] = t.UTC().Format(time.RFC3339)
				}
				if !yield(ingest.RawRecord{Fields: fields}, nil) {
					return
				}
			}
		}
	}
}
