package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strconv"
	"time"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/ingest"
)

// GeoJSON streams the features of a FeatureCollection, one record per
// feature with its properties as fields and its geometry passed through.
// Boundary editions are replaced whole, so since is ignored.
type GeoJSON struct {
	Location string
	Client   *Client
}

type feature struct {
	Properties map[string]any  `json:"properties"`
	Geometry   json.RawMessage `json:"geometry"`
}

func (g *GeoJSON) Fetch(ctx context.Context, _ time.Time) iter.Seq2[ingest.RawRecord, error] {
	return func(yield func(ingest.RawRecord, error) bool) {
		rc, err := g.Client.Open(ctx, g.Location)
		if err != nil {
			yield(ingest.RawRecord{}, err)
			return
		}
		defer rc.Close()

		for rec, err := range readFeatures(ctx, rc) {
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

func readFeatures(ctx context.Context, r io.Reader) iter.Seq2[ingest.RawRecord, error] {
	return func(yield func(ingest.RawRecord, error) bool) {
		dec := json.NewDecoder(r)
		dec.UseNumber()
		if err := seekFeatures(dec); err != nil {
			yield(ingest.RawRecord{}, err)
			return
		}

		for dec.More() {
			if err := ctx.Err(); err != nil {
				yield(ingest.RawRecord{}, err)
				return
			}
			var f feature
			if err := dec.Decode(&f); err != nil {
				yield(ingest.RawRecord{}, fmt.Errorf("decoding feature: %w", err))
				return
			}
			rec := ingest.RawRecord{Fields: make(map[string]string, len(f.Properties)), Geometry: f.Geometry}
			for k, v := range f.Properties {
				rec.Fields[k] = stringify(v)
			}
			if string(f.Geometry) == "null" {
				rec.Geometry = nil
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// seekFeatures advances dec to the first element of the "features" array.
func seekFeatures(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("reading feature collection: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected a GeoJSON object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if key, _ := tok.(string); key == "features" {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return fmt.Errorf("features is not an array")
			}
			return nil
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return err
		}
	}
	return fmt.Errorf("no features array in GeoJSON document")
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
