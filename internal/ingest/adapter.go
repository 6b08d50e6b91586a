package ingest

import (
	"context"
	"iter"
	"time"
)

// RawRecord is one upstream row before field mapping.
type RawRecord struct {
	// Fields holds the row keyed by upstream column name.
	Fields map[string]string
	// Geometry carries the GeoJSON geometry of boundary features.
	Geometry []byte
}

// Adapter reads one upstream dataset. A zero since asks for everything;
// otherwise the adapter may yield only rows published after since.
// Adapters must stop yielding once ctx is done.
type Adapter interface {
	Fetch(ctx context.Context, since time.Time) iter.Seq2[RawRecord, error]
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, since time.Time) iter.Seq2[RawRecord, error]

func (f AdapterFunc) Fetch(ctx context.Context, since time.Time) iter.Seq2[RawRecord, error] {
	return f(ctx, since)
}

// Records returns an adapter that yields a fixed slice, ignoring since.
func Records(recs ...RawRecord) Adapter {
	return AdapterFunc(func(ctx context.Context, _ time.Time) iter.Seq2[RawRecord, error] {
		return func(yield func(RawRecord, error) bool) {
			for _, r := range recs {
				if ctx.Err() != nil {
					yield(RawRecord{}, ctx.Err())
					return
				}
				if !yield(r, nil) {
					return
				}
			}
		}
	})
}
