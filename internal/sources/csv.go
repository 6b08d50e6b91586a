package sources

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/ingest"
)

// CSV reads a delimited extract with a header row. Every row is yielded;
// the upstream files carry no reliable modification stamp per row, so
// since is ignored and reruns rely on upserts being idempotent.
type CSV struct {
	Location string
	Client   *Client
}

func (c *CSV) Fetch(ctx context.Context, _ time.Time) iter.Seq2[ingest.RawRecord, error] {
	return func(yield func(ingest.RawRecord, error) bool) {
		rc, err := c.Client.Open(ctx, c.Location)
		if err != nil {
			yield(ingest.RawRecord{}, err)
			return
		}
		defer rc.Close()

		for rec, err := range readCSV(ctx, rc) {
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

func readCSV(ctx context.Context, r io.Reader) iter.Seq2[ingest.RawRecord, error] {
	return func(yield func(ingest.RawRecord, error) bool) {
		cr := csv.NewReader(bufio.NewReaderSize(r, 1<<16))
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true
		cr.ReuseRecord = true

		header, err := cr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			yield(ingest.RawRecord{}, fmt.Errorf("reading header: %w", err))
			return
		}
		header = append([]string(nil), header...)
		if len(header) > 0 {
			header[0] = strings.TrimPrefix(header[0], "\ufeff")
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(ingest.RawRecord{}, err)
				return
			}
			row, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(ingest.RawRecord{}, err)
				return
			}

			fields := make(map[string]string, len(header))
			for i, h := range header {
				if i < len(row) {
					fields[h] = row[i]
				}
			}
			if !yield(ingest.RawRecord{Fields: fields}, nil) {
				return
			}
		}
	}
}
