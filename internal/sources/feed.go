package sources

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/ingest"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/logger"
)

// ReleaseGate skips an incremental fetch when the publisher's RSS or Atom
// feed shows nothing released since the last successful refresh. Full
// refreshes (zero since) always go through. An unreadable feed never
// blocks a fetch.
type ReleaseGate struct {
	FeedURL string
	Next    ingest.Adapter
}

func (g *ReleaseGate) Fetch(ctx context.Context, since time.Time) iter.Seq2[ingest.RawRecord, error] {
	return func(yield func(ingest.RawRecord, error) bool) {
		if !since.IsZero() {
			latest, err := LatestRelease(ctx, g.FeedURL)
			switch {
			case err != nil:
				logger.L().Warn("Release feed unavailable, fetching anyway", "feed", g.FeedURL, "error", err)
			case !latest.After(since):
				logger.L().Info("No new release since last refresh", "feed", g.FeedURL,
					"latest_release", latest.Format(time.DateOnly))
				return
			}
		}
		for rec, err := range g.Next.Fetch(ctx, since) {
			if !yield(rec, err) {
				return
			}
		}
	}
}

// LatestRelease returns the newest publication time in a feed.
func LatestRelease(ctx context.Context, feedURL string) (time.Time, error) {
	feed, err := gofeed.NewParser().ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return time.Time{}, err
	}
	latest := latestRelease(feed)
	if latest.IsZero() {
		return latest, fmt.Errorf("feed %s has no dated entries", feedURL)
	}
	return latest, nil
}

func latestRelease(feed *gofeed.Feed) time.Time {
	var latest time.Time
	consider := func(t *time.Time) {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	consider(feed.UpdatedParsed)
	consider(feed.PublishedParsed)
	for _, item := range feed.Items {
		consider(item.PublishedParsed)
		consider(item.UpdatedParsed)
	}
	return latest
}
