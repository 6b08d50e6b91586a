package sources

import (
	"context"
	"fmt"
	"os"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/config"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/ingest"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/logger"
)

// New builds the adapter for one configured source.
func New(src config.Source) (ingest.Adapter, error) {
	if src.Location == "" {
		return nil, fmt.Errorf("source %s: location is required", src.ID)
	}
	if _, err := ingest.MappingFor(src.Kind); err != nil {
		return nil, fmt.Errorf("source %s: %w", src.ID, err)
	}

	client := NewClient(src.RequestsPerSecond)
	if src.APIKeyEnv != "" {
		key := os.Getenv(src.APIKeyEnv)
		if key == "" {
			logger.L().Warn("API key not set, requests may be refused", "source", src.ID, "env", src.APIKeyEnv)
		} else {
			client.WithHeader("apikey", key)
		}
	}

	var a ingest.Adapter
	switch src.Kind {
	case ingest.KindBoundaries:
		a = &GeoJSON{Location: src.Location, Client: client}
	case ingest.KindWeather:
		client.WithHeader("Accept", "application/json")
		a = &MetOffice{Location: src.Location, Client: client}
	default:
		a = &CSV{Location: src.Location, Client: client}
	}

	if src.ReleaseFeed != "" {
		a = &ReleaseGate{FeedURL: src.ReleaseFeed, Next: a}
	}
	return a, nil
}

// Register adds every enabled source in cfg to the orchestrator.
// afterCommit, if set, runs after each successful refresh.
func Register(ctx context.Context, o *ingest.Orchestrator, cfg *config.Config, afterCommit func(context.Context, ingest.RunResult)) error {
	for _, src := range cfg.Sources {
		if !src.IsEnabled() {
			logger.L().Debug("Source disabled", "source", src.ID)
			continue
		}
		adapter, err := New(src)
		if err != nil {
			return err
		}
		cadence, err := ingest.ParseCadence(src.Cadence)
		if err != nil {
			return fmt.Errorf("source %s: %w", src.ID, err)
		}
		err = o.RegisterSource(ctx, src.ID, adapter, ingest.Policy{
			Kind:        src.Kind,
			Cadence:     cadence,
			Timeout:     cfg.SourceTimeout(src),
			Edition:     src.Edition,
			AfterCommit: afterCommit,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
