package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Sources      []Source     `yaml:"sources"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Envelope     Envelope     `yaml:"envelope"`
	Risk         Risk         `yaml:"risk"`
	Links        Links        `yaml:"links"`
	Cache        Cache        `yaml:"cache"`
	Output       Output       `yaml:"output"`
	Server       Server       `yaml:"server"`
	Logging      Logging      `yaml:"logging"`
}

// Source configures one upstream dataset and the adapter that reads it.
type Source struct {
	ID                string        `yaml:"id"`
	Kind              string        `yaml:"kind"`
	Location          string        `yaml:"location"`
	Cadence           string        `yaml:"cadence"`
	Timeout           time.Duration `yaml:"timeout"`
	ReleaseFeed       string        `yaml:"release_feed"`
	Edition           string        `yaml:"edition"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Enabled           *bool         `yaml:"enabled"`
}

// IsEnabled reports whether the source should be registered. Sources are
// enabled unless explicitly switched off.
func (s Source) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type Orchestrator struct {
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	Concurrency            int           `yaml:"concurrency"`
	DefaultTimeout         time.Duration `yaml:"default_timeout"`
	Tick                   time.Duration `yaml:"tick"`
	StageBatchSize         int           `yaml:"stage_batch_size"`
}

// Envelope is the geographic bounding box records must fall inside.
type Envelope struct {
	MinLat float64 `yaml:"min_lat"`
	MaxLat float64 `yaml:"max_lat"`
	MinLon float64 `yaml:"min_lon"`
	MaxLon float64 `yaml:"max_lon"`
}

type Risk struct {
	Weights             Weights     `yaml:"weights"`
	Thresholds          []Threshold `yaml:"thresholds"`
	FallbackCategory    string      `yaml:"fallback_category"`
	HotspotMinCount     int         `yaml:"hotspot_min_count"`
	RouteWindowYears    int         `yaml:"route_window_years"`
	FacilityRadiusM     float64     `yaml:"facility_radius_m"`
	FacilityWindowYears int         `yaml:"facility_window_years"`
	BlackspotDistanceM  float64     `yaml:"blackspot_distance_m"`
	BlackspotMinCount   int         `yaml:"blackspot_min_count"`
}

// Links configures the nearest-facility links stored per incident.
type Links struct {
	Classes      []string `yaml:"classes"`
	MaxDistanceM float64  `yaml:"max_distance_m"`
}

type Weights struct {
	Fatal   float64 `yaml:"fatal"`
	Serious float64 `yaml:"serious"`
	Slight  float64 `yaml:"slight"`
}

type Threshold struct {
	Min      float64 `yaml:"min"`
	Category string  `yaml:"category"`
}

type Cache struct {
	Backend     string        `yaml:"backend"`
	TTL         time.Duration `yaml:"ttl"`
	RedisAddr   string        `yaml:"redis_addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigDir returns the XDG config directory for roadsafety.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "roadsafety")
}

// DataDir returns the XDG data directory for roadsafety.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "roadsafety")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/roadsafety/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'roadsafety init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file. A .env file next to the config
// (or in the working directory) is loaded first so api_key_env and
// password_env entries resolve. Variables already set in the process win.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Orchestrator: Orchestrator{
			MaxConsecutiveFailures: 3,
			Concurrency:            4,
			DefaultTimeout:         30 * time.Minute,
			Tick:                   time.Hour,
			StageBatchSize:         500,
		},
		Envelope: Envelope{MinLat: 49.8, MaxLat: 60.9, MinLon: -8.2, MaxLon: 1.8},
		Risk: Risk{
			Weights:             Weights{Fatal: 10, Serious: 3, Slight: 1},
			FallbackCategory:    "Very Low",
			HotspotMinCount:     10,
			RouteWindowYears:    3,
			FacilityRadiusM:     500,
			FacilityWindowYears: 3,
			BlackspotDistanceM:  100,
			BlackspotMinCount:   3,
		},
		Links:   Links{Classes: []string{"school", "camera"}, MaxDistanceM: 2000},
		Cache:   Cache{Backend: "memory", TTL: 5 * time.Minute, PasswordEnv: "REDIS_PASSWORD"},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO", Format: "text"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if len(cfg.Risk.Thresholds) == 0 {
		cfg.Risk.Thresholds = DefaultThresholds()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultThresholds returns the risk category bands, highest first.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Min: 50, Category: "Very High"},
		{Min: 25, Category: "High"},
		{Min: 10, Category: "Medium"},
		{Min: 5, Category: "Low"},
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if s.Kind == "" {
			return fmt.Errorf("source %q: kind is required", s.ID)
		}
	}
	if c.Envelope.MinLat >= c.Envelope.MaxLat || c.Envelope.MinLon >= c.Envelope.MaxLon {
		return fmt.Errorf("envelope: min must be below max")
	}
	for _, class := range c.Links.Classes {
		if class != "school" && class != "camera" {
			return fmt.Errorf("links: unknown class %q", class)
		}
	}
	if len(c.Links.Classes) > 0 && c.Links.MaxDistanceM <= 0 {
		return fmt.Errorf("links: max_distance_m must be positive")
	}
	for i := 1; i < len(c.Risk.Thresholds); i++ {
		if c.Risk.Thresholds[i].Min > c.Risk.Thresholds[i-1].Min {
			return fmt.Errorf("risk.thresholds must be ordered highest first")
		}
	}
	return nil
}

// SourceTimeout returns the wall-clock budget for a source refresh.
func (c *Config) SourceTimeout(s Source) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return c.Orchestrator.DefaultTimeout
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
