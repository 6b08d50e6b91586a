package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/cache"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/config"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/logger"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/pipeline"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/server"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/spatial"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "roadsafety",
	Short:   "UK road safety ingestion and spatial risk engine",
	Long:    "roadsafety refreshes collision, boundary, traffic, school, camera and weather datasets into one spatial store and scores road risk by area and route.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger.Setup(level, cfg.Logging.Format)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(hotspotsCmd)
	rootCmd.AddCommand(blackspotsCmd)
	rootCmd.AddCommand(nearbyCmd)
	rootCmd.AddCommand(nearestCmd)
	rootCmd.AddCommand(routeRiskCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("roadsafety", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/roadsafety/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to point sources at your dataset locations and set METOFFICE_API_KEY.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store contents and source health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withPipeline(ctx, func(db *database.DB, p *pipeline.Pipeline) error {
			stats, err := db.GetStats(ctx)
			if err != nil {
				return fmt.Errorf("getting stats: %w", err)
			}

			fmt.Println("Store:")
			fmt.Printf("  Incidents: %d (casualties %d, vehicles %d)\n", stats.Incidents, stats.Casualties, stats.Vehicles)
			fmt.Printf("  Areal units: %d (edition %s)\n", stats.ArealUnits, orDash(stats.Edition))
			fmt.Printf("  Traffic count points: %d (annual flows %d)\n", stats.CountPoints, stats.AnnualFlows)
			fmt.Printf("  Schools: %d, cameras: %d\n", stats.Schools, stats.Cameras)
			fmt.Printf("  Weather observations: %d\n", stats.Weather)
			fmt.Printf("  Risk periods: %d\n", stats.RiskPeriods)

			states, err := p.Orchestrator().States(ctx)
			if err != nil {
				return err
			}
			due, err := p.Orchestrator().DueSources(ctx, time.Now())
			if err != nil {
				return err
			}
			isDue := make(map[string]bool, len(due))
			for _, id := range due {
				isDue[id] = true
			}

			fmt.Println("\nSources:")
			for _, st := range states {
				flags := []string{}
				if st.Degraded {
					flags = append(flags, "DEGRADED")
				}
				if isDue[st.SourceID] {
					flags = append(flags, "due")
				}
				last := "never"
				if st.LastUpdated != nil {
					last = st.LastUpdated.Local().Format("2006-01-02 15:04")
				}
				fmt.Printf("  %-24s %-8s last %s, failures %d %s\n",
					st.SourceID, st.Cadence, last, st.ConsecutiveFailures, strings.Join(flags, " "))
			}
			return nil
		})
	},
}

var reportPeriod string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the markdown status report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withPipeline(ctx, func(db *database.DB, p *pipeline.Pipeline) error {
			period := reportPeriod
			if period == "" {
				period = p.TrailingPeriod()
			}
			rep, err := p.Reporter().Compose(ctx, period, time.Now())
			if err != nil {
				return err
			}
			fmt.Print(rep.Markdown())
			return nil
		})
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportPeriod, "period", "", "Risk period (YYYY or YYYY..YYYY), default trailing window")
}

// --- refresh / run / reconcile / recompute ---

var refreshFull bool

var refreshCmd = &cobra.Command{
	Use:   "refresh [source-id]",
	Short: "Refresh one source now, then reconcile and recompute what changed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withPipeline(ctx, func(db *database.DB, p *pipeline.Pipeline) error {
			mode := database.ModeIncremental
			if refreshFull {
				mode = database.ModeFull
			}
			fmt.Printf("Refreshing %s (%s)...\n", args[0], mode)
			return printResult(p.Refresh(ctx, args[0], mode))
		})
	},
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshFull, "full", false, "Replace the source's records instead of upserting a delta")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one cycle: refresh due sources -> reconcile -> recompute",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withPipeline(ctx, func(db *database.DB, p *pipeline.Pipeline) error {
			return printResult(p.Run(ctx, time.Now()))
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reassign every incident to the current boundary edition",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withPipeline(ctx, func(db *database.DB, p *pipeline.Pipeline) error {
			return printSteps(p.Reconcile(ctx))
		})
	},
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute [period]",
	Short: "Rebuild area risk scores for a period (default trailing window)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withPipeline(ctx, func(db *database.DB, p *pipeline.Pipeline) error {
			period := p.TrailingPeriod()
			if len(args) == 1 {
				period = args[0]
			}
			res, err := p.Risk().Recompute(ctx, period)
			if err != nil {
				return err
			}
			if err := p.Query().Invalidate(ctx); err != nil {
				logger.L().Warn("Cache invalidation failed", "error", err)
			}
			fmt.Printf("Recomputed %s: %d units (%d with incidents), edition %s, %s\n",
				database.FormatPeriodDisplay(res.Period), res.Units, res.WithIncidents,
				orDash(res.Edition), res.Duration.Round(time.Millisecond))
			return nil
		})
	},
}

// --- read commands ---

var (
	hotPeriod   string
	hotMinCount int
	hotLimit    int
)

var hotspotsCmd = &cobra.Command{
	Use:   "hotspots",
	Short: "List the highest risk areal units",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withPipeline(ctx, func(db *database.DB, p *pipeline.Pipeline) error {
			period := hotPeriod
			if period == "" {
				period = p.TrailingPeriod()
			}
			hot, err := p.Query().Hotspots(ctx, period, hotMinCount, hotLimit)
			if err != nil {
				return err
			}
			if len(hot) == 0 {
				fmt.Printf("No hotspots for %s. Run 'roadsafety recompute %s' if the period was never computed.\n",
					database.FormatPeriodDisplay(period), period)
				return nil
			}
			fmt.Printf("Hotspots, %s:\n\n", database.FormatPeriodDisplay(period))
			for i, h := range hot {
				fmt.Printf("  %2d. %s  %-9s  %3d incidents (F%d S%d L%d)  score %.2f per %s\n",
					i+1, h.AreaCode, h.RiskCategory, h.Total, h.Fatal, h.Serious, h.Slight,
					h.RiskScore, normLabel(h.Normalization))
			}
			return nil
		})
	},
}

func init() {
	hotspotsCmd.Flags().StringVar(&hotPeriod, "period", "", "Risk period (YYYY or YYYY..YYYY)")
	hotspotsCmd.Flags().IntVar(&hotMinCount, "min-count", 0, "Minimum incidents per area (default from config)")
	hotspotsCmd.Flags().IntVar(&hotLimit, "limit", 20, "Maximum areas to list")
}

var (
	spotPeriod   string
	spotDistance float64
	spotMinCount int
)

var blackspotsCmd = &cobra.Command{
	Use:   "blackspots minLon,minLat,maxLon,maxLat",
	Short: "Cluster the incidents inside a box into black spots",
	Long:  "Cluster the incidents inside a box into black spots. Put -- before a box that starts with a negative longitude.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		box, err := parseBBox(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		return withPipeline(ctx, func(db *database.DB, p *pipeline.Pipeline) error {
			period := spotPeriod
			if period == "" {
				period = p.TrailingPeriod()
			}
			spots, err := p.Query().Blackspots(ctx, box, period, spotDistance, spotMinCount)
			if err != nil {
				return err
			}
			if len(spots) == 0 {
				fmt.Printf("No black spots in %s.\n", database.FormatPeriodDisplay(period))
				return nil
			}
			fmt.Printf("Black spots, %s:\n\n", database.FormatPeriodDisplay(period))
			for i, b := range spots {
				fmt.Printf("  %2d. %.5f,%.5f  r %.0f m  %-9s  %d incidents (F%d S%d L%d)  score %.0f\n",
					i+1, b.Centroid.Lat, b.Centroid.Lon, b.RadiusM, b.Category, b.Incidents,
					b.Counts.Fatal, b.Counts.Serious, b.Counts.Slight, b.ScoreRaw)
			}
			return nil
		})
	},
}

func init() {
	blackspotsCmd.Flags().StringVar(&spotPeriod, "period", "", "Risk period (YYYY or YYYY..YYYY)")
	blackspotsCmd.Flags().Float64Var(&spotDistance, "distance", 0, "Merge distance in meters (default from config)")
	blackspotsCmd.Flags().IntVar(&spotMinCount, "min-count", 0, "Minimum incidents per black spot (default from config)")
}

var (
	nearLat, nearLon, nearRadius float64
	nearClass                    string
)

var nearbyCmd = &cobra.Command{
	Use:   "nearby",
	Short: "Find features within a radius of a point",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withPipeline(ctx, func(db *database.DB, p *pipeline.Pipeline) error {
			hits, err := p.Query().SearchNearby(ctx, geo.Point{Lat: nearLat, Lon: nearLon}, nearRadius, nearClass, spatial.Filters{})
			if err != nil {
				return err
			}
			fmt.Printf("%d %s feature(s) within %.0f m:\n", len(hits), nearClass, nearRadius)
			for _, h := range hits {
				fmt.Printf("  %-20s %8.1f m  (%.5f, %.5f)\n", h.ID, h.DistanceM, h.Lat, h.Lon)
			}
			return nil
		})
	},
}

func init() {
	nearbyCmd.Flags().Float64Var(&nearLat, "lat", 0, "Latitude (WGS84)")
	nearbyCmd.Flags().Float64Var(&nearLon, "lon", 0, "Longitude (WGS84)")
	nearbyCmd.Flags().Float64Var(&nearRadius, "radius", 500, "Radius in meters")
	nearbyCmd.Flags().StringVar(&nearClass, "class", spatial.ClassIncident, "incident, school, camera, count_point or weather")
	_ = nearbyCmd.MarkFlagRequired("lat")
	_ = nearbyCmd.MarkFlagRequired("lon")
}

var (
	nearestMax   float64
	nearestClass string
	nearestOn    string
)

var nearestCmd = &cobra.Command{
	Use:   "nearest",
	Short: "Find the closest feature of a class to a point",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withPipeline(ctx, func(db *database.DB, p *pipeline.Pipeline) error {
			h, err := p.Query().Nearest(ctx, geo.Point{Lat: nearLat, Lon: nearLon}, nearestClass, nearestMax,
				spatial.Filters{ActiveOn: nearestOn})
			if err != nil {
				return err
			}
			fmt.Printf("%s %s at %.1f m (%.5f, %.5f)\n", nearestClass, h.ID, h.DistanceM, h.Lat, h.Lon)
			return nil
		})
	},
}

func init() {
	nearestCmd.Flags().Float64Var(&nearLat, "lat", 0, "Latitude (WGS84)")
	nearestCmd.Flags().Float64Var(&nearLon, "lon", 0, "Longitude (WGS84)")
	nearestCmd.Flags().Float64Var(&nearestMax, "max", 2000, "Search limit in meters")
	nearestCmd.Flags().StringVar(&nearestClass, "class", spatial.ClassSchool, "school, camera, count_point or weather")
	nearestCmd.Flags().StringVar(&nearestOn, "active-on", "", "Only facilities open on this date (YYYY-MM-DD)")
	_ = nearestCmd.MarkFlagRequired("lat")
	_ = nearestCmd.MarkFlagRequired("lon")
}

var (
	routeBuffer float64
	routeWindow int
)

var routeRiskCmd = &cobra.Command{
	Use:   "route-risk lat,lon lat,lon [lat,lon...]",
	Short: "Score a route by the incidents within a buffer of it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := parsePath(args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		return withPipeline(ctx, func(db *database.DB, p *pipeline.Pipeline) error {
			rr, err := p.Query().RouteRisk(ctx, path, routeBuffer, routeWindow)
			if err != nil {
				return err
			}
			fmt.Printf("Route: %.2f km, buffer %.0f m, %s\n", rr.LengthKm, rr.BufferM, database.FormatPeriodDisplay(rr.Period))
			fmt.Printf("  Incidents: %d (fatal %d, serious %d, slight %d)\n",
				rr.Incidents, rr.Counts.Fatal, rr.Counts.Serious, rr.Counts.Slight)
			fmt.Printf("  Score: %.0f raw, %.2f per km (%s)\n", rr.ScoreRaw, rr.ScorePerKm, rr.Category)
			return nil
		})
	},
}

func init() {
	routeRiskCmd.Flags().Float64Var(&routeBuffer, "buffer", 50, "Buffer around the route in meters")
	routeRiskCmd.Flags().IntVar(&routeWindow, "window", 0, "Trailing years to include (default from config)")
}

var (
	jobsSource string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent ingestion jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withPipeline(ctx, func(db *database.DB, p *pipeline.Pipeline) error {
			jobs, err := p.Query().Jobs(ctx, jobsSource, jobsLimit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs recorded. Run 'roadsafety run' to refresh due sources.")
				return nil
			}
			for _, j := range jobs {
				fmt.Printf("  %s  %-22s %-11s %-9s processed %d, +%d ~%d, failed %d\n",
					j.StartedAt.Local().Format("2006-01-02 15:04"), j.SourceID, j.JobType, j.Status,
					j.Processed, j.Inserted, j.Updated, j.Failed)
				if j.ErrorDetail != nil && *j.ErrorDetail != "" {
					fmt.Printf("      error: %s\n", *j.ErrorDetail)
				}
			}
			return nil
		})
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsSource, "source", "", "Only jobs of this source")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum jobs to list")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the refresh scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return withPipeline(ctx, func(db *database.DB, p *pipeline.Pipeline) error {
			port := cfg.Server.Port
			if cmd.Flags().Changed("port") {
				port = servePort
			}
			fmt.Printf("Starting server at http://localhost:%d\n", port)
			fmt.Println("Press Ctrl+C to stop")
			return server.Serve(ctx, p, cfg, fmt.Sprintf(":%d", port))
		})
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- helpers ---

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "roadsafety.db")
	return database.Open(dbPath)
}

// withPipeline opens the store and cache, builds the pipeline and hands both
// to fn, closing everything afterwards.
func withPipeline(ctx context.Context, fn func(*database.DB, *pipeline.Pipeline) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	c := cache.New(ctx, cfg.Cache)
	defer c.Close()

	p, err := pipeline.New(ctx, cfg, db, c)
	if err != nil {
		return err
	}
	return fn(db, p)
}

func printResult(r *pipeline.Result) error {
	for _, res := range r.Refreshes {
		if res.Err != nil {
			fmt.Printf("  %s: %s, %v\n", res.SourceID, res.Status, res.Err)
			continue
		}
		fmt.Printf("  %s: %s, %d processed, +%d ~%d -%d, %d flagged\n",
			res.SourceID, res.Status, res.Processed, res.Inserted, res.Updated, res.Deleted, res.Flagged)
	}
	return printSteps(r.Steps)
}

func printSteps(steps []pipeline.StepResult) error {
	var failed []string
	for i, step := range steps {
		fmt.Printf("\nStep %d/%d: %s\n", i+1, len(steps), step.Name)
		if step.Err != nil {
			fmt.Printf("  Error: %v\n", step.Err)
			failed = append(failed, step.Name)
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%s failed", strings.Join(failed, ", "))
	}
	return nil
}

func parsePath(args []string) (geo.Path, error) {
	path := make(geo.Path, 0, len(args))
	for _, a := range args {
		latS, lonS, ok := strings.Cut(a, ",")
		if !ok {
			return nil, fmt.Errorf("invalid point %q, expected lat,lon", a)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(latS), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latitude in %q", a)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(lonS), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid longitude in %q", a)
		}
		path = append(path, geo.Point{Lat: lat, Lon: lon})
	}
	return path, nil
}

func parseBBox(s string) (geo.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geo.BBox{}, fmt.Errorf("invalid box %q, expected minLon,minLat,maxLon,maxLat", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.BBox{}, fmt.Errorf("invalid box value %q", p)
		}
		v[i] = f
	}
	return geo.BBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}, nil
}

func normLabel(n string) string {
	switch n {
	case "population":
		return "10k residents"
	case "area":
		return "km²"
	}
	return "unit"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
