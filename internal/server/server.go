// Package server exposes the query service over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/yuin/goldmark"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/config"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/logger"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/metrics"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/pipeline"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/query"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/risk"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/spatial"
)

const (
	defaultRadiusM      = 500
	defaultRouteBufferM = 50
	maxRadiusM          = 50_000
	maxRouteBody        = 1 << 20
)

var md = goldmark.New()

var statusPage = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Road safety data status</title></head>
<body>
{{.}}
</body>
</html>
`))

// Server is the HTTP API over one pipeline.
type Server struct {
	p       *pipeline.Pipeline
	q       *query.Service
	handler http.Handler
}

// New builds the router. An empty origin list allows any origin.
func New(p *pipeline.Pipeline, cfg config.Server) *Server {
	s := &Server{p: p, q: p.Query()}

	r := chi.NewRouter()
	r.Use(logger.AccessMiddleware(logger.L()))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/status", s.handleStatus)

	r.Route("/api", func(r chi.Router) {
		r.Get("/incidents/{id}", s.handleIncident)
		r.Get("/nearby", s.handleNearby)
		r.Get("/nearest", s.handleNearest)
		r.Get("/areas/{code}/stats", s.handleAreaStats)
		r.Get("/hotspots", s.handleHotspots)
		r.Get("/blackspots", s.handleBlackspots)
		r.Post("/route-risk", s.handleRouteRisk)
		r.Get("/facilities/{class}/{id}/risk", s.handleFacilityRisk)
		r.Get("/jobs", s.handleJobs)
		r.Get("/sources", s.handleSources)
		r.Get("/periods", s.handlePeriods)
		r.Get("/summary/{year}", s.handleSummary)
	})

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"edition": s.p.Spatial().Edition(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = s.p.TrailingPeriod()
	}
	if _, _, err := database.ParsePeriod(period); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rep, err := s.p.Reporter().Compose(r.Context(), period, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := md.Convert([]byte(rep.Markdown()), &buf); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPage.Execute(w, template.HTML(buf.String())); err != nil { //nolint: gosec
		logger.L().Warn("Error rendering status page", "error", err)
	}
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	d, err := s.q.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	lat, err := strconv.ParseFloat(v.Get("lat"), 64)
	if err != nil {
		http.Error(w, "lat is required", http.StatusBadRequest)
		return
	}
	lon, err := strconv.ParseFloat(v.Get("lon"), 64)
	if err != nil {
		http.Error(w, "lon is required", http.StatusBadRequest)
		return
	}
	radius := float64(defaultRadiusM)
	if raw := v.Get("radius"); raw != "" {
		radius, err = strconv.ParseFloat(raw, 64)
		if err != nil || radius > maxRadiusM {
			http.Error(w, fmt.Sprintf("radius must be a number up to %d", maxRadiusM), http.StatusBadRequest)
			return
		}
	}
	class := v.Get("class")
	if class == "" {
		class = spatial.ClassIncident
	}

	f := spatial.Filters{ActiveOn: v.Get("active_on")}
	if f.YearFrom, err = intParam(v.Get("year_from"), 0); err != nil {
		http.Error(w, "year_from must be a year", http.StatusBadRequest)
		return
	}
	if f.YearTo, err = intParam(v.Get("year_to"), 0); err != nil {
		http.Error(w, "year_to must be a year", http.StatusBadRequest)
		return
	}
	if f.Severities, err = parseSeverities(v.Get("severity")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hits, err := s.q.SearchNearby(r.Context(), geo.Point{Lat: lat, Lon: lon}, radius, class, f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(hits),
		"results": hits,
	})
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	lat, err := strconv.ParseFloat(v.Get("lat"), 64)
	if err != nil {
		http.Error(w, "lat is required", http.StatusBadRequest)
		return
	}
	lon, err := strconv.ParseFloat(v.Get("lon"), 64)
	if err != nil {
		http.Error(w, "lon is required", http.StatusBadRequest)
		return
	}
	maxM := float64(maxRadiusM)
	if raw := v.Get("max_m"); raw != "" {
		maxM, err = strconv.ParseFloat(raw, 64)
		if err != nil || maxM > maxRadiusM {
			http.Error(w, fmt.Sprintf("max_m must be a number up to %d", maxRadiusM), http.StatusBadRequest)
			return
		}
	}
	class := v.Get("class")
	if class == "" {
		class = spatial.ClassSchool
	}

	hit, err := s.q.Nearest(r.Context(), geo.Point{Lat: lat, Lon: lon}, class, maxM,
		spatial.Filters{ActiveOn: v.Get("active_on")})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hit)
}

func (s *Server) handleAreaStats(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = s.p.TrailingPeriod()
	}
	st, err := s.q.AreaStats(r.Context(), chi.URLParam(r, "code"), period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHotspots(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	period := v.Get("period")
	if period == "" {
		period = s.p.TrailingPeriod()
	}
	minCount, err := intParam(v.Get("min_count"), 0)
	if err != nil || minCount < 0 {
		http.Error(w, "min_count must be a non-negative integer", http.StatusBadRequest)
		return
	}
	limit, err := intParam(v.Get("limit"), 0)
	if err != nil || limit < 0 {
		http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return
	}

	hot, err := s.q.Hotspots(r.Context(), period, minCount, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"period":  period,
		"count":   len(hot),
		"results": hot,
	})
}

// handleBlackspots takes bbox=minLon,minLat,maxLon,maxLat.
func (s *Server) handleBlackspots(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	box, err := parseBBox(v.Get("bbox"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	period := v.Get("period")
	if period == "" {
		period = s.p.TrailingPeriod()
	}
	var distance float64
	if raw := v.Get("distance_m"); raw != "" {
		if distance, err = strconv.ParseFloat(raw, 64); err != nil || distance < 0 {
			http.Error(w, "distance_m must be a non-negative number", http.StatusBadRequest)
			return
		}
	}
	minCount, err := intParam(v.Get("min_count"), 0)
	if err != nil || minCount < 0 {
		http.Error(w, "min_count must be a non-negative integer", http.StatusBadRequest)
		return
	}

	spots, err := s.q.Blackspots(r.Context(), box, period, distance, minCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"period":  period,
		"count":   len(spots),
		"results": spots,
	})
}

// routeRequest is the body of POST /api/route-risk.
type routeRequest struct {
	Path        []geo.Point `json:"path"`
	BufferM     float64     `json:"buffer_m"`
	WindowYears int         `json:"window_years"`
}

func (s *Server) handleRouteRisk(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRouteBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.BufferM == 0 {
		req.BufferM = defaultRouteBufferM
	}

	rr, err := s.q.RouteRisk(r.Context(), geo.Path(req.Path), req.BufferM, req.WindowYears)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

func (s *Server) handleFacilityRisk(w http.ResponseWriter, r *http.Request) {
	fr, err := s.q.FacilityRisk(r.Context(), chi.URLParam(r, "class"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fr)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		http.Error(w, "limit must be an integer", http.StatusBadRequest)
		return
	}
	jobs, err := s.q.Jobs(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	states, err := s.q.SourceStates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handlePeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := s.q.RiskPeriods(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if periods == nil {
		periods = []database.RiskPeriod{}
	}
	writeJSON(w, http.StatusOK, periods)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year < 1900 || year > 9999 {
		http.Error(w, "year must be a four digit year", http.StatusBadRequest)
		return
	}
	sum, err := s.q.YearSummary(r.Context(), year)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func parseBBox(raw string) (geo.BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return geo.BBox{}, fmt.Errorf("bbox must be minLon,minLat,maxLon,maxLat")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.BBox{}, fmt.Errorf("bbox value %q is not a number", p)
		}
		v[i] = f
	}
	return geo.BBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}, nil
}

// parseSeverities accepts a comma separated list of codes (1,2) or names
// (fatal,serious).
func parseSeverities(raw string) ([]database.Severity, error) {
	if raw == "" {
		return nil, nil
	}
	var out []database.Severity
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		var sev database.Severity
		switch part {
		case "1", "fatal":
			sev = database.SeverityFatal
		case "2", "serious":
			sev = database.SeveritySerious
		case "3", "slight":
			sev = database.SeveritySlight
		default:
			return nil, fmt.Errorf("unknown severity %q", part)
		}
		out = append(out, sev)
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L().Warn("Error encoding response", "error", err)
	}
}

// writeError maps service errors to status codes. Anything not recognised
// as caller error is a 500 and is logged.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, database.ErrInvalidPeriod),
		errors.Is(err, spatial.ErrUnknownClass),
		errors.Is(err, spatial.ErrEmptyRoute),
		errors.Is(err, spatial.ErrBadRadius),
		errors.Is(err, spatial.ErrInvalidPoint),
		errors.Is(err, risk.ErrZeroLengthRoute),
		errors.Is(err, risk.ErrBadBox),
		errors.Is(err, risk.ErrTooManyIncidents):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.L().Error("Request failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Serve runs the scheduled pipeline in the background and the API on addr
// until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, p *pipeline.Pipeline, cfg *config.Config, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           New(p, cfg.Server).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	go p.Loop(loopCtx, cfg.Orchestrator.Tick)

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("Server listening", "addr", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.L().Info("Shutting down server")
	return srv.Shutdown(shutdownCtx)
}
