package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/zonal-stats/internal/assemble"
	"github.com/sells-group/zonal-stats/internal/cache"
	"github.com/sells-group/zonal-stats/internal/config"
	"github.com/sells-group/zonal-stats/internal/engine"
	"github.com/sells-group/zonal-stats/internal/failure"
	"github.com/sells-group/zonal-stats/internal/metrics"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the statistics HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return failure.New(failure.InvalidRequest, "serve", "", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, ac := buildEngine(cfg)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newServer(eng, ac, cfg).routes(),
			ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSecs) * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

type ctxKey int

const requestIDKey ctxKey = iota

// server serves the statistics API.
type server struct {
	engine  *engine.Engine
	cache   *cache.Cache
	demo    config.DemoConfig
	maxBody int64
	log     *zap.Logger
}

func newServer(eng *engine.Engine, ac *cache.Cache, c *config.Config) *server {
	maxBody := int64(c.Server.MaxBodyMB) << 20
	if maxBody <= 0 {
		maxBody = 50 << 20
	}
	return &server{
		engine:  eng,
		cache:   ac,
		demo:    c.Demo,
		maxBody: maxBody,
		log:     zap.L().With(zap.String("component", "server")),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/stats", s.handleStats)
	r.Get("/demo", s.handleDemo)
	return r
}

// requestID tags each request with a UUID, reusing a valid incoming X-Request-Id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// observe records per-route status and latency.
func (s *server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTP(route, status, time.Since(start))
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"cache":  s.cache.Stats(),
	})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		s.fail(w, r, failure.New(failure.InvalidRequest, "server.stats", "", eris.Wrap(err, "read body")))
		return
	}
	req, err := decodeStatsRequest(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.compute(w, r, req)
}

// handleDemo runs the configured sample request. geojson_out, group_by and
// intersect_comparison may be overridden by query parameters.
func (s *server) handleDemo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &statsRequest{
		GeoTIFFURL:          s.demo.GeoTIFFURL,
		ZonesURL:            s.demo.ZonesURL,
		GroupBy:             s.demo.GroupBy,
		IntersectComparison: q.Get("intersect_comparison"),
	}
	if v := q.Get("group_by"); v != "" {
		req.GroupBy = v
	}
	if v := q.Get("geojson_out"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.fail(w, r, failure.New(failure.InvalidRequest, "server.demo", "geojson_out", err))
			return
		}
		req.GeoJSONOut = b
	}
	s.compute(w, r, req)
}

func (s *server) compute(w http.ResponseWriter, r *http.Request, wire *statsRequest) {
	req, err := wire.toEngine()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	results, err := s.engine.Compute(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body, err := assemble.Encode(results)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch failure.KindOf(err) {
	case failure.InvalidRequest:
		return http.StatusBadRequest
	case failure.FilterKeyNotFound:
		return http.StatusNotFound
	case failure.FetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := failure.KindOf(err)
	log := s.log.With(zap.String("request_id", requestIDFrom(r.Context())), zap.String("kind", kind.String()))
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	} else {
		log.Warn("request rejected", zap.Error(err))
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "An error occurred calculating statistics."
	}
	writeJSON(w, status, map[string]string{"error": msg, "kind": kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
