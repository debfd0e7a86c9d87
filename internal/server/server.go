package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"goji.io"
	"goji.io/pat"

	"github.com/menta2k/food-portion/internal/metrics"
	"github.com/menta2k/food-portion/pkg/pipeline"
	"github.com/menta2k/food-portion/pkg/types"
)

// MaxUploadBytes bounds multipart and JSON request bodies
const MaxUploadBytes = 20 << 20

// Service is the pipeline surface exposed over HTTP
type Service interface {
	Run(ctx context.Context, in types.ImageInput) (*pipeline.Run, error)
	Identify(ctx context.Context, in types.ImageInput) (types.FoodIdentification, error)
	Segment(ctx context.Context, in types.ImageInput) (*types.SegmentationResult, error)
	Measure(ctx context.Context, in types.ImageInput, maskRef string) (pipeline.Measurement, error)
	EstimatePortion(ctx context.Context, req types.EstimateRequest) (types.PortionEstimate, error)
}

// Server serves the pipeline operations
type Server struct {
	svc     Service
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	handler http.Handler
}

// New builds the HTTP surface. An empty origin list or "*" allows every origin.
func New(svc Service, m *metrics.Metrics, logger *zap.SugaredLogger, allowedOrigins []string) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{svc: svc, metrics: m, logger: logger}

	mux := goji.NewMux()
	mux.Use(s.logRequests)
	mux.Use(gziphandler.GzipHandler)
	mux.HandleFunc(pat.Get("/health"), s.handleHealth)
	mux.HandleFunc(pat.Post("/api/identify"), s.handleIdentify)
	mux.HandleFunc(pat.Post("/api/segment"), s.handleSegment)
	mux.HandleFunc(pat.Post("/api/estimate-portion"), s.handleEstimatePortion)
	mux.HandleFunc(pat.Post("/api/measure"), s.handleMeasure)
	mux.HandleFunc(pat.Post("/api/analyze"), s.handleAnalyze)
	if m != nil {
		mux.Handle(pat.Get("/metrics"), promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}

	var c *cors.Cors
	if len(allowedOrigins) == 0 || lo.Contains(allowedOrigins, "*") {
		c = cors.AllowAll()
	} else {
		c = cors.New(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		})
	}
	s.handler = c.Handler(mux)
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Infow("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"took", time.Since(start))
	})
}
