/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package sandbox implements the sandbox service: the authoritative queue
// and state machine for dynamic analyses, and the owner of the encrypted
// sample store.
package sandbox

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/config"
	"github.com/jordigilh/gimc/internal/middleware"
	"github.com/jordigilh/gimc/pkg/models"
	"github.com/jordigilh/gimc/pkg/samplestore"
	"github.com/jordigilh/gimc/pkg/storage"
	"github.com/jordigilh/gimc/pkg/vmlifecycle"
)

// Server is the sandbox service.
type Server struct {
	config   *config.Config
	samples  *storage.SampleRepository
	analyses *storage.AnalysisRepository
	tags     *storage.TagRepository
	store    *samplestore.Store
	vms      *vmlifecycle.Manager
	metrics  *Metrics
	logger   *zap.Logger
	router   chi.Router
}

// NewServer wires the sandbox service over an initialized VM manager.
func NewServer(
	cfg *config.Config,
	db *sqlx.DB,
	store *samplestore.Store,
	vms *vmlifecycle.Manager,
	logger *zap.Logger,
) *Server {
	s := &Server{
		config:   cfg,
		samples:  storage.NewSampleRepository(db, logger),
		analyses: storage.NewAnalysisRepository(db, logger),
		tags:     storage.NewTagRepository(db, logger),
		store:    store,
		vms:      vms,
		metrics:  NewMetrics(),
		logger:   logger,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type", AnalysisIDHeader, SampleSHA256Header},
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(s.config.SandboxToken, s.logger))

		r.Get("/testauth", s.handleTestAuth)
		r.Post("/testauth", s.handleTestAuth)
		r.Post("/submit/sample", s.handleSubmitSample)
		r.Post("/submit/analysis/{hash}", s.handleSubmitAnalysis)
		r.Get("/vm/checkin", s.handleCheckin)
		r.Post("/vm/submit/report", s.handleSubmitReport)
		r.Post("/vm/submit/error", s.handleSubmitError)
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the service until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("sandbox service listening", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Sweep is the analysis watchdog pass.
func (s *Server) Sweep(ctx context.Context) error {
	timedOut, err := s.analyses.FailTimedOut(ctx, s.config.VMTimeout(), "analysis VM timeout")
	if err != nil {
		return err
	}
	for _, a := range timedOut {
		s.metrics.WatchdogReclaimed.Inc()
		if a.AnalysisVM != nil {
			s.metrics.RevertsScheduled.Inc()
			s.vms.Recycle(*a.AnalysisVM)
		}
	}
	s.refreshGauges(ctx)
	return nil
}

func (s *Server) refreshGauges(ctx context.Context) {
	// Gauges are best effort; a failed scan keeps the previous value.
	if n, err := s.analyses.CountByStatus(ctx, models.AnalysisPending); err == nil {
		s.metrics.QueueDepth.Set(float64(n))
	}
	if n, err := s.analyses.CountByStatus(ctx, models.AnalysisRunning); err == nil {
		s.metrics.AnalysesRunning.Set(float64(n))
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
