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

// Package evaluation implements the evaluation service: the authoritative
// queue and state machine for candidate programs. Build VMs pull work from
// it, report stage results to it, and the classifier monitor finalizes the
// candidates it owns.
package evaluation

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
	"github.com/jordigilh/gimc/pkg/storage"
	"github.com/jordigilh/gimc/pkg/vmlifecycle"
)

// Server is the evaluation service.
type Server struct {
	config     *config.Config
	candidates *storage.CandidateRepository
	analyses   *storage.AnalysisRepository
	tags       *storage.TagRepository
	vms        *vmlifecycle.Manager
	sandbox    *SandboxClient
	metrics    *Metrics
	logger     *zap.Logger
	router     chi.Router
}

// NewServer wires the evaluation service. The VM manager must already be
// initialized (fleet reverted and started) before the server accepts work.
func NewServer(
	cfg *config.Config,
	db *sqlx.DB,
	vms *vmlifecycle.Manager,
	sandbox *SandboxClient,
	logger *zap.Logger,
) *Server {
	s := &Server{
		config:     cfg,
		candidates: storage.NewCandidateRepository(db, logger),
		analyses:   storage.NewAnalysisRepository(db, logger),
		tags:       storage.NewTagRepository(db, logger),
		vms:        vms,
		sandbox:    sandbox,
		metrics:    NewMetrics(),
		logger:     logger,
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
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(s.config.SandboxToken, s.logger))
		r.Use(middleware.RequireJSON())

		r.Get("/testauth", s.handleTestAuth)
		r.Post("/testauth", s.handleTestAuth)
		r.Post("/submit", s.handleSubmit)
		r.Get("/vm/checkin", s.handleCheckin)
		r.Post("/vm/update", s.handleUpdate)
		r.Get("/info/{hash}", s.handleInfo)
		r.Get("/reanalyze/{hash}", s.handleReanalyze)
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
	s.logger.Info("evaluation service listening", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Sweep is the build watchdog pass: candidates whose agent missed the
// keepalive deadline move to error and their VMs are recycled. Queue gauges
// are refreshed on the same pass.
func (s *Server) Sweep(ctx context.Context) error {
	timedOut, err := s.candidates.FailTimedOut(ctx, s.config.VMTimeout(), "Build VM timeout")
	if err != nil {
		return err
	}
	for _, c := range timedOut {
		s.metrics.WatchdogReclaimed.Inc()
		if c.BuildVM != nil {
			s.metrics.RevertsScheduled.Inc()
			s.vms.Recycle(*c.BuildVM)
		}
	}
	s.refreshGauges(ctx)
	return nil
}

func (s *Server) refreshGauges(ctx context.Context) {
	if pending, err := s.candidates.ListByStatus(ctx, models.CandidatePending); err == nil {
		s.metrics.QueueDepth.Set(float64(len(pending)))
	}
	if building, err := s.candidates.ListByStatus(ctx, models.CandidateBuilding); err == nil {
		s.metrics.CandidatesBuilding.Set(float64(len(building)))
	}
}

// remoteIP extracts the caller address used for VM pool membership checks.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
