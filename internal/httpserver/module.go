package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/runbook-engine/internal/config"
	"github.com/ronappleton/runbook-engine/internal/engine"
)

type Server struct {
	cfg    config.Config
	logger *zap.Logger
	svc    *engine.Service
	srv    *http.Server

	// closed on shutdown so event streams return
	stopping chan struct{}
}

func Module() fx.Option {
	return fx.Options(
		fx.Provide(NewServer),
		fx.Invoke(RegisterHooks),
	)
}

func NewServer(cfg config.Config, logger *zap.Logger, svc *engine.Service, reg *prometheus.Registry) *Server {
	s := &Server{cfg: cfg, logger: logger.Named("http"), svc: svc, stopping: make(chan struct{})}
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.routes(reg), "runbook-engine"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) routes(reg *prometheus.Registry) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runbooks", func(r chi.Router) {
			r.Get("/", s.handleListRunbooks)
			r.Post("/", s.handleCreateRunbook)
			r.Get("/templates", s.handleTemplates)
			r.Post("/validate", s.handleValidate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRunbook)
				r.Put("/", s.handleUpdateRunbook)
				r.Delete("/", s.handleDeleteRunbook)
				r.Get("/versions", s.handleRunbookVersions)
				r.Get("/versions/{version}", s.handleRunbookVersion)
				r.Post("/executions", s.handleTriggerRunbook)
			})
		})
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Get("/{id}", s.handleGetExecution)
			r.Post("/{id}/pause", s.handlePause)
			r.Post("/{id}/resume", s.handleResume)
			r.Post("/{id}/cancel", s.handleCancel)
		})
		r.Route("/healing", func(r chi.Router) {
			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules/{id}", s.handleGetRule)
			r.Put("/rules/{id}", s.handleUpdateRule)
			r.Delete("/rules/{id}", s.handleDeleteRule)
			r.Post("/rules/{id}/trigger", s.handleTriggerRule)
			r.Get("/executions", s.handleListHealingExecutions)
			r.Get("/executions/{id}", s.handleGetHealingExecution)
			r.Post("/executions/{id}/approve", s.handleApprove)
			r.Post("/executions/{id}/reject", s.handleReject)
		})
		r.Post("/alerts/fired", s.handleAlertFired)
		r.Post("/alerts/resolved", s.handleAlertResolved)
		r.Method(http.MethodPost, "/webhooks/{runbookID}", s.svc.Webhook())
		r.Get("/events/stream", s.handleEventStream)
	})
	return r
}

func RegisterHooks(lc fx.Lifecycle, server *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			server.logger.Info("http server starting", zap.String("addr", server.srv.Addr))
			go func() {
				if err := server.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					server.logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			server.logger.Info("http server stopping")
			close(server.stopping)
			return server.srv.Shutdown(shutdownCtx)
		},
	})
}
