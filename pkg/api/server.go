// Package api implements formicaio's one-shot JSON HTTP API
// (spec.md §6), grounded on wisbric-nightowl's chi-router-plus-
// middleware-stack server shape, re-themed from a multi-tenant
// authenticated API onto formicaio's single-operator fleet surface
// (no auth/tenant middleware: spec.md names no auth scheme).
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cuemby/formicaio/pkg/background"
	"github.com/cuemby/formicaio/pkg/batch"
	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/manager"
	"github.com/cuemby/formicaio/pkg/metrics"
	"github.com/cuemby/formicaio/pkg/storage"
)

// McpStatusProvider reports the MCP server's bound URL and whether it
// is currently serving, for the supplemental GET /api/mcp/status
// endpoint (SPEC_FULL.md §6). Satisfied by *mcp.Server; nil when no
// MCP server is wired.
type McpStatusProvider interface {
	McpStatus() (url string, running bool)
}

// Server is formicaio's HTTP API surface.
type Server struct {
	Router chi.Router

	mgr   *manager.Manager
	sched *batch.Scheduler
	bg    *background.Loop
	store storage.Store
	mcp   McpStatusProvider
	log   zerolog.Logger
}

// NewServer wires the chi router and mounts every endpoint from
// spec.md §6. mcp may be nil if the MCP server is not started.
func NewServer(mgr *manager.Manager, sched *batch.Scheduler, bg *background.Loop, store storage.Store, mcp McpStatusProvider, corsOrigins []string) *Server {
	s := &Server{
		mgr:   mgr,
		sched: sched,
		bg:    bg,
		store: store,
		mcp:   mcp,
		log:   log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.log))
	r.Use(recordMetrics)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Post("/nodes/list", s.handleNodesList)
		r.Post("/nodes/create", s.handleNodeCreate)
		r.Post("/nodes/{id}/start", s.handleNodeAction(actionStart))
		r.Post("/nodes/{id}/stop", s.handleNodeAction(actionStop))
		r.Post("/nodes/{id}/upgrade", s.handleNodeAction(actionUpgrade))
		r.Post("/nodes/{id}/recycle", s.handleNodeAction(actionRecycle))
		r.Post("/nodes/{id}/delete", s.handleNodeAction(actionDelete))
		r.Get("/nodes/{id}/logs", s.handleNodeLogs)
		r.Get("/nodes/{id}/metrics", s.handleNodeMetrics)

		r.Get("/settings", s.handleSettingsGet)
		r.Put("/settings", s.handleSettingsPut)

		r.Post("/batches", s.handleBatchCreate)
		r.Delete("/batches/{id}", s.handleBatchCancel)

		r.Get("/mcp/status", s.handleMcpStatus)
	})

	s.Router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}
