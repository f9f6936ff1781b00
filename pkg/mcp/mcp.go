// Package mcp implements McpServer (C10): a JSON-RPC 2.0 control plane
// exposing one tool per NodeManager action, transported over
// net/http + chi (spec.md §4.7 / SPEC_FULL.md §4.7). No MCP SDK exists
// anywhere in the retrieved pack, so the wire protocol itself is
// hand-rolled on encoding/json; chi routing around it is a real pack
// dependency (see DESIGN.md).
package mcp

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/cuemby/formicaio/pkg/background"
	"github.com/cuemby/formicaio/pkg/batch"
	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/manager"
)

// status is the shared mcp_status cell, spec.md §4.7's "publish its
// bound URL into a shared mcp_status cell for the UI".
type status struct {
	URL     string
	Running bool
}

// Server is McpServer (C10).
type Server struct {
	mgr   *manager.Manager
	sched *batch.Scheduler
	bg    *background.Loop
	log   zerolog.Logger

	router chi.Router
	srv    *http.Server
	events *eventStore

	status atomic.Pointer[status]
}

// New wires an McpServer. sched may be nil if batches are not wired
// (all 6 node-instance tools still function; fetch_stats/
// nodes_instances do not depend on it).
func New(mgr *manager.Manager, sched *batch.Scheduler, bg *background.Loop) *Server {
	s := &Server{
		mgr:    mgr,
		sched:  sched,
		bg:     bg,
		log:    log.WithComponent("mcp"),
		events: newEventStore(256),
	}
	s.status.Store(&status{})

	r := chi.NewRouter()
	r.Route("/mcp", func(r chi.Router) {
		r.Post("/rpc", s.handleRPC)
		r.Get("/sse", s.handleSSE)
	})
	s.router = r
	return s
}

// McpStatus reports the bound URL and whether the server is currently
// serving, satisfying api.McpStatusProvider.
func (s *Server) McpStatus() (string, bool) {
	st := s.status.Load()
	return st.URL, st.Running
}

// Start binds addr and serves in a background goroutine, publishing
// the resulting URL into the shared status cell.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	url := "http://" + ln.Addr().String()
	s.status.Store(&status{URL: url, Running: true})

	s.srv = &http.Server{Handler: s.router}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("mcp server stopped unexpectedly")
		}
		s.status.Store(&status{URL: url, Running: false})
	}()

	s.log.Info().Str("url", url).Msg("mcp server started")
	return nil
}

// Stop shuts down the server, if running.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	st := s.status.Load()
	s.status.Store(&status{URL: st.URL, Running: false})
	return err
}
