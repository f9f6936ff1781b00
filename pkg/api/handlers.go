package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/formicaio/pkg/types"
)

type nodesListRequest struct {
	Filter *types.NodeFilter `json:"filter,omitempty"`
}

// handleNodesList implements POST /api/nodes/list, spec.md §6.
func (s *Server) handleNodesList(w http.ResponseWriter, r *http.Request) {
	var req nodesListRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, types.NewError(types.KindInvalidInput, err))
			return
		}
	}

	list, err := s.mgr.ListNodes(r.Context(), req.Filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if s.bg != nil {
		list.Stats = s.bg.Stats()
	}
	if s.sched != nil {
		list.ScheduledBatches = s.sched.List()
	}
	respond(w, http.StatusOK, list)
}

// handleNodeCreate implements POST /api/nodes/create, spec.md §6.
func (s *Server) handleNodeCreate(w http.ResponseWriter, r *http.Request) {
	var opts types.NodeOpts
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		respondError(w, types.NewError(types.KindInvalidInput, err))
		return
	}

	info, err := s.mgr.CreateNode(r.Context(), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, info)
}

type nodeAction int

const (
	actionStart nodeAction = iota
	actionStop
	actionUpgrade
	actionRecycle
	actionDelete
)

// handleNodeAction implements the POST /api/nodes/{id}/{verb} family,
// spec.md §6.
func (s *Server) handleNodeAction(action nodeAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := types.NodeID(chi.URLParam(r, "id"))
		var err error
		switch action {
		case actionStart:
			err = s.mgr.StartNode(r.Context(), id)
		case actionStop:
			err = s.mgr.StopNode(r.Context(), id)
		case actionUpgrade:
			err = s.mgr.UpgradeNode(r.Context(), id)
		case actionRecycle:
			err = s.mgr.RecycleNode(r.Context(), id)
		case actionDelete:
			err = s.mgr.DeleteNode(r.Context(), id)
		}
		if err != nil {
			respondError(w, err)
			return
		}
		respond(w, http.StatusOK, nil)
	}
}

// handleNodeLogs implements GET /api/nodes/{id}/logs as a chunked byte
// stream, spec.md §6.
func (s *Server) handleNodeLogs(w http.ResponseWriter, r *http.Request) {
	id := types.NodeID(chi.URLParam(r, "id"))

	stream, err := s.mgr.LogsStream(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := stream.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				s.log.Warn().Err(readErr).Str("node_id", string(id)).Msg("log stream read failed")
			}
			return
		}
	}
}

// handleNodeMetrics implements GET /api/nodes/{id}/metrics?since=<ms>,
// spec.md §6.
func (s *Server) handleNodeMetrics(w http.ResponseWriter, r *http.Request) {
	id := types.NodeID(chi.URLParam(r, "id"))

	var sinceMs *int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, types.NewError(types.KindInvalidInput, err))
			return
		}
		sinceMs = &v
	}

	points, err := s.store.GetNodeMetrics(r.Context(), id, sinceMs)
	if err != nil {
		respondError(w, types.NewError(types.KindStoreFailure, err))
		return
	}
	respond(w, http.StatusOK, points)
}

// handleSettingsGet implements GET /api/settings, spec.md §6.
func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.LoadSettings(r.Context())
	if err != nil {
		respondError(w, types.NewError(types.KindStoreFailure, err))
		return
	}
	respond(w, http.StatusOK, settings)
}

// handleSettingsPut implements PUT /api/settings, spec.md §6: persists
// the new settings and pushes them live into BackgroundLoop via
// BgApplySettings, so a running process never needs a restart to pick
// up new tick intervals.
func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var settings types.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		respondError(w, types.NewError(types.KindInvalidInput, err))
		return
	}

	if err := s.store.SaveSettings(r.Context(), settings); err != nil {
		respondError(w, types.NewError(types.KindStoreFailure, err))
		return
	}
	s.mgr.ApplySettings(settings)
	respond(w, http.StatusOK, settings)
}

type batchCreateRequest struct {
	BatchType    types.BatchType `json:"batch_type"`
	IntervalSecs int             `json:"interval_secs"`
}

type batchCreateResponse struct {
	BatchID types.BatchID `json:"batch_id"`
}

// handleBatchCreate implements POST /api/batches, spec.md §6.
func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var req batchCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, types.NewError(types.KindInvalidInput, err))
		return
	}

	id, err := s.sched.PrepareBatch(r.Context(), req.BatchType, req.IntervalSecs)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, batchCreateResponse{BatchID: id})
}

// handleBatchCancel implements DELETE /api/batches/{id}, spec.md §6.
func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		respondError(w, types.NewError(types.KindInvalidInput, err))
		return
	}
	s.sched.CancelBatch(types.BatchID(v))
	respond(w, http.StatusOK, nil)
}

// handleMcpStatus implements the supplemental GET /api/mcp/status
// endpoint, SPEC_FULL.md §6.
func (s *Server) handleMcpStatus(w http.ResponseWriter, r *http.Request) {
	if s.mcp == nil {
		respond(w, http.StatusOK, map[string]any{"url": "", "running": false})
		return
	}
	url, running := s.mcp.McpStatus()
	respond(w, http.StatusOK, map[string]any{"url": url, "running": running})
}
