package mcp

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/formicaio/pkg/metrics"
	"github.com/cuemby/formicaio/pkg/types"
)

// rpcRequest is one JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is one JSON-RPC 2.0 response envelope. Result and Error
// are mutually exclusive.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleRPC implements POST /mcp/rpc, spec.md §4.7.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	defer func() { timer.ObserveDurationVec(metrics.McpRequestDuration, "rpc") }()

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeRPC(w, nil, nil, &rpcError{Code: codeParseError, Message: err.Error()})
		return
	}

	result, rpcErr := s.dispatch(r, req)
	s.writeRPC(w, req.ID, result, rpcErr)

	status := "ok"
	if rpcErr != nil {
		status = "error"
	}
	metrics.McpRequestsTotal.WithLabelValues(req.Method, status).Inc()
}

func (s *Server) dispatch(r *http.Request, req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "formicaio", "version": "1"},
		}, nil

	case "tools/list":
		return map[string]any{"tools": tools}, nil

	case "tools/call":
		var params toolsCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		out, err := s.callTool(r.Context(), params.Name, params.Arguments)
		if err != nil {
			code := codeInternalError
			if types.KindOf(err) == types.KindInvalidInput {
				code = codeInvalidParams
			}
			return nil, &rpcError{Code: code, Message: err.Error()}
		}
		return toolResult(out), nil

	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "unknown method: " + req.Method}
	}
}

// toolResult wraps a tool's return value in MCP's content envelope:
// a single JSON text block, or an explicit empty-success marker for
// tools that return nothing (spec.md §4.7's "empty" return tools).
func toolResult(v any) map[string]any {
	if v == nil {
		return map[string]any{"content": []map[string]any{{"type": "text", "text": "ok"}}}
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"content": []map[string]any{{"type": "text", "text": err.Error()}}, "isError": true}
	}
	return map[string]any{"content": []map[string]any{{"type": "text", "text": string(encoded)}}}
}

func (s *Server) writeRPC(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *rpcError) {
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	w.Header().Set("Content-Type", "application/json")
	if rpcErr != nil {
		w.WriteHeader(http.StatusOK) // JSON-RPC errors are carried in-band, not via HTTP status
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn().Err(err).Msg("failed to encode rpc response")
	}
}
