package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/formicaio/pkg/types"
)

// ErrorResponse is the standard JSON error envelope: a stable
// machine-readable kind tag plus a human message, per spec.md §7.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// respondError maps a types.Error kind to an HTTP status code and
// writes the standard error envelope. Untagged errors surface as 500
// store failures, per types.KindOf's default.
func respondError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	respond(w, statusForKind(kind), ErrorResponse{Kind: string(kind), Message: err.Error()})
}

func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindInvalidInput:
		return http.StatusBadRequest
	case types.KindAlreadyBatched:
		return http.StatusConflict
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindCancelled:
		return http.StatusRequestTimeout
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	case types.KindLauncherFailure, types.KindNetworkFailure, types.KindStoreFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
