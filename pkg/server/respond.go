package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/utils/logging"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.From(r.Context()).Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, &errorResponse{Error: msg})
}

// handleError translates pipeline errors into transport status codes.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrRateLimited):
		if retryAfter, ok := model.RetryAfterFrom(err); ok && retryAfter > 0 {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")

	case errors.Is(err, model.ErrConversationNotFound):
		writeError(w, r, http.StatusNotFound, "conversation not found")

	case errors.Is(err, model.ErrPolicyDenied):
		writeError(w, r, http.StatusForbidden, "request denied by policy")

	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrInvalidRole):
		writeError(w, r, http.StatusBadRequest, err.Error())

	case errors.Is(err, model.ErrProviderError):
		status := http.StatusBadGateway
		if timedOut, ok := goerr.Values(err)["timeout"].(bool); ok && timedOut {
			status = http.StatusServiceUnavailable
		}
		writeError(w, r, status, "generation provider unavailable")

	case errors.Is(err, model.ErrEmbeddingUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "embedding provider unavailable")

	default:
		logging.From(r.Context()).Error("request failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
