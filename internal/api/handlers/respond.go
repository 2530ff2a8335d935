package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	middleware "github.com/handoverhq/docsearch/internal/api/middlewares"
	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/logging"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Classify maps an engine error onto an HTTP status and a stable code.
// Unknown errors are INTERNAL and their text is never exposed.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, core.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_FORMAT"
	case errors.Is(err, core.ErrNoExtractableText):
		return http.StatusUnprocessableEntity, "NO_EXTRACTABLE_TEXT"
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrDocumentGone):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, core.ErrScopeMismatch):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, core.ErrRetrievalUnavailable):
		return http.StatusServiceUnavailable, "RETRIEVAL_UNAVAILABLE"
	case errors.Is(err, core.ErrEmbeddingGenerationFailed):
		return http.StatusBadGateway, "EMBEDDING_FAILED"
	case errors.Is(err, core.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed", slog.Any("error", err))
		msg = "internal error"
	}
	writeJSON(w, status, ErrorBody{Code: code, Message: msg})
}

// callerScope returns the scope attached by the JWT middleware.
func callerScope(w http.ResponseWriter, r *http.Request) (core.SearchScope, bool) {
	scope, ok := middleware.ScopeFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorBody{Code: "UNAUTHORIZED", Message: "no caller scope"})
		return core.SearchScope{}, false
	}
	return scope, true
}
