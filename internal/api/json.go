package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"ridernav/internal/apperr"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Kind is the error class, for clients that branch on it.
	Kind string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps a service error to its problem response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status, title := http.StatusInternalServerError, "Internal error"
	switch kind {
	case apperr.Validation:
		status, title = http.StatusBadRequest, "Invalid request"
	case apperr.SolverFailure:
		status, title = http.StatusBadGateway, "Optimizer failed"
	case apperr.ConcurrencyConflict:
		status, title = http.StatusConflict, "Conflict"
	case apperr.ConsistencyViolation:
		status, title = http.StatusInternalServerError, "Ledger inconsistent"
	case apperr.NotFound:
		status, title = http.StatusNotFound, "Not found"
	}
	if status >= 500 {
		s.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", kind.String()),
			zap.Error(err))
	}
	p := Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
	}
	if kind != apperr.Unknown {
		p.Kind = kind.String()
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// decode reads a JSON body, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.E(apperr.Validation, "decode body", err)
	}
	if dec.More() {
		return apperr.E(apperr.Validation, "decode body", errors.New("trailing data after JSON body"))
	}
	return nil
}
