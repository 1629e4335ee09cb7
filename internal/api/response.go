package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error    string         `json:"error"`
	Problems []rule.Problem `json:"problems,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeStoreError maps rule store errors to status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case rule.IsValidation(err):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:    "rule validation failed",
			Problems: rule.ProblemsOf(err),
		})
	case errors.Is(err, rule.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rule.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
