package api

import (
	"encoding/json"
	"net/http"

	"github.com/tradegen/vte-engine/internal/apperrors"
	"github.com/tradegen/vte-engine/internal/logger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    apperrors.Kind `json:"code"`
	Message string        `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	appErr := apperrors.Wrap(err)
	status := appErr.HTTPStatus()
	msg := appErr.Error()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", msg)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Code: appErr.Kind, Message: msg})
}
