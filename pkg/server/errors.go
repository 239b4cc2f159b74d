package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nexiloop/nexiloop/pkg/models"
	"github.com/nexiloop/nexiloop/pkg/quota"
)

// Error codes that are not quota codes.
const (
	codeBadRequest     = "BAD_REQUEST"
	codeNotFound       = "USER_NOT_FOUND"
	codeIdentity       = "IDENTITY_MISMATCH"
	codeStorage        = "STORAGE_UNAVAILABLE"
	codeInternal       = "INTERNAL_ERROR"
	nexiloopErrorType  = "nexiloop_error"
	quotaExceededError = "quota_exceeded"
)

type errorBody struct {
	Message string            `json:"message"`
	Type    string            `json:"type"`
	Code    string            `json:"code"`
	Class   models.QuotaClass `json:"class,omitempty"`
	Limit   *int64            `json:"limit,omitempty"`
	Count   *int64            `json:"count,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]errorBody{
		"error": {Message: message, Type: nexiloopErrorType, Code: code},
	})
}

func writeQuotaError(w http.ResponseWriter, qe *quota.QuotaExceededError) {
	limit, count := qe.Limit, qe.Count
	writeJSON(w, http.StatusTooManyRequests, map[string]errorBody{
		"error": {
			Message: qe.Error(),
			Type:    quotaExceededError,
			Code:    qe.Code,
			Class:   qe.Class,
			Limit:   &limit,
			Count:   &count,
		},
	})
}

// writeError maps a ledger error onto an HTTP status and error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var qe *quota.QuotaExceededError
	var se *quota.StorageError
	switch {
	case errors.As(err, &qe):
		writeQuotaError(w, qe)
	case errors.Is(err, quota.ErrUnauthorizedForClass):
		writeJSONError(w, http.StatusUnauthorized, err.Error(), quota.CodeAuthRequired)
	case errors.Is(err, quota.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "user not found", codeNotFound)
	case errors.Is(err, quota.ErrIdentityMismatch):
		writeJSONError(w, http.StatusForbidden, err.Error(), codeIdentity)
	case errors.Is(err, quota.ErrInvalidClass):
		writeJSONError(w, http.StatusBadRequest, err.Error(), codeBadRequest)
	case errors.As(err, &se):
		writeJSONError(w, http.StatusServiceUnavailable, "quota store unavailable", codeStorage)
	default:
		s.logger.Error("unhandled request error", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error", codeInternal)
	}
}
