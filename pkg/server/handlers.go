package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nexiloop/nexiloop/pkg/models"
	"github.com/nexiloop/nexiloop/pkg/quota"
)

type usageRequest struct {
	UserID          string `json:"userId"`
	Class           string `json:"class,omitempty"`
	Model           string `json:"model,omitempty"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

type guestRequest struct {
	UserID string `json:"userId"`
}

type guestResponse struct {
	User    models.Subject `json:"user"`
	Created bool           `json:"created"`
}

const maxBodyBytes = 1 << 16

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body", codeBadRequest)
		return false
	}
	return true
}

// readUsage decodes and validates a usage body, then checks the
// caller's identity against the stored record.
func (s *Server) readUsage(w http.ResponseWriter, r *http.Request, needTarget bool) (usageRequest, bool) {
	var req usageRequest
	if !decodeBody(w, r, &req) {
		return req, false
	}
	if req.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing userId", codeBadRequest)
		return req, false
	}
	if needTarget && req.Class == "" && req.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "one of class or model is required", codeBadRequest)
		return req, false
	}
	if err := s.ledger.ValidateIdentity(r.Context(), req.UserID, req.IsAuthenticated); err != nil {
		s.writeError(w, err)
		return req, false
	}
	return req, true
}

// resolveClass returns the class a request targets. A model that counts
// against the pro class is refused for unauthenticated callers.
func (s *Server) resolveClass(req usageRequest) (models.QuotaClass, error) {
	if req.Class != "" {
		c := models.QuotaClass(req.Class)
		if !c.Valid() {
			return "", quota.ErrInvalidClass
		}
		return c, nil
	}
	c := s.ledger.ClassForModel(req.Model)
	if c == models.QuotaPro && !req.IsAuthenticated {
		return "", quota.ErrUnauthorizedForClass
	}
	return c, nil
}

func (s *Server) respondDecision(w http.ResponseWriter, d quota.Decision) {
	if err := d.Err(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing userId", codeBadRequest)
		return
	}
	authenticated := false
	if v := q.Get("isAuthenticated"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid isAuthenticated", codeBadRequest)
			return
		}
		authenticated = b
	}

	usage, err := s.ledger.Status(r.Context(), userID, authenticated)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleCreateGuest(w http.ResponseWriter, r *http.Request) {
	var req guestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing userId", codeBadRequest)
		return
	}

	sub, created, err := s.ledger.Register(r.Context(), req.UserID, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guestResponse{User: sub, Created: created})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readUsage(w, r, true)
	if !ok {
		return
	}

	var d quota.Decision
	var err error
	if req.Model != "" && req.Class == "" {
		d, err = s.ledger.CheckByModel(r.Context(), req.UserID, req.Model, req.IsAuthenticated)
	} else {
		var class models.QuotaClass
		if class, err = s.resolveClass(req); err == nil {
			d, err = s.ledger.Check(r.Context(), req.UserID, class)
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respondDecision(w, d)
}

func (s *Server) handleIncrement(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readUsage(w, r, true)
	if !ok {
		return
	}

	var err error
	if req.Model != "" && req.Class == "" {
		err = s.ledger.IncrementByModel(r.Context(), req.UserID, req.Model, req.IsAuthenticated)
	} else {
		var class models.QuotaClass
		if class, err = s.resolveClass(req); err == nil {
			err = s.ledger.Increment(r.Context(), req.UserID, class, nil)
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readUsage(w, r, true)
	if !ok {
		return
	}
	class, err := s.resolveClass(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	d, err := s.ledger.Consume(r.Context(), req.UserID, class)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respondDecision(w, d)
}

func (s *Server) handleTrackSpecialAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readUsage(w, r, false)
	if !ok {
		return
	}

	d, err := s.ledger.Track(r.Context(), req.UserID, models.QuotaSpecialAgent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
