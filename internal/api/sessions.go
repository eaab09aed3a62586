package api

import (
	"errors"
	"net/http"
	"strings"

	"wabatch/internal/session"
	logx "wabatch/pkg/logx"
)

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if number == "" {
		writeError(w, http.StatusBadRequest, "Phone number is required")
		return
	}
	code, err := s.sessions.ResolveOrCreate(r.Context(), number)
	switch {
	case errors.Is(err, session.ErrInvalidIdentity):
		writeError(w, http.StatusBadRequest, "Phone number is invalid")
	case err != nil:
		s.log.Error("pairing failed", logx.Identity(number), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch pairing code")
	case code == "":
		writeJSON(w, http.StatusOK, map[string]string{"message": "Already paired"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"code": code})
	}
}

// handlePairingCode issues a fresh code for an existing unpaired session
// without reopening it.
func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if number == "" {
		writeError(w, http.StatusBadRequest, "Phone number is required")
		return
	}
	code, err := s.sessions.RequestPairingCode(r.Context(), number)
	switch {
	case errors.Is(err, session.ErrInvalidIdentity):
		writeError(w, http.StatusBadRequest, "Phone number is invalid")
	case errors.Is(err, session.ErrNotInitialized):
		writeError(w, http.StatusNotFound, "Session not initialized")
	case errors.Is(err, session.ErrAlreadyPaired):
		writeJSON(w, http.StatusOK, map[string]string{"message": "Already paired"})
	case err != nil:
		s.log.Error("pairing code failed", logx.Identity(number), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch pairing code")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"code": code})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if number == "" {
		if id, ok := s.identityFor(w, r, ""); ok {
			number = id
		} else {
			return
		}
	}
	writeJSON(w, http.StatusOK, s.sessions.Status(number))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("identity")
	purge := truthy(r.URL.Query().Get("purge"))
	err := s.sessions.Remove(r.Context(), id, purge)
	switch {
	case errors.Is(err, session.ErrInvalidIdentity):
		writeError(w, http.StatusBadRequest, "Phone number is invalid")
	case errors.Is(err, session.ErrNotInitialized):
		writeError(w, http.StatusNotFound, "Session not found")
	case err != nil:
		s.log.Error("remove session failed", logx.Identity(id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to remove session")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
