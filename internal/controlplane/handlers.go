package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ssh-tunnel-manager/daemon/internal/logutil"
	"github.com/ssh-tunnel-manager/daemon/internal/profile"
	"github.com/ssh-tunnel-manager/daemon/internal/tunnelerr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tunnel id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	active := s.Registry.ListActive()
	out := make([]summaryJSON, len(active))
	for i, sum := range active {
		out[i] = toSummaryJSON(sum)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tunnels": out})
}

// handleStart resolves the named profile and starts a tunnel for it.
// Remote/Dynamic forwarding is rejected here, before the Registry is ever
// touched, as well as inside the Tunnel Task itself — see SPEC_FULL.md's
// Open Question resolution for §4.7.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	p, err := profile.Load(s.ProfilesDir, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	if p.Forwarding.Type != profile.ForwardingLocal {
		writeError(w, http.StatusBadRequest, "only local forwarding is supported")
		return
	}

	if err := s.Registry.Start(r.Context(), p); err != nil {
		if errors.Is(err, tunnelerr.ErrAlreadyActive) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to start tunnel")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "tunnel starting"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.Registry.Stop(id); err != nil {
		if errors.Is(err, tunnelerr.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tunnel not active")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to stop tunnel")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "tunnel stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sum, err := s.Registry.GetStatus(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "tunnel not active")
		return
	}
	writeJSON(w, http.StatusOK, toSummaryJSON(sum))
}

func (s *Server) handleGetAuth(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := s.Registry.GetPendingAuth(id)
	if err != nil {
		writeError(w, http.StatusNotFound, logutil.SanitizeForLog(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type authSubmission struct {
	TunnelID uuid.UUID `json:"tunnel_id"`
	Response string    `json:"response"`
}

func (s *Server) handlePostAuth(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body authSubmission
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.TunnelID != id {
		writeError(w, http.StatusBadRequest, "tunnel_id does not match URL")
		return
	}

	if err := s.Registry.SubmitAuth(id, body.Response); err != nil {
		// Both "no such tunnel" and "no pending slot" surface as 400 here,
		// matching spec.md §4.7's table for this endpoint (it lists no
		// 404 case at all).
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "submitted"})
}
