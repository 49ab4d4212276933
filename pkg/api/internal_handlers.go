package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gentmat/bore-control/pkg/types"
)

func (s *Server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	verdict, err := s.tokens.Validate(r.Context(), req.APIKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleTunnelConnected(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RemotePort int    `json:"remotePort"`
		PublicURL  string `json:"publicUrl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	inst, err := s.instances.TunnelConnected(r.Context(), chi.URLParam(r, "instanceID"), req.PublicURL, req.RemotePort)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": inst.Status})
}

func (s *Server) handleTunnelDisconnected(w http.ResponseWriter, r *http.Request) {
	inst, err := s.instances.TunnelDisconnected(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": inst.Status})
}

func (s *Server) handleRegisterRelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string  `json:"id"`
		Host       string  `json:"host"`
		Port       int     `json:"port"`
		Location   string  `json:"location"`
		MaxTunnels int     `json:"maxTunnels"`
		MaxBWMbps  float64 `json:"maxBwMbps"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	relay := &types.Relay{
		ID:           req.ID,
		Host:         req.Host,
		Port:         req.Port,
		Location:     req.Location,
		MaxTunnels:   req.MaxTunnels,
		MaxBandwidth: req.MaxBWMbps,
	}
	if err := s.relays.Register(r.Context(), relay); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"registered": true})
}

func (s *Server) handleRelayLoad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActiveTunnels int     `json:"activeTunnels"`
		BWMbps        float64 `json:"bwMbps"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	relayID := chi.URLParam(r, "relayID")
	if err := s.relays.ReportLoad(r.Context(), relayID, req.ActiveTunnels, req.BWMbps); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"fleet":    s.relays.FleetStats(),
		"breakers": s.relays.BreakerStats(),
	})
}
