package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gentmat/bore-control/pkg/types"
)

type instanceView struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	LocalPort       int                  `json:"localPort"`
	Region          string               `json:"region,omitempty"`
	Status          types.InstanceStatus `json:"status"`
	StatusReason    string               `json:"statusReason,omitempty"`
	TunnelConnected bool                 `json:"tunnelConnected"`
	PublicURL       *string              `json:"publicUrl,omitempty"`
	RemotePort      *int                 `json:"remotePort,omitempty"`
	AssignedRelay   *string              `json:"assignedRelay,omitempty"`
	LastHeartbeat   *time.Time           `json:"lastHeartbeat,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

func viewInstance(inst *types.Instance) instanceView {
	return instanceView{
		ID:              inst.ID,
		Name:            inst.Name,
		LocalPort:       inst.LocalPort,
		Region:          inst.Region,
		Status:          inst.Status,
		StatusReason:    inst.StatusReason,
		TunnelConnected: inst.TunnelConnected,
		PublicURL:       inst.PublicURL,
		RemotePort:      inst.RemotePort,
		AssignedRelay:   inst.AssignedRelay,
		CreatedAt:       inst.CreatedAt,
		UpdatedAt:       inst.UpdatedAt,
	}
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	instances, err := s.instances.List(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]instanceView, 0, len(instances))
	for _, inst := range instances {
		view := viewInstance(inst)
		if ts, ok := s.health.LastSeen(r.Context(), inst.ID); ok {
			view.LastHeartbeat = &ts
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": views})
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string  `json:"name"`
		LocalPort     int     `json:"local_port"`
		Region        string  `json:"region"`
		PreferredHost *string `json:"server_host"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user := userFrom(r.Context())
	inst, err := s.instances.Create(r.Context(), user.ID, req.Name, req.LocalPort, req.Region, req.PreferredHost)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewInstance(inst))
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	inst, err := s.instances.Get(r.Context(), user.ID, chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := viewInstance(inst)
	if ts, ok := s.health.LastSeen(r.Context(), inst.ID); ok {
		view.LastHeartbeat = &ts
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRenameInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user := userFrom(r.Context())
	inst, err := s.instances.Rename(r.Context(), user.ID, chi.URLParam(r, "instanceID"), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewInstance(inst))
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if err := s.instances.Delete(r.Context(), user.ID, chi.URLParam(r, "instanceID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	info, err := s.instances.Connect(r.Context(), user, chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if _, err := s.instances.Disconnect(r.Context(), user.ID, chi.URLParam(r, "instanceID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VSCodeResponsive  *bool    `json:"vscode_responsive"`
		LastActivityEpoch *int64   `json:"last_activity"`
		CPUPct            *float64 `json:"cpu_usage"`
		MemBytes          *int64   `json:"memory_usage"`
		HasCodeServer     bool     `json:"has_code_server"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user := userFrom(r.Context())
	inst, err := s.health.Heartbeat(r.Context(), user.ID, chi.URLParam(r, "instanceID"), &types.HealthSample{
		VSCodeResponsive:  req.VSCodeResponsive,
		LastActivityEpoch: req.LastActivityEpoch,
		CPUPct:            req.CPUPct,
		MemBytes:          req.MemBytes,
		HasCodeServer:     req.HasCodeServer,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  inst.Status,
		"reason":  inst.StatusReason,
	})
}

func (s *Server) handleStatusHistory(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	instanceID := chi.URLParam(r, "instanceID")
	if _, err := s.instances.Get(r.Context(), user.ID, instanceID); err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := s.store.ListStatusHistory(r.Context(), instanceID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	type entryView struct {
		Timestamp time.Time            `json:"timestamp"`
		Status    types.InstanceStatus `json:"status"`
		Reason    string               `json:"reason,omitempty"`
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{Timestamp: e.Timestamp, Status: e.Status, Reason: e.Reason})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": views})
}

func (s *Server) handleInstanceHealth(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	sample, err := s.health.Latest(r.Context(), user.ID, chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":         sample.Timestamp,
		"vscode_responsive": sample.VSCodeResponsive,
		"last_activity":     sample.LastActivityEpoch,
		"cpu_usage":         sample.CPUPct,
		"memory_usage":      sample.MemBytes,
		"has_code_server":   sample.HasCodeServer,
	})
}
