package api

import (
	"net/http"
	"net/mail"
	"time"

	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/types"
)

type userView struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	Name        string         `json:"name,omitempty"`
	Plan        types.PlanType `json:"plan"`
	PlanExpires *string        `json:"planExpires,omitempty"`
	IsAdmin     bool           `json:"isAdmin,omitempty"`
}

func viewUser(u *types.User) userView {
	v := userView{
		ID:      u.ID,
		Email:   u.Email,
		Name:    u.Name,
		Plan:    u.Plan,
		IsAdmin: u.IsAdmin,
	}
	if u.PlanExpires != nil {
		s := u.PlanExpires.UTC().Format(time.RFC3339)
		v.PlanExpires = &s
	}
	return v
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user, pair, err := s.auth.Signup(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":        pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"user":         viewUser(user),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user, pair, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":        pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"user":         viewUser(user),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":        pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if err := s.auth.LogoutAll(r.Context(), user.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	writeJSON(w, http.StatusOK, viewUser(user))
}

func (s *Server) handleClaimPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan types.PlanType `json:"plan"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user := userFrom(r.Context())
	updated, err := s.auth.ClaimPlan(r.Context(), user.ID, req.Plan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(updated))
}

func (s *Server) handleJoinWaitlist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		s.writeError(w, r, errdefs.Validation("invalid email address"))
		return
	}

	if err := s.store.JoinWaitlist(r.Context(), req.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"joined": true})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	info, err := s.admission.UserInfo(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
