// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/toeirei/poolgate/internal/core"
	"github.com/toeirei/poolgate/internal/keys"
	"github.com/toeirei/poolgate/internal/model"
)

const maxBody = 1 << 20

// keyView is an API key as listed to administrators.
type keyView struct {
	Name             string                `json:"name"`
	Key              string                `json:"key"`
	KeyFull          string                `json:"key_full"`
	AccessMode       model.AccessMode      `json:"access_mode"`
	AllowedEndpoints []string              `json:"allowed_endpoints"`
	DeniedEndpoints  []string              `json:"denied_endpoints"`
	PoolRestriction  model.PoolRestriction `json:"pool_restriction"`
	CreatedAt        time.Time             `json:"created_at"`
	Enabled          bool                  `json:"enabled"`
}

type createKeyRequest struct {
	Name             string                 `json:"name"`
	AccessMode       model.AccessMode       `json:"access_mode"`
	AllowedEndpoints []string               `json:"allowed_endpoints"`
	DeniedEndpoints  []string               `json:"denied_endpoints"`
	PoolRestriction  *model.PoolRestriction `json:"pool_restriction"`
	Enabled          *bool                  `json:"enabled"`
}

type createdKey struct {
	Name       string           `json:"name"`
	Key        string           `json:"key"`
	AccessMode model.AccessMode `json:"access_mode"`
	CreatedAt  time.Time        `json:"created_at"`
}

type updateKeyRequest struct {
	AccessMode       *model.AccessMode      `json:"access_mode"`
	AllowedEndpoints *[]string              `json:"allowed_endpoints"`
	DeniedEndpoints  *[]string              `json:"denied_endpoints"`
	PoolRestriction  *model.PoolRestriction `json:"pool_restriction"`
	Enabled          *bool                  `json:"enabled"`
}

type successBody struct {
	Success bool `json:"success"`
}

// accountView is the redacted account status.
type accountView struct {
	Name                string       `json:"name"`
	Username            string       `json:"username,omitempty"`
	Enabled             bool         `json:"enabled"`
	Health              model.Health `json:"health"`
	HasToken            bool         `json:"has_token"`
	LastRefreshedAt     *time.Time   `json:"last_refreshed_at,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	UseCount            uint64       `json:"use_count"`
	LastError           string       `json:"last_error,omitempty"`
}

func toAccountView(a model.Account) accountView {
	v := accountView{
		Name:                a.Name,
		Username:            a.Username,
		Enabled:             a.Enabled,
		Health:              a.Health,
		HasToken:            !a.SessionToken.IsEmpty(),
		ConsecutiveFailures: a.ConsecutiveFailures,
		UseCount:            a.UseCount,
		LastError:           a.LastError,
	}
	if !a.LastRefreshedAt.IsZero() {
		t := a.LastRefreshedAt
		v.LastRefreshedAt = &t
	}
	return v
}

type addAccountRequest struct {
	Name         string `json:"name"`
	RefreshToken string `json:"refresh_token"`
	Username     string `json:"username"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "InvalidJSON", nil)
		return false
	}
	return true
}

func (s *Server) handleListKeys(w http.ResponseWriter, _ *http.Request) {
	list := s.svc.Keys.List()
	out := make([]keyView, 0, len(list))
	for _, k := range list {
		out = append(out, keyView{
			Name:             k.Name,
			Key:              keys.MaskKey(k.Key),
			KeyFull:          k.Key,
			AccessMode:       k.AccessMode,
			AllowedEndpoints: nonNil(k.AllowedEndpoints),
			DeniedEndpoints:  nonNil(k.DeniedEndpoints),
			PoolRestriction:  k.PoolRestriction,
			CreatedAt:        k.CreatedAt,
			Enabled:          k.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !s.decode(w, r, &req) {
		return
	}
	k, err := s.svc.CreateKey(keys.CreateRequest{
		Name:             req.Name,
		AccessMode:       req.AccessMode,
		AllowedEndpoints: req.AllowedEndpoints,
		DeniedEndpoints:  req.DeniedEndpoints,
		PoolRestriction:  req.PoolRestriction,
		Enabled:          req.Enabled,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"key":     createdKey{Name: k.Name, Key: k.Key, AccessMode: k.AccessMode, CreatedAt: k.CreatedAt},
	})
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var req updateKeyRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.svc.UpdateKey(r.PathValue("name"), keys.Update{
		AccessMode:       req.AccessMode,
		AllowedEndpoints: req.AllowedEndpoints,
		DeniedEndpoints:  req.DeniedEndpoints,
		PoolRestriction:  req.PoolRestriction,
		Enabled:          req.Enabled,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successBody{Success: true})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteKey(r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successBody{Success: true})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": s.svc.Pool.ListAvailableNames()})
}

func (s *Server) handleAccountStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.svc.Pool.Snapshot()
	out := make([]accountView, 0, len(snap))
	for _, a := range snap {
		out = append(out, toAccountView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.svc.AddAccount(r.Context(), core.AddAccountRequest{
		Name:         req.Name,
		RefreshToken: req.RefreshToken,
		Username:     req.Username,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, successBody{Success: true})
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveAccount(r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successBody{Success: true})
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.svc.SetAccountEnabled(r.Context(), r.PathValue("name"), enabled); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, successBody{Success: true})
	}
}

func (s *Server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.svc.RefreshAccount(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	acc, err := s.svc.Pool.Get(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountView(acc))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health())
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
