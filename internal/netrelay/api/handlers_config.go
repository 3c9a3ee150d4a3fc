// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/net-relay/net-relay/internal/netrelay/config"
	"github.com/net-relay/net-relay/internal/netrelay/policy"
)

// getConfig serves GET /api/config, returning the full config snapshot.
func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	ok(w, r, h.Policy.Snapshot())
}

func (h *Handler) getAccessControl(w http.ResponseWriter, r *http.Request) {
	ok(w, r, h.Policy.Snapshot().AccessControl)
}

func (h *Handler) updateAccessControl(w http.ResponseWriter, r *http.Request) {
	var ac config.AccessControl
	if err := render.DecodeJSON(r.Body, &ac); err != nil {
		fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := h.Policy.SetAllowByDefault(ac.AllowByDefault)
	if err != nil {
		fail(w, r, http.StatusInternalServerError, "failed to save: "+err.Error())
		return
	}
	ok(w, r, updated)
}

type ipListRequest struct {
	IP string `json:"ip"`
}

func (h *Handler) addIPBlacklist(w http.ResponseWriter, r *http.Request) { h.mutateIPList(w, r, "blacklist", true) }
func (h *Handler) removeIPBlacklist(w http.ResponseWriter, r *http.Request) {
	h.mutateIPList(w, r, "blacklist", false)
}
func (h *Handler) addIPWhitelist(w http.ResponseWriter, r *http.Request) { h.mutateIPList(w, r, "whitelist", true) }
func (h *Handler) removeIPWhitelist(w http.ResponseWriter, r *http.Request) {
	h.mutateIPList(w, r, "whitelist", false)
}

func (h *Handler) mutateIPList(w http.ResponseWriter, r *http.Request, list string, add bool) {
	var req ipListRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil || req.IP == "" {
		fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	var updated config.AccessControl
	var err error
	if add {
		updated, err = h.Policy.AddIPToList(list, req.IP)
	} else {
		updated, err = h.Policy.RemoveIPFromList(list, req.IP)
	}
	if err != nil {
		fail(w, r, http.StatusInternalServerError, "failed to save: "+err.Error())
		return
	}
	ok(w, r, updated)
}

func (h *Handler) addRule(w http.ResponseWriter, r *http.Request) {
	var rule config.Rule
	if err := render.DecodeJSON(r.Body, &rule); err != nil {
		fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := h.Policy.AddRule(rule)
	if err != nil {
		fail(w, r, http.StatusInternalServerError, "failed to save: "+err.Error())
		return
	}
	ok(w, r, updated)
}

type removeRuleRequest struct {
	Index int `json:"index"`
}

func (h *Handler) removeRule(w http.ResponseWriter, r *http.Request) {
	var req removeRuleRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := h.Policy.RemoveRuleAt(req.Index)
	if err != nil {
		if errors.Is(err, policy.ErrRuleIndexOutOfRange) {
			fail(w, r, http.StatusBadRequest, err.Error())
			return
		}
		fail(w, r, http.StatusInternalServerError, "failed to save: "+err.Error())
		return
	}
	ok(w, r, updated)
}

type securityResponse struct {
	AuthEnabled bool                 `json:"auth_enabled"`
	Users       []config.PublicUser  `json:"users"`
	UserCount   int                  `json:"user_count"`
}

func (h *Handler) securitySnapshot() securityResponse {
	users := h.Policy.ListUsers()
	return securityResponse{
		AuthEnabled: h.Policy.AuthEnabled(),
		Users:       users,
		UserCount:   len(users),
	}
}

func (h *Handler) getSecurity(w http.ResponseWriter, r *http.Request) {
	ok(w, r, h.securitySnapshot())
}

type updateSecurityRequest struct {
	AuthEnabled *bool `json:"auth_enabled"`
}

func (h *Handler) updateSecurity(w http.ResponseWriter, r *http.Request) {
	var req updateSecurityRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AuthEnabled != nil {
		if err := h.Policy.SetSecurity(*req.AuthEnabled); err != nil {
			fail(w, r, http.StatusInternalServerError, "failed to save: "+err.Error())
			return
		}
	}
	ok(w, r, h.securitySnapshot())
}

type addUserRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Description string `json:"description"`
	Enabled     *bool  `json:"enabled"`
}

func (h *Handler) addUser(w http.ResponseWriter, r *http.Request) {
	var req addUserRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil || req.Username == "" || req.Password == "" {
		fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := h.Policy.AddUser(req.Username, req.Password, req.Description); err != nil {
		ok(w, r, h.securitySnapshot())
		return
	}
	if req.Enabled != nil && !*req.Enabled {
		enabled := false
		h.Policy.UpdateUser(req.Username, nil, nil, &enabled, nil, nil)
	}
	ok(w, r, h.securitySnapshot())
}

type updateUserRequest struct {
	Username       string  `json:"username"`
	Password       *string `json:"password"`
	Enabled        *bool   `json:"enabled"`
	Description    *string `json:"description"`
	BandwidthLimit *uint64 `json:"bandwidth_limit"`
	ConnectionLimit *uint32 `json:"connection_limit"`
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil || req.Username == "" {
		fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	h.Policy.UpdateUser(req.Username, req.Password, req.Description, req.Enabled, req.BandwidthLimit, req.ConnectionLimit)
	ok(w, r, h.securitySnapshot())
}

type removeUserRequest struct {
	Username string `json:"username"`
}

func (h *Handler) removeUser(w http.ResponseWriter, r *http.Request) {
	var req removeUserRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil || req.Username == "" {
		fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	h.Policy.RemoveUser(req.Username)
	ok(w, r, h.securitySnapshot())
}

type serverConfigResponse struct {
	config.Server
	RequiresRestart bool `json:"requires_restart"`
}

func (h *Handler) getServerConfig(w http.ResponseWriter, r *http.Request) {
	ok(w, r, serverConfigResponse{Server: h.Policy.Server()})
}

func (h *Handler) updateServerConfig(w http.ResponseWriter, r *http.Request) {
	var server config.Server
	if err := render.DecodeJSON(r.Body, &server); err != nil {
		fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := h.Policy.SetServer(server)
	if err != nil {
		fail(w, r, http.StatusInternalServerError, "failed to save: "+err.Error())
		return
	}
	ok(w, r, serverConfigResponse{Server: updated, RequiresRestart: true})
}
