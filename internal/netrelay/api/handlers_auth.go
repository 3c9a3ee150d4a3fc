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
	"net/http"

	"github.com/go-chi/render"

	"github.com/net-relay/net-relay/internal/netrelay/session"
)

type authCheckResponse struct {
	AuthEnabled   bool   `json:"auth_enabled"`
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
}

// authCheck serves GET /api/auth/check without requiring a session.
func (h *Handler) authCheck(w http.ResponseWriter, r *http.Request) {
	resp := authCheckResponse{AuthEnabled: h.Policy.AuthEnabled()}
	if resp.AuthEnabled {
		if cookie, err := r.Cookie(session.CookieName); err == nil {
			if rec, ok := h.Sessions.Lookup(cookie.Value); ok {
				resp.Authenticated = true
				resp.Username = rec.Username
			}
		}
	}
	ok(w, r, resp)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Username string `json:"username"`
}

// login serves POST /api/auth/login: on valid credentials, mints a
// session and sets it as an HttpOnly, SameSite=Strict cookie.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.Policy.VerifyUser(req.Username, req.Password) {
		fail(w, r, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	rec, err := h.Sessions.Create(req.Username)
	if err != nil {
		fail(w, r, http.StatusInternalServerError, "failed to create session")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    rec.Token,
		Path:     "/",
		Expires:  rec.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	ok(w, r, loginResponse{Username: req.Username})
}

// logout serves POST /api/auth/logout.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(session.CookieName); err == nil {
		h.Sessions.Invalidate(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	ok(w, r, struct{}{})
}
