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
	"context"
	"net/http"

	"github.com/net-relay/net-relay/internal/netrelay/session"
)

type contextKey int

const usernameContextKey contextKey = iota

// requireSession enforces that every /api/* endpoint behind it requires a
// valid session when auth_enabled is true, responding 401 otherwise. Login
// handlers are registered outside this group entirely, so no path
// allowlist is needed here.
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.Policy.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(session.CookieName)
		if err != nil {
			fail(w, r, http.StatusUnauthorized, "Authentication required")
			return
		}
		rec, ok := h.Sessions.Lookup(cookie.Value)
		if !ok {
			fail(w, r, http.StatusUnauthorized, "Authentication required")
			return
		}

		ctx := context.WithValue(r.Context(), usernameContextKey, rec.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
