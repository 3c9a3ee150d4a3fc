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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/net-relay/net-relay/internal/netrelay/policy"
	"github.com/net-relay/net-relay/internal/netrelay/registry"
	"github.com/net-relay/net-relay/internal/netrelay/session"
)

// Version is reported by GET /api/health, overridable via ldflags at
// build time.
var Version = "dev"

// Handler holds the collaborators the management API reads and mutates,
// mirroring the socks5srv/httpproxysrv convention of one small struct of
// dependencies rather than free functions closing over globals.
type Handler struct {
	Policy   *policy.Store
	Registry *registry.Registry
	Sessions *session.Store
}

// Router builds the chi router for the full /api surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/auth/check", h.authCheck)
		r.Post("/auth/login", h.login)
		r.Post("/auth/logout", h.logout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireSession)

			r.Get("/health", h.health)
			r.Get("/stats", h.getStats)
			r.Get("/connections", h.getConnections)
			r.Get("/history", h.getHistory)
			r.Get("/stats/users", h.getUserStats)

			r.Get("/config", h.getConfig)
			r.Get("/config/access-control", h.getAccessControl)
			r.Post("/config/access-control", h.updateAccessControl)

			r.Post("/config/ip/blacklist", h.addIPBlacklist)
			r.Delete("/config/ip/blacklist", h.removeIPBlacklist)
			r.Post("/config/ip/whitelist", h.addIPWhitelist)
			r.Delete("/config/ip/whitelist", h.removeIPWhitelist)

			r.Post("/config/rules", h.addRule)
			r.Delete("/config/rules", h.removeRule)

			r.Get("/config/security", h.getSecurity)
			r.Put("/config/security", h.updateSecurity)
			r.Post("/config/users", h.addUser)
			r.Put("/config/users", h.updateUser)
			r.Delete("/config/users", h.removeUser)

			r.Get("/config/server", h.getServerConfig)
			r.Put("/config/server", h.updateServerConfig)
		})
	})
	return r
}
