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
	"strconv"
	"time"

	"github.com/net-relay/net-relay/internal/netrelay/registry"
)

type healthResponse struct {
	Version    string `json:"version"`
	UptimeSecs int64  `json:"uptime_secs"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ok(w, r, healthResponse{Version: Version, UptimeSecs: uptimeSecs(h.Registry.Aggregated().StartTime)})
}

// aggregatedResponse is the wire shape of /api/stats's "aggregated" object;
// it differs from registry.Aggregated's field names and adds the derived
// uptime_secs and per-user breakdown.
type aggregatedResponse struct {
	Active        uint64              `json:"active"`
	Total         uint64              `json:"total"`
	BytesSent     uint64              `json:"bytes_sent"`
	BytesReceived uint64              `json:"bytes_received"`
	UptimeSecs    int64               `json:"uptime_secs"`
	Users         []registry.UserStat `json:"users"`
}

type statsResponse struct {
	Aggregated        aggregatedResponse `json:"aggregated"`
	ActiveConnections []registry.Record  `json:"active_connections"`
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	agg := h.Registry.Aggregated()
	ok(w, r, statsResponse{
		Aggregated: aggregatedResponse{
			Active:        agg.ActiveConnections,
			Total:         agg.TotalConnections,
			BytesSent:     agg.TotalBytesSent,
			BytesReceived: agg.TotalBytesRecv,
			UptimeSecs:    uptimeSecs(agg.StartTime),
			Users:         h.Registry.UserStats(),
		},
		ActiveConnections: h.Registry.SnapshotActive(),
	})
}

func uptimeSecs(startTime time.Time) int64 {
	return int64(time.Since(startTime).Seconds())
}

func (h *Handler) getConnections(w http.ResponseWriter, r *http.Request) {
	ok(w, r, h.Registry.SnapshotActive())
}

// getHistory serves GET /api/history?limit=N; an absent limit or limit=0
// means "no cap" per registry.SnapshotHistory's convention, and a negative
// or non-numeric limit is rejected with 400.
func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			fail(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	ok(w, r, h.Registry.SnapshotHistory(limit))
}

// getUserStats serves GET /api/stats/users, the per-user stats breakdown.
func (h *Handler) getUserStats(w http.ResponseWriter, r *http.Request) {
	ok(w, r, h.Registry.UserStats())
}
