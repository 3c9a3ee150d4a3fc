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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/net-relay/net-relay/internal/netrelay/config"
	"github.com/net-relay/net-relay/internal/netrelay/policy"
	"github.com/net-relay/net-relay/internal/netrelay/registry"
	"github.com/net-relay/net-relay/internal/netrelay/session"
)

func newTestHandler(t *testing.T, authEnabled bool) *Handler {
	t.Helper()
	cfg := config.Default()
	cfg.Security.AuthEnabled = authEnabled
	if authEnabled {
		cfg.Security.Users = nil
	}
	return &Handler{
		Policy:   policy.New(cfg, ""),
		Registry: registry.New(10, time.Hour),
		Sessions: session.New(time.Hour),
	}
}

func decodeEnvelope(t *testing.T, body []byte) envelope {
	t.Helper()
	var e envelope
	require.NoError(t, json.Unmarshal(body, &e))
	return e
}

func TestHealthReturnsOKWhenAuthDisabled(t *testing.T) {
	h := newTestHandler(t, false)
	router := h.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec.Body.Bytes())
	assert.True(t, env.Success)
}

func TestProtectedEndpointRejectsWithoutSessionWhenAuthEnabled(t *testing.T) {
	h := newTestHandler(t, true)
	h.Policy.AddUser("alice", "secret", "")
	router := h.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginThenAccessProtectedEndpoint(t *testing.T) {
	h := newTestHandler(t, true)
	h.Policy.AddUser("alice", "secret", "")
	router := h.Router()

	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "secret"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, session.CookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	req2 := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req2.AddCookie(cookies[0])
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestLoginFailsWithBadCredentials(t *testing.T) {
	h := newTestHandler(t, true)
	h.Policy.AddUser("alice", "secret", "")
	router := h.Router()

	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAddIPBlacklistReturnsUpdatedPolicy(t *testing.T) {
	h := newTestHandler(t, false)
	router := h.Router()

	body, _ := json.Marshal(ipListRequest{IP: "10.0.0.1"})
	req := httptest.NewRequest(http.MethodPost, "/api/config/ip/blacklist", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec.Body.Bytes())
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var ac config.AccessControl
	require.NoError(t, json.Unmarshal(data, &ac))
	assert.Contains(t, ac.IPBlacklist, "10.0.0.1")
}

func TestAuthCheckReportsCurrentState(t *testing.T) {
	h := newTestHandler(t, true)
	router := h.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/auth/check", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec.Body.Bytes())
	data, _ := json.Marshal(env.Data)
	var resp authCheckResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.True(t, resp.AuthEnabled)
	assert.False(t, resp.Authenticated)
}
