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

package supervisor

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/net-relay/net-relay/internal/netrelay/config"
	"github.com/net-relay/net-relay/internal/netrelay/policy"
	"github.com/net-relay/net-relay/internal/netrelay/registry"
	"github.com/net-relay/net-relay/internal/netrelay/session"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRunBindsAllListenersAndShutsDownOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.SocksPort = freePort(t)
	cfg.Server.HTTPPort = freePort(t)
	cfg.Server.APIPort = freePort(t)
	cfg.Limits.ConnectTimeoutSecs = 5
	cfg.Limits.IdleTimeoutSecs = 30

	sup := &Supervisor{
		Policy:   policy.New(cfg, ""),
		Registry: registry.New(10, time.Hour),
		Sessions: session.New(time.Hour),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	apiAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.APIPort))

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", apiAddr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + apiAddr + "/api/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
