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

// Package supervisor binds the SOCKS5, HTTP proxy and management API
// listeners to shared state and runs them until shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/net-relay/net-relay/internal/netrelay/api"
	"github.com/net-relay/net-relay/internal/netrelay/housekeeping"
	"github.com/net-relay/net-relay/internal/netrelay/httpproxysrv"
	"github.com/net-relay/net-relay/internal/netrelay/policy"
	"github.com/net-relay/net-relay/internal/netrelay/registry"
	"github.com/net-relay/net-relay/internal/netrelay/session"
	"github.com/net-relay/net-relay/internal/netrelay/socks5srv"
	"github.com/net-relay/net-relay/internal/netrelay/upstream"
)

// DrainTimeout bounds how long Run waits, after shutdown is requested, for
// the management API server's in-flight requests and the housekeeping
// scheduler to finish. Proxied SOCKS5/HTTP connections already in flight
// are neither waited for nor closed by Run.
const DrainTimeout = 10 * time.Second

// Supervisor owns the three listeners and the housekeeping scheduler.
type Supervisor struct {
	Policy   *policy.Store
	Registry *registry.Registry
	Sessions *session.Store
	Logger   *slog.Logger
}

// Run binds all listeners and blocks until ctx is canceled or a listener
// fails, then drains for up to DrainTimeout.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	server := s.Policy.Server()
	limits := s.Policy.Limits()
	dialer := upstream.New(time.Duration(limits.ConnectTimeoutSecs) * time.Second)
	idleTimeout := time.Duration(limits.IdleTimeoutSecs) * time.Second

	auth := credentialAdapter{s.Policy}

	socksSrv := &socks5srv.Server{
		Addr:        net.JoinHostPort(server.Host, strconv.Itoa(server.SocksPort)),
		Auth:        auth,
		Policy:      s.Policy,
		Registry:    s.Registry,
		Dialer:      dialer,
		IdleTimeout: idleTimeout,
		Logger:      logger.With("component", "socks5"),
	}
	httpSrv := &httpproxysrv.Server{
		Addr:        net.JoinHostPort(server.Host, strconv.Itoa(server.HTTPPort)),
		Auth:        auth,
		Policy:      s.Policy,
		Registry:    s.Registry,
		Dialer:      dialer,
		IdleTimeout: idleTimeout,
		Logger:      logger.With("component", "httpproxy"),
	}
	apiHandler := &api.Handler{Policy: s.Policy, Registry: s.Registry, Sessions: s.Sessions}
	apiSrv := &http.Server{
		Addr:    net.JoinHostPort(server.Host, strconv.Itoa(server.APIPort)),
		Handler: apiHandler.Router(),
	}

	sched, err := housekeeping.NewScheduler(s.Registry, statsRetention(s.Policy), s.Sessions, logger.With("component", "housekeeping"))
	if err != nil {
		return fmt.Errorf("supervisor: create housekeeping scheduler: %w", err)
	}
	if err := sched.Start(time.Minute); err != nil {
		return fmt.Errorf("supervisor: start housekeeping scheduler: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	failed := make(chan error, 3)
	go func() { failed <- runNamed("socks5", socksSrv.ListenAndServe(runCtx)) }()
	go func() { failed <- runNamed("http proxy", httpSrv.ListenAndServe(runCtx)) }()
	go func() {
		logger.Info("api server listening", "addr", apiSrv.Addr)
		err := apiSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		failed <- runNamed("api", err)
	}()

	logger.Info("net-relay is running",
		"socks5_addr", socksSrv.Addr,
		"http_addr", httpSrv.Addr,
		"api_addr", apiSrv.Addr,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-failed:
		if runErr != nil {
			logger.Error("listener failed", "error", runErr)
		}
	}

	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer drainCancel()
	apiSrv.Shutdown(drainCtx)
	sched.Stop(drainCtx)

	return runErr
}

func runNamed(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func statsRetention(p *policy.Store) time.Duration {
	// Stats is read through Snapshot to avoid adding a dedicated Stats
	// getter to policy.Store for a single caller.
	stats := p.Snapshot().Stats
	if stats.RetentionHours <= 0 {
		return 0
	}
	return time.Duration(stats.RetentionHours) * time.Hour
}

// credentialAdapter adapts policy.Store's VerifyUser to the Verify method
// name socks5srv.Authenticator and httpproxysrv.Authenticator each expect,
// so neither protocol package needs to match policy's naming.
type credentialAdapter struct{ policy *policy.Store }

func (a credentialAdapter) Verify(username, password string) bool {
	return a.policy.VerifyUser(username, password)
}

