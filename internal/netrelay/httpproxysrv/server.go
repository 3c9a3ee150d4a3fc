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

// Package httpproxysrv implements an HTTP/1.1 proxy listener supporting
// CONNECT tunneling and absolute-URI forwarding, with Proxy-Authorization
// and policy enforcement.
//
// Requests are parsed with net/http's parser but serialized onto raw
// net.Conn by hand rather than dispatched through net/http.Transport,
// because hop-by-hop header stripping, a bounded header size and
// byte-counted relay into the connection registry all need hooks
// net/http.Transport does not expose.
package httpproxysrv

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/net-relay/net-relay/internal/netrelay/access"
	"github.com/net-relay/net-relay/internal/netrelay/relay"
	"github.com/net-relay/net-relay/internal/netrelay/registry"
	"github.com/net-relay/net-relay/internal/netrelay/upstream"
)

const maxHeaderBytes = 16 * 1024

// Authenticator verifies Proxy-Authorization credentials.
type Authenticator interface {
	Verify(username, password string) bool
}

// Policy resolves access decisions and whether auth is required.
type Policy interface {
	Evaluator() *access.Evaluator
	AuthEnabled() bool
	MaxConnections() int
	UserLimits(username string) (connectionLimit uint32, bandwidthLimit uint64, ok bool)
}

// Server is an HTTP/1.1 proxy listener, structured like socks5srv.Server
// so the two protocol front-ends share the same collaborator shape.
type Server struct {
	Addr        string
	Auth        Authenticator
	Policy      Policy
	Registry    *registry.Registry
	Dialer      *upstream.Dialer
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Warn("http proxy accept failed", "error", err)
				continue
			}
		}
		go s.handle(conn, logger)
	}
}

func (s *Server) handle(conn net.Conn, logger *slog.Logger) {
	defer conn.Close()
	clientAddr := conn.RemoteAddr().String()
	clientHost, _, _ := net.SplitHostPort(clientAddr)

	// The request line and headers may use at most maxHeaderBytes; the
	// limit is lifted once they are parsed so the body can be read.
	lr := &io.LimitedReader{R: conn, N: maxHeaderBytes}
	br := bufio.NewReaderSize(lr, maxHeaderBytes)
	req, err := http.ReadRequest(br)
	if err != nil {
		writeError(conn, http.StatusBadRequest, "Malformed request")
		return
	}
	lr.N = 1<<63 - 1

	username, authOK := s.authenticate(req)
	if !authOK {
		writeProxyAuthRequired(conn)
		return
	}

	if req.Method == http.MethodConnect {
		s.handleConnect(conn, req, clientAddr, clientHost, username, logger)
		return
	}
	s.handleForward(conn, req, clientAddr, clientHost, username, logger)
}

func (s *Server) authenticate(req *http.Request) (string, bool) {
	if !s.Policy.AuthEnabled() {
		return "", true
	}
	header := req.Header.Get("Proxy-Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", false
	}
	username, password := parts[0], parts[1]
	if !s.Auth.Verify(username, password) {
		return "", false
	}
	return username, true
}

func (s *Server) handleConnect(conn net.Conn, req *http.Request, clientAddr, clientHost, username string, logger *slog.Logger) {
	host, portStr, err := net.SplitHostPort(req.Host)
	if err != nil || portStr == "" {
		writeError(conn, http.StatusBadRequest, "Authority is not a valid host:port")
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		writeError(conn, http.StatusBadRequest, "Invalid port")
		return
	}

	decision := s.Policy.Evaluator().Check(clientHost, host, port, "")
	if !decision.Allowed {
		logger.Info("http connect denied", "client", clientAddr, "target", req.Host, "reason", decision.Reason)
		writeError(conn, http.StatusForbidden, "Denied by policy")
		return
	}

	if !s.withinConnectionLimits(username) {
		logger.Info("http connect rejected", "client", clientAddr, "user", username, "reason", "connection_limit")
		writeError(conn, http.StatusServiceUnavailable, "Connection limit exceeded")
		return
	}

	id := s.Registry.Register("http", clientAddr, host, port, username)
	dialCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	upstreamConn, err := s.Dialer.Dial(dialCtx, req.Host)
	if err != nil {
		logger.Info("http connect dial failed", "client", clientAddr, "target", req.Host, "error", err)
		writeError(conn, statusFor(err), "Failed to connect to target")
		s.Registry.Close(id, "dial_error")
		return
	}
	defer upstreamConn.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		s.Registry.Close(id, "reply_write_error")
		return
	}

	s.Registry.SetState(id, registry.StateActive)
	reason := relay.Run(conn, upstreamConn, id, s.Registry, s.IdleTimeout)
	s.Registry.Close(id, reason)
}

func (s *Server) handleForward(conn net.Conn, req *http.Request, clientAddr, clientHost, username string, logger *slog.Logger) {
	if req.URL.Host == "" {
		writeError(conn, http.StatusBadRequest, "Must specify an absolute request target")
		return
	}
	host, portStr, err := net.SplitHostPort(req.URL.Host)
	if err != nil {
		host = req.URL.Host
		portStr = defaultPortFor(req.URL.Scheme)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		writeError(conn, http.StatusBadRequest, "Invalid port")
		return
	}

	decision := s.Policy.Evaluator().Check(clientHost, host, port, req.URL.Path)
	if !decision.Allowed {
		logger.Info("http forward denied", "client", clientAddr, "target", req.URL.Host, "reason", decision.Reason)
		writeError(conn, http.StatusForbidden, "Denied by policy")
		return
	}

	if !s.withinConnectionLimits(username) {
		logger.Info("http forward rejected", "client", clientAddr, "user", username, "reason", "connection_limit")
		writeError(conn, http.StatusServiceUnavailable, "Connection limit exceeded")
		return
	}

	id := s.Registry.Register("http", clientAddr, host, port, username)
	dialCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	upstreamConn, err := s.Dialer.Dial(dialCtx, net.JoinHostPort(host, portStr))
	if err != nil {
		logger.Info("http forward dial failed", "client", clientAddr, "target", req.URL.Host, "error", err)
		writeError(conn, statusFor(err), "Failed to fetch destination")
		s.Registry.Close(id, "dial_error")
		return
	}
	defer upstreamConn.Close()
	s.Registry.SetState(id, registry.StateActive)

	if err := writeRequest(upstreamConn, req, func(n uint64) { s.Registry.AddSent(id, n) }); err != nil {
		s.Registry.Close(id, "error: "+err.Error())
		return
	}

	upstreamBr := bufio.NewReader(upstreamConn)
	resp, err := http.ReadResponse(upstreamBr, req)
	if err != nil {
		writeError(conn, http.StatusBadGateway, "Upstream returned an invalid response")
		s.Registry.Close(id, "error: "+err.Error())
		return
	}

	if err := writeResponse(conn, resp, func(n uint64) { s.Registry.AddRecv(id, n) }); err != nil {
		s.Registry.Close(id, "error: "+err.Error())
		return
	}
	s.Registry.Close(id, "request_complete")
}

// withinConnectionLimits reports whether a new connection may be registered,
// checking the process-wide max_connections and the user's connection_limit.
func (s *Server) withinConnectionLimits(username string) bool {
	if max := s.Policy.MaxConnections(); max > 0 && s.Registry.TotalActive() >= max {
		return false
	}
	if username != "" {
		if limit, _, ok := s.Policy.UserLimits(username); ok && limit > 0 && s.Registry.ActiveCount(username) >= int(limit) {
			return false
		}
	}
	return true
}

func defaultPortFor(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func writeError(conn net.Conn, status int, message string) {
	body := message + "\n"
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}

func writeProxyAuthRequired(conn net.Conn) {
	body := "Proxy authentication required\n"
	fmt.Fprintf(conn, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"net-relay\"\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
}

func statusFor(err error) int {
	var dialErr *upstream.DialError
	if errors.As(err, &dialErr) && dialErr.Reason == upstream.ReasonTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
