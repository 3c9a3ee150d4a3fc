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

// Package socks5srv implements a SOCKS5 (RFC 1928) proxy listener with
// RFC 1929 username/password authentication, policy enforcement and
// connection-registry bookkeeping.
package socks5srv

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/things-go/go-socks5/statute"

	"github.com/net-relay/net-relay/internal/netrelay/access"
	"github.com/net-relay/net-relay/internal/netrelay/relay"
	"github.com/net-relay/net-relay/internal/netrelay/registry"
	"github.com/net-relay/net-relay/internal/netrelay/upstream"
)

// Authenticator verifies RFC1929 credentials. Satisfied by
// *credentials.Store, and by *policy.Store through the supervisor's
// credentialAdapter.
type Authenticator interface {
	Verify(username, password string) bool
}

// Policy resolves access decisions, whether auth is required and the
// connection limits, kept as a narrow interface so this package does not
// import the policy package directly.
type Policy interface {
	Evaluator() *access.Evaluator
	AuthEnabled() bool
	MaxConnections() int
	UserLimits(username string) (connectionLimit uint32, bandwidthLimit uint64, ok bool)
}

// Server is a SOCKS5 listener bound to a shared Registry, Policy and
// Authenticator: one small struct of collaborators rather than free
// functions with long parameter lists.
type Server struct {
	Addr        string
	Auth        Authenticator
	Policy      Policy
	Registry    *registry.Registry
	Dialer      *upstream.Dialer
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// ListenAndServe binds Addr and serves SOCKS5 connections until ctx is
// canceled.
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
				logger.Warn("socks5 accept failed", "error", err)
				continue
			}
		}
		go s.handle(conn, logger)
	}
}

func (s *Server) handle(conn net.Conn, logger *slog.Logger) {
	defer conn.Close()
	clientAddr := conn.RemoteAddr().String()
	r := bufio.NewReader(conn)

	methods, err := readGreeting(r)
	if err != nil {
		logger.Debug("socks5 greeting failed", "client", clientAddr, "error", err)
		return
	}

	username, ok := s.negotiateAuth(r, conn, methods)
	if !ok {
		return
	}

	req, err := readRequest(r)
	if err != nil {
		if errors.Is(err, errUnsupportedAddressType) {
			writeReply(conn, RepAddressTypeNotSupported, nil)
			return
		}
		logger.Debug("socks5 request parse failed", "client", clientAddr, "error", err)
		return
	}
	if req.Cmd != cmdConnect {
		writeReply(conn, RepCommandNotSupported, nil)
		return
	}

	clientHost, _, _ := net.SplitHostPort(clientAddr)
	decision := s.Policy.Evaluator().Check(clientHost, req.Host, req.Port, "")
	if !decision.Allowed {
		logger.Info("socks5 connection denied", "client", clientAddr, "target", req.Host, "reason", decision.Reason)
		writeReply(conn, RepConnectionNotAllowed, nil)
		return
	}

	if !s.withinConnectionLimits(username) {
		logger.Info("socks5 connection rejected", "client", clientAddr, "user", username, "reason", "connection_limit")
		writeReply(conn, RepGeneralServerFailure, nil)
		return
	}

	id := s.Registry.Register("socks5", clientAddr, req.Host, req.Port, username)

	dialCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	upstreamConn, err := s.Dialer.Dial(dialCtx, net.JoinHostPort(req.Host, strconv.Itoa(req.Port)))
	if err != nil {
		logger.Info("socks5 upstream dial failed", "client", clientAddr, "target", req.Host, "error", err)
		writeReply(conn, replyCodeFor(err), nil)
		s.Registry.Close(id, "dial_error")
		return
	}
	defer upstreamConn.Close()

	if err := writeReply(conn, RepSuccess, upstreamConn.LocalAddr()); err != nil {
		s.Registry.Close(id, "reply_write_error")
		return
	}

	s.Registry.SetState(id, registry.StateActive)
	reason := relay.Run(conn, upstreamConn, id, s.Registry, s.IdleTimeout)
	s.Registry.Close(id, reason)
}

// negotiateAuth performs the SOCKS5 method-selection exchange and, when
// username/password auth is required, the RFC1929 sub-negotiation using
// things-go/go-socks5's statute package for the wire-format identifiers.
// Returns the authenticated username ("" when auth is disabled) and
// whether negotiation succeeded.
func (s *Server) negotiateAuth(r *bufio.Reader, w net.Conn, methods []byte) (string, bool) {
	if !s.Policy.AuthEnabled() {
		if !containsMethod(methods, authMethodNoAuth) {
			writeMethodSelection(w, authMethodNoAcceptable)
			return "", false
		}
		if err := writeMethodSelection(w, authMethodNoAuth); err != nil {
			return "", false
		}
		return "", true
	}

	if !containsMethod(methods, authMethodUserPass) {
		writeMethodSelection(w, authMethodNoAcceptable)
		return "", false
	}
	if err := writeMethodSelection(w, authMethodUserPass); err != nil {
		return "", false
	}

	upReq, err := statute.ParseUserPassRequest(r)
	if err != nil {
		return "", false
	}
	username := string(upReq.User)
	password := string(upReq.Pass)

	if !s.Auth.Verify(username, password) {
		w.Write([]byte{statute.UserPassAuthVersion, statute.AuthFailure})
		return "", false
	}
	if _, err := w.Write([]byte{statute.UserPassAuthVersion, statute.AuthSuccess}); err != nil {
		return "", false
	}
	return username, true
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

func containsMethod(methods []byte, target byte) bool {
	for _, m := range methods {
		if m == target {
			return true
		}
	}
	return false
}

func replyCodeFor(err error) ReplyCode {
	var dialErr *upstream.DialError
	if errors.As(err, &dialErr) {
		switch dialErr.Reason {
		case upstream.ReasonNetworkUnreachable:
			return RepNetworkUnreachable
		case upstream.ReasonHostUnreachable:
			return RepHostUnreachable
		case upstream.ReasonConnectionRefused:
			return RepConnectionRefused
		case upstream.ReasonTTLExpired:
			return RepTTLExpired
		case upstream.ReasonTimeout:
			return RepHostUnreachable
		}
	}
	return RepGeneralServerFailure
}
