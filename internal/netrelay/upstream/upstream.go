// Copyright 2024 Jigsaw Operations LLC
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

// Package upstream resolves and dials proxy targets on behalf of both the
// SOCKS5 and HTTP servers, sharing a single bounded-timeout connect path.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/net-relay/net-relay/transport"
	"github.com/net-relay/net-relay/transport/happyeyeballs"
)

// Dialer connects to proxy targets, bounding the total time spent
// resolving and connecting.
type Dialer struct {
	inner   transport.StreamDialer
	timeout time.Duration
}

// New builds a Dialer with the given per-connection timeout.
func New(timeout time.Duration) *Dialer {
	return &Dialer{
		inner:   &happyeyeballs.StreamDialer{},
		timeout: timeout,
	}
}

// Reason classifies a dial failure so callers can map it to a protocol-level
// error code (a SOCKS REP byte or an HTTP status).
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonNetworkUnreachable
	ReasonHostUnreachable
	ReasonConnectionRefused
	ReasonTTLExpired
	ReasonTimeout
)

// DialError wraps a dial failure with its classification.
type DialError struct {
	Reason Reason
	Err    error
}

func (e *DialError) Error() string { return e.Err.Error() }
func (e *DialError) Unwrap() error { return e.Err }

// Dial resolves and connects to addr ("host:port"), bounding the whole
// operation by the Dialer's configured timeout.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := d.inner.Dial(ctx, addr)
	if err != nil {
		return nil, classify(err)
	}
	return conn, nil
}

func classify(err error) *DialError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &DialError{Reason: ReasonTimeout, Err: fmt.Errorf("connect timed out: %w", err)}
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return &DialError{Reason: ReasonConnectionRefused, Err: err}
	case errors.Is(err, syscall.ENETUNREACH):
		return &DialError{Reason: ReasonNetworkUnreachable, Err: err}
	case errors.Is(err, syscall.EHOSTUNREACH):
		return &DialError{Reason: ReasonHostUnreachable, Err: err}
	case errors.Is(err, syscall.ETIMEDOUT):
		return &DialError{Reason: ReasonTimeout, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return &DialError{Reason: ReasonHostUnreachable, Err: err}
		}
	}
	return &DialError{Reason: ReasonUnknown, Err: err}
}
