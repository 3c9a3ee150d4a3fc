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

// Package relay implements component G: the concurrent bidirectional
// byte-copy loop between a client socket and an upstream socket, with live
// counters flowing into the connection registry and an idle-timeout
// watchdog.
package relay

import (
	"io"
	"net"
	"time"

	"github.com/net-relay/net-relay/internal/ddltimer"
)

const bufSize = 16 * 1024

// Counters receives byte-count updates as the relay copies data. It is
// satisfied by *registry.Registry, scoped down to avoid an import cycle and
// to keep this package testable without the registry.
type Counters interface {
	AddSent(id string, n uint64)
	AddRecv(id string, n uint64)
}

// Run copies bytes between client and upstream in both directions until
// either side reaches EOF or errors. idleTimeout <= 0 disables the idle
// watchdog. Returns the close reason ("client_eof", "upstream_eof",
// "idle", or an error-derived string).
func Run(client, upstreamConn net.Conn, id string, counters Counters, idleTimeout time.Duration) string {
	timer := ddltimer.New()
	defer timer.Stop()
	if idleTimeout > 0 {
		timer.SetDeadline(time.Now().Add(idleTimeout))
	}

	done := make(chan struct{})
	reason := make(chan string, 2)

	go func() {
		n, err := copyLoop(upstreamConn, client, func(n uint64) {
			counters.AddSent(id, n)
			if idleTimeout > 0 {
				timer.SetDeadline(time.Now().Add(idleTimeout))
			}
		})
		_ = n
		closeWriteIfPossible(upstreamConn)
		reason <- closeReasonFor("client_eof", err)
	}()

	go func() {
		n, err := copyLoop(client, upstreamConn, func(n uint64) {
			counters.AddRecv(id, n)
			if idleTimeout > 0 {
				timer.SetDeadline(time.Now().Add(idleTimeout))
			}
		})
		_ = n
		closeWriteIfPossible(client)
		reason <- closeReasonFor("upstream_eof", err)
	}()

	go func() {
		if idleTimeout > 0 {
			select {
			case <-timer.Timeout():
				client.Close()
				upstreamConn.Close()
			case <-done:
			}
		}
	}()

	first := <-reason
	if idleTimeout > 0 {
		select {
		case <-timer.Timeout():
			first = "idle"
		default:
		}
	}
	<-reason
	close(done)
	client.Close()
	upstreamConn.Close()
	return first
}

// copyLoop copies from src to dst in bufSize chunks, invoking onChunk after
// every successful chunk so counters update without holding any lock
// across the I/O call.
func copyLoop(dst io.Writer, src io.Reader, onChunk func(uint64)) (int64, error) {
	buf := make([]byte, bufSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if written > 0 {
				onChunk(uint64(written))
			}
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

func closeReasonFor(eofReason string, err error) string {
	if err == nil {
		return eofReason
	}
	return "error: " + err.Error()
}

// closeWriteIfPossible half-closes conn's write side if it supports it
// (e.g. *net.TCPConn), signaling EOF to the peer without tearing down the
// whole connection.
func closeWriteIfPossible(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}
