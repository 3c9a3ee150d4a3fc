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

// Package registry tracks live and recently-closed proxied connections,
// with per-user and aggregate counters. It is the sole source of truth for
// the management API's stats/history surface.
package registry

import (
	"container/list"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a connection's observable lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders State by name rather than its underlying int.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Record is one proxied flow.
type Record struct {
	ID          string    `json:"id"`
	Protocol    string    `json:"protocol"` // "socks5" or "http"
	ClientAddr  string    `json:"client_addr"`
	Username    string    `json:"username,omitempty"` // empty if unauthenticated
	TargetHost  string    `json:"target_host"`
	TargetPort  int       `json:"target_port"`
	State       State     `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
	BytesSent   uint64    `json:"bytes_sent"`
	BytesRecv   uint64    `json:"bytes_received"`
	CloseReason string    `json:"close_reason,omitempty"`
}

// Aggregated holds process-wide totals.
type Aggregated struct {
	TotalConnections  uint64    `json:"total"`
	ActiveConnections uint64    `json:"active"`
	TotalBytesSent    uint64    `json:"bytes_sent"`
	TotalBytesRecv    uint64    `json:"bytes_received"`
	StartTime         time.Time `json:"start_time"`
}

// UserCounters mirrors Aggregated but keyed per username, excluding StartTime.
type UserCounters struct {
	TotalConnections  uint64 `json:"total_connections"`
	ActiveConnections uint64 `json:"active_connections"`
	TotalBytesSent    uint64 `json:"bytes_sent"`
	TotalBytesRecv    uint64 `json:"bytes_received"`
}

// UserStat is a UserCounters snapshot carrying its username, for the
// management API's aggregated.users[] array.
type UserStat struct {
	Username string `json:"username"`
	UserCounters
}

// liveEntry is the mutable, in-place record for an active connection.
// Counters are atomics so the hot byte-copy path in the relay holds the
// registry's mutex only to look the entry up, not while updating counters.
type liveEntry struct {
	rec Record // immutable fields only (ID, Protocol, ClientAddr, Username, TargetHost, TargetPort, ConnectedAt)

	state       atomic.Int32
	bytesSent   atomic.Uint64
	bytesRecv   atomic.Uint64
	closed      atomic.Bool
	closedAt    atomic.Int64 // UnixNano, 0 if not closed
	closeReason atomic.Value // string
}

func (e *liveEntry) snapshot() Record {
	r := e.rec
	r.State = State(e.state.Load())
	r.BytesSent = e.bytesSent.Load()
	r.BytesRecv = e.bytesRecv.Load()
	if ns := e.closedAt.Load(); ns != 0 {
		r.ClosedAt = time.Unix(0, ns)
	}
	if v := e.closeReason.Load(); v != nil {
		r.CloseReason = v.(string)
	}
	return r
}

type userTotals struct {
	totalConnections  atomic.Uint64
	activeConnections atomic.Int64
	totalBytesSent    atomic.Uint64
	totalBytesRecv    atomic.Uint64
}

// Registry tracks live and recently-closed proxied connections.
type Registry struct {
	startTime time.Time

	totalConnections  atomic.Uint64
	activeConnections atomic.Int64
	totalBytesSent    atomic.Uint64
	totalBytesRecv    atomic.Uint64

	mu        sync.Mutex
	live      map[string]*liveEntry
	history   *list.List // of Record, most recent at Front
	byUser    map[string]*userTotals

	historyCapacity int
	retention       time.Duration
}

// New builds a Registry with the given history bounds. retention <= 0
// disables age-based eviction, leaving it to the housekeeping package;
// Registry.Close still enforces the capacity bound inline.
func New(historyCapacity int, retention time.Duration) *Registry {
	if historyCapacity <= 0 {
		historyCapacity = 1000
	}
	return &Registry{
		startTime:       time.Now(),
		live:            make(map[string]*liveEntry),
		history:         list.New(),
		byUser:          make(map[string]*userTotals),
		historyCapacity: historyCapacity,
		retention:       retention,
	}
}

func (r *Registry) userTotalsLocked(username string) *userTotals {
	if username == "" {
		return nil
	}
	ut, ok := r.byUser[username]
	if !ok {
		ut = &userTotals{}
		r.byUser[username] = ut
	}
	return ut
}

// Register inserts a live record with zero counters and returns its ID.
func (r *Registry) Register(protocol, clientAddr, targetHost string, targetPort int, username string) string {
	id := uuid.NewString()
	entry := &liveEntry{
		rec: Record{
			ID:          id,
			Protocol:    protocol,
			ClientAddr:  clientAddr,
			Username:    username,
			TargetHost:  targetHost,
			TargetPort:  targetPort,
			ConnectedAt: time.Now(),
		},
	}
	entry.state.Store(int32(StateConnecting))

	r.mu.Lock()
	r.live[id] = entry
	ut := r.userTotalsLocked(username)
	r.mu.Unlock()

	r.totalConnections.Add(1)
	r.activeConnections.Add(1)
	if ut != nil {
		ut.totalConnections.Add(1)
		ut.activeConnections.Add(1)
	}
	return id
}

// SetState updates the connection's observable lifecycle state. No-op if
// the connection is already closed or unknown.
func (r *Registry) SetState(id string, s State) {
	r.mu.Lock()
	entry, ok := r.live[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.state.Store(int32(s))
}

// AddSent adds n bytes to the client->target counters for id.
func (r *Registry) AddSent(id string, n uint64) {
	r.mu.Lock()
	entry, ok := r.live[id]
	r.mu.Unlock()
	if !ok || n == 0 {
		return
	}
	entry.bytesSent.Add(n)
	r.totalBytesSent.Add(n)
	if entry.rec.Username != "" {
		r.mu.Lock()
		ut := r.userTotalsLocked(entry.rec.Username)
		r.mu.Unlock()
		ut.totalBytesSent.Add(n)
	}
}

// AddRecv adds n bytes to the target->client counters for id.
func (r *Registry) AddRecv(id string, n uint64) {
	r.mu.Lock()
	entry, ok := r.live[id]
	r.mu.Unlock()
	if !ok || n == 0 {
		return
	}
	entry.bytesRecv.Add(n)
	r.totalBytesRecv.Add(n)
	if entry.rec.Username != "" {
		r.mu.Lock()
		ut := r.userTotalsLocked(entry.rec.Username)
		r.mu.Unlock()
		ut.totalBytesRecv.Add(n)
	}
}

// Close stamps closed_at, decrements active, and moves the record from the
// live set into the bounded history ring. Idempotent: a second Close on
// the same id is a no-op.
func (r *Registry) Close(id string, reason string) {
	r.mu.Lock()
	entry, ok := r.live[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if !entry.closed.CompareAndSwap(false, true) {
		r.mu.Unlock()
		return
	}
	entry.state.Store(int32(StateClosed))
	entry.closedAt.Store(time.Now().UnixNano())
	entry.closeReason.Store(reason)
	delete(r.live, id)
	rec := entry.snapshot()
	r.history.PushFront(rec)
	for r.history.Len() > r.historyCapacity {
		r.history.Remove(r.history.Back())
	}
	username := rec.Username
	ut := r.userTotalsLocked(username)
	r.mu.Unlock()

	r.activeConnections.Add(-1)
	if ut != nil {
		ut.activeConnections.Add(-1)
	}
}

// ActiveCount returns the current number of live connections for username,
// used by the SOCKS5/HTTP servers to enforce per-user connection_limit.
func (r *Registry) ActiveCount(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ut, ok := r.byUser[username]
	if !ok {
		return 0
	}
	return int(ut.activeConnections.Load())
}

// TotalActive returns the total number of live connections, used to enforce
// Limits.MaxConnections.
func (r *Registry) TotalActive() int {
	return int(r.activeConnections.Load())
}

// SnapshotActive returns every live record.
func (r *Registry) SnapshotActive() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.live))
	for _, e := range r.live {
		out = append(out, e.snapshot())
	}
	return out
}

// SnapshotHistory returns up to limit closed records, most recent first.
// limit <= 0 means no limit.
func (r *Registry) SnapshotHistory(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, r.history.Len())
	for e := r.history.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Record))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// EvictOlderThan removes history entries closed before cutoff, implementing
// the age-based half of the retention bound. Intended to be driven
// periodically by internal/netrelay/housekeeping.
func (r *Registry) EvictOlderThan(cutoff time.Time) int {
	if r.retention <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for e := r.history.Back(); e != nil; {
		rec := e.Value.(Record)
		if rec.ClosedAt.After(cutoff) {
			break
		}
		prev := e.Prev()
		r.history.Remove(e)
		removed++
		e = prev
	}
	return removed
}

// Aggregated returns process-wide totals.
func (r *Registry) Aggregated() Aggregated {
	return Aggregated{
		TotalConnections:  r.totalConnections.Load(),
		ActiveConnections: uint64(r.activeConnections.Load()),
		TotalBytesSent:    r.totalBytesSent.Load(),
		TotalBytesRecv:    r.totalBytesRecv.Load(),
		StartTime:         r.startTime,
	}
}

// PerUser returns a snapshot of every user's counters.
func (r *Registry) PerUser() map[string]UserCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]UserCounters, len(r.byUser))
	for user, ut := range r.byUser {
		out[user] = UserCounters{
			TotalConnections:  ut.totalConnections.Load(),
			ActiveConnections: uint64(ut.activeConnections.Load()),
			TotalBytesSent:    ut.totalBytesSent.Load(),
			TotalBytesRecv:    ut.totalBytesRecv.Load(),
		}
	}
	return out
}

// UserStats returns every user's counters as a slice sorted by username,
// for the management API's aggregated.users[] array.
func (r *Registry) UserStats() []UserStat {
	byUser := r.PerUser()
	out := make([]UserStat, 0, len(byUser))
	for user, counters := range byUser {
		out = append(out, UserStat{Username: user, UserCounters: counters})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
