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

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegisterCloseInvariants(t *testing.T) {
	r := New(1000, 0)
	id := r.Register("socks5", "1.2.3.4:5555", "example.com", 80, "")
	assert.Equal(t, 1, r.TotalActive())

	r.AddSent(id, 100)
	r.AddRecv(id, 200)

	r.Close(id, "client_eof")
	assert.Equal(t, 0, r.TotalActive())

	agg := r.Aggregated()
	assert.EqualValues(t, 1, agg.TotalConnections)
	assert.EqualValues(t, 0, agg.ActiveConnections)
	assert.EqualValues(t, 100, agg.TotalBytesSent)
	assert.EqualValues(t, 200, agg.TotalBytesRecv)

	hist := r.SnapshotHistory(0)
	assert.Len(t, hist, 1)
	assert.Equal(t, "client_eof", hist[0].CloseReason)
	assert.False(t, hist[0].ClosedAt.Before(hist[0].ConnectedAt))
}

func TestCloseIsIdempotent(t *testing.T) {
	r := New(1000, 0)
	id := r.Register("http", "1.2.3.4:5555", "example.com", 80, "")
	r.Close(id, "eof")
	r.Close(id, "eof")

	assert.Equal(t, 0, r.TotalActive())
	assert.Len(t, r.SnapshotHistory(0), 1)
}

func TestHistoryCapacityEvictsOldestFIFO(t *testing.T) {
	r := New(2, 0)
	id1 := r.Register("socks5", "a", "h1", 1, "")
	r.Close(id1, "")
	id2 := r.Register("socks5", "a", "h2", 1, "")
	r.Close(id2, "")
	id3 := r.Register("socks5", "a", "h3", 1, "")
	r.Close(id3, "")

	hist := r.SnapshotHistory(0)
	assert.Len(t, hist, 2)
	// Most recent first.
	assert.Equal(t, "h3", hist[0].TargetHost)
	assert.Equal(t, "h2", hist[1].TargetHost)
}

func TestPerUserCounters(t *testing.T) {
	r := New(1000, 0)
	id := r.Register("socks5", "a", "h1", 1, "alice")
	r.AddSent(id, 50)
	assert.Equal(t, 1, r.ActiveCount("alice"))

	byUser := r.PerUser()
	assert.EqualValues(t, 50, byUser["alice"].TotalBytesSent)
	assert.EqualValues(t, 1, byUser["alice"].ActiveConnections)

	r.Close(id, "")
	assert.Equal(t, 0, r.ActiveCount("alice"))
}

func TestEvictOlderThanRetention(t *testing.T) {
	r := New(1000, time.Hour)
	id := r.Register("socks5", "a", "h1", 1, "")
	r.Close(id, "")

	removed := r.EvictOlderThan(time.Now().Add(-2 * time.Hour))
	assert.Equal(t, 0, removed)

	removed = r.EvictOlderThan(time.Now().Add(time.Hour))
	assert.Equal(t, 1, removed)
	assert.Empty(t, r.SnapshotHistory(0))
}

func TestConnectionStateTransitions(t *testing.T) {
	r := New(1000, 0)
	id := r.Register("socks5", "a", "h1", 1, "")
	r.SetState(id, StateActive)

	active := r.SnapshotActive()
	assert.Len(t, active, 1)
	assert.Equal(t, StateActive, active[0].State)

	r.Close(id, "")
	hist := r.SnapshotHistory(0)
	assert.Equal(t, StateClosed, hist[0].State)
}
