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

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateThenLookup(t *testing.T) {
	s := New(time.Hour)
	rec, err := s.Create("alice")
	require.NoError(t, err)
	assert.Len(t, rec.Token, 32) // 16 bytes hex-encoded

	got, ok := s.Lookup(rec.Token)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Username)
}

func TestInvalidateThenLookupFails(t *testing.T) {
	s := New(time.Hour)
	rec, err := s.Create("alice")
	require.NoError(t, err)

	s.Invalidate(rec.Token)
	_, ok := s.Lookup(rec.Token)
	assert.False(t, ok)
}

func TestExpiredSessionIsRejected(t *testing.T) {
	s := New(1 * time.Millisecond)
	rec, err := s.Create("alice")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, ok := s.Lookup(rec.Token)
	assert.False(t, ok)
}

func TestTokensAreUnique(t *testing.T) {
	s := New(time.Hour)
	a, err := s.Create("alice")
	require.NoError(t, err)
	b, err := s.Create("alice")
	require.NoError(t, err)
	assert.NotEqual(t, a.Token, b.Token)
}
