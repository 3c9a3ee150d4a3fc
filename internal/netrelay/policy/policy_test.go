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

package policy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/net-relay/net-relay/internal/netrelay/config"
)

func TestAddRemoveIPRoundTrip(t *testing.T) {
	s := New(config.Default(), "")

	before := s.Snapshot()
	_, err := s.AddIPToList("blacklist", "1.2.3.4")
	require.NoError(t, err)
	after, err := s.RemoveIPFromList("blacklist", "1.2.3.4")
	require.NoError(t, err)

	assert.Equal(t, before.AccessControl.IPBlacklist, after.IPBlacklist)
}

func TestRuleDeletionByIndex(t *testing.T) {
	s := New(config.Default(), "")
	_, err := s.AddRule(config.Rule{Domain: "a.com", Action: "deny", Enabled: true})
	require.NoError(t, err)
	_, err = s.AddRule(config.Rule{Domain: "b.com", Action: "deny", Enabled: true})
	require.NoError(t, err)

	updated, err := s.RemoveRuleAt(0)
	require.NoError(t, err)
	require.Len(t, updated.Rules, 1)
	assert.Equal(t, "b.com", updated.Rules[0].Domain)
}

func TestRemoveRuleOutOfRange(t *testing.T) {
	s := New(config.Default(), "")
	_, err := s.RemoveRuleAt(5)
	assert.ErrorIs(t, err, ErrRuleIndexOutOfRange)
}

func TestMutationsArePersisted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	s := New(config.Default(), path)

	_, err := s.AddUser("alice", "secret", "")
	require.NoError(t, err)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Security.Users, 1)
	assert.Equal(t, "alice", loaded.Security.Users[0].Username)
}

func TestUserNeverExposesHash(t *testing.T) {
	s := New(config.Default(), "")
	pub, err := s.AddUser("alice", "secret", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", pub.Username)

	for _, u := range s.ListUsers() {
		assert.Equal(t, "alice", u.Username)
	}
}

func TestEvaluatorReflectsCurrentPolicy(t *testing.T) {
	s := New(config.Default(), "")
	_, err := s.AddIPToList("blacklist", "9.9.9.9")
	require.NoError(t, err)

	d := s.Evaluator().Check("9.9.9.9", "example.com", 443, "")
	assert.False(t, d.Allowed)
}
