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

// Package policy holds the single mutable runtime record combining
// access-control, security, server, and limits configuration, guarded by
// a readers-writer lock.
package policy

import (
	"sync"

	"github.com/net-relay/net-relay/internal/netrelay/access"
	"github.com/net-relay/net-relay/internal/netrelay/config"
	"github.com/net-relay/net-relay/internal/netrelay/credentials"
)

// Store is the shared, lock-protected policy/config state. Data-plane
// queries (Evaluator, VerifyUser) take a short read lock; management mutations
// take a short write lock. Nothing here ever holds the lock across I/O.
type Store struct {
	mu sync.RWMutex

	server  config.Server
	logging config.Logging
	limits  config.Limits
	stats   config.Stats

	authEnabled bool
	creds       *credentials.Store
	acPolicy    config.AccessControl

	// persistPath is empty when persistence is disabled.
	persistPath string
}

// New builds a Store from an initial Config. persistPath, if non-empty,
// causes every mutation to be flushed to disk.
func New(cfg config.Config, persistPath string) *Store {
	return &Store{
		server:      cfg.Server,
		logging:     cfg.Logging,
		limits:      cfg.Limits,
		stats:       cfg.Stats,
		authEnabled: cfg.Security.AuthEnabled,
		creds:       credentials.NewStore(cfg.Security.Users),
		acPolicy:    cfg.AccessControl,
		persistPath: persistPath,
	}
}

// snapshotLocked assembles a full config.Config from current fields. Caller
// must hold at least a read lock.
func (s *Store) snapshotLocked() config.Config {
	return config.Config{
		Server:  s.server,
		Logging: s.logging,
		Limits:  s.limits,
		Stats:   s.stats,
		Security: config.Security{
			AuthEnabled: s.authEnabled,
			Users:       s.creds.Raw(),
		},
		AccessControl: s.acPolicy,
	}
}

// Snapshot returns the full config, for GET /api/config.
func (s *Store) Snapshot() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) persistLocked() error {
	if s.persistPath == "" {
		return nil
	}
	return config.Save(s.persistPath, s.snapshotLocked())
}

// Evaluator returns an access.Evaluator bound to the current policy
// snapshot. Cheap: called once per incoming connection.
func (s *Store) Evaluator() *access.Evaluator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return access.New(s.acPolicy)
}

// AuthEnabled reports whether proxy/API authentication is required.
func (s *Store) AuthEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authEnabled
}

// VerifyUser checks username/password against the credential store.
func (s *Store) VerifyUser(username, password string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Verify(username, password)
}

// UserLimits returns the connection/bandwidth limits for username, and
// whether the user exists at all.
func (s *Store) UserLimits(username string) (connectionLimit uint32, bandwidthLimit uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.creds.Get(username)
	if !ok {
		return 0, 0, false
	}
	return u.ConnectionLimit, u.BandwidthLimit, true
}

// Limits returns the current resource limits.
func (s *Store) Limits() config.Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

// MaxConnections returns the process-wide connection cap. 0 means unlimited.
func (s *Store) MaxConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits.MaxConnections
}

// Server returns the current server listen config.
func (s *Store) Server() config.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server
}

// --- Mutations (management API only) ---

// SetServer replaces the server listen config and returns it. Listeners
// are never rebound live; the API handler reports requires_restart.
func (s *Store) SetServer(server config.Server) (config.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.server = server
	if err := s.persistLocked(); err != nil {
		return s.server, err
	}
	return s.server, nil
}

// SetSecurity replaces auth_enabled.
func (s *Store) SetSecurity(authEnabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authEnabled = authEnabled
	return s.persistLocked()
}

// AddIPToList adds an IP to the blacklist ("blacklist") or whitelist
// ("whitelist"), returning the updated policy.
func (s *Store) AddIPToList(list, ip string) (config.AccessControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch list {
	case "blacklist":
		s.acPolicy.IPBlacklist = appendUnique(s.acPolicy.IPBlacklist, ip)
	case "whitelist":
		s.acPolicy.IPWhitelist = appendUnique(s.acPolicy.IPWhitelist, ip)
	}
	if err := s.persistLocked(); err != nil {
		return s.acPolicy, err
	}
	return s.acPolicy, nil
}

// RemoveIPFromList removes an IP from the named list, returning the updated
// policy.
func (s *Store) RemoveIPFromList(list, ip string) (config.AccessControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch list {
	case "blacklist":
		s.acPolicy.IPBlacklist = removeString(s.acPolicy.IPBlacklist, ip)
	case "whitelist":
		s.acPolicy.IPWhitelist = removeString(s.acPolicy.IPWhitelist, ip)
	}
	if err := s.persistLocked(); err != nil {
		return s.acPolicy, err
	}
	return s.acPolicy, nil
}

// AddRule appends a rule to the ordered rule list. Rule order is
// significant for evaluation, so insertion order must be preserved.
func (s *Store) AddRule(rule config.Rule) (config.AccessControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acPolicy.Rules = append(s.acPolicy.Rules, rule)
	if err := s.persistLocked(); err != nil {
		return s.acPolicy, err
	}
	return s.acPolicy, nil
}

// RemoveRuleAt deletes the rule at index. Deletion is by index, not by
// content, so callers must re-fetch the list if indices may have shifted.
func (s *Store) RemoveRuleAt(index int) (config.AccessControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.acPolicy.Rules) {
		return s.acPolicy, ErrRuleIndexOutOfRange
	}
	// Build a new slice: evaluators and snapshots handed out earlier share
	// the old backing array and must not see it shift.
	rules := make([]config.Rule, 0, len(s.acPolicy.Rules)-1)
	rules = append(rules, s.acPolicy.Rules[:index]...)
	s.acPolicy.Rules = append(rules, s.acPolicy.Rules[index+1:]...)
	if err := s.persistLocked(); err != nil {
		return s.acPolicy, err
	}
	return s.acPolicy, nil
}

// SetAllowByDefault flips blacklist/whitelist mode.
func (s *Store) SetAllowByDefault(allow bool) (config.AccessControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acPolicy.AllowByDefault = allow
	if err := s.persistLocked(); err != nil {
		return s.acPolicy, err
	}
	return s.acPolicy, nil
}

// AddUser creates a new user and persists.
func (s *Store) AddUser(username, password, description string) (config.PublicUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.creds.Add(username, password, description)
	if err != nil {
		return config.PublicUser{}, err
	}
	if err := s.persistLocked(); err != nil {
		return u.Public(), err
	}
	return u.Public(), nil
}

// UpdateUser mutates an existing user's fields and persists.
func (s *Store) UpdateUser(username string, newPassword, description *string, enabled *bool, bandwidthLimit *uint64, connectionLimit *uint32) (config.PublicUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.creds.Update(username, newPassword, description, enabled, bandwidthLimit, connectionLimit)
	if err != nil {
		return config.PublicUser{}, err
	}
	if err := s.persistLocked(); err != nil {
		return u.Public(), err
	}
	return u.Public(), nil
}

// RemoveUser deletes a user and persists.
func (s *Store) RemoveUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.creds.Remove(username); err != nil {
		return err
	}
	return s.persistLocked()
}

// ListUsers returns every user in API-safe form.
func (s *Store) ListUsers() []config.PublicUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.List()
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	var out []string
	for _, existing := range list {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}
