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

// Package credentials implements the proxy/management-API user store:
// salted Argon2id password hashing and constant-time verification.
package credentials

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/net-relay/net-relay/internal/netrelay/config"
)

// Argon2id cost parameters. Chosen as the library's documented
// interactive-use defaults: net-relay verifies a password on every proxy
// connection, a latency-sensitive path, not a rarely used admin action.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

var (
	// ErrDuplicateUser is returned by Add when the username already exists.
	ErrDuplicateUser = errors.New("credentials: user already exists")
	// ErrUnknownUser is returned by Remove and Update when the username is absent.
	ErrUnknownUser = errors.New("credentials: unknown user")
)

// Store manages the set of proxy/API users. It is not internally
// synchronized; callers hold it behind the policy package's RWMutex.
type Store struct {
	users map[string]config.User
}

// NewStore builds a Store from a slice of already-hashed users, as loaded
// from config.
func NewStore(users []config.User) *Store {
	m := make(map[string]config.User, len(users))
	for _, u := range users {
		m[u.Username] = u
	}
	return &Store{users: m}
}

// Verify reports whether username/password identify an enabled user.
// Returns false for unknown or disabled users, without distinguishing the
// two to callers.
func (s *Store) Verify(username, password string) bool {
	u, ok := s.users[username]
	if !ok || !u.Enabled {
		return false
	}
	return verifyPassword(password, u.Salt, u.PasswordHash)
}

// Add creates a new user with a fresh random salt and Argon2id hash.
func (s *Store) Add(username, password, description string) (config.User, error) {
	if _, exists := s.users[username]; exists {
		return config.User{}, fmt.Errorf("%w: %s", ErrDuplicateUser, username)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return config.User{}, fmt.Errorf("credentials: generate salt: %w", err)
	}
	u := config.User{
		Username:     username,
		Salt:         salt,
		PasswordHash: hashPassword(password, salt),
		Description:  description,
		Enabled:      true,
	}
	s.users[username] = u
	return u, nil
}

// Update replaces mutable fields (description, enabled, limits) of an
// existing user, re-hashing the password with a fresh salt whenever
// newPassword is non-nil.
func (s *Store) Update(username string, newPassword *string, description *string, enabled *bool, bandwidthLimit *uint64, connectionLimit *uint32) (config.User, error) {
	u, ok := s.users[username]
	if !ok {
		return config.User{}, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	if newPassword != nil {
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return config.User{}, fmt.Errorf("credentials: generate salt: %w", err)
		}
		u.Salt = salt
		u.PasswordHash = hashPassword(*newPassword, salt)
	}
	if description != nil {
		u.Description = *description
	}
	if enabled != nil {
		u.Enabled = *enabled
	}
	if bandwidthLimit != nil {
		u.BandwidthLimit = *bandwidthLimit
	}
	if connectionLimit != nil {
		u.ConnectionLimit = *connectionLimit
	}
	s.users[username] = u
	return u, nil
}

// Remove deletes a user.
func (s *Store) Remove(username string) error {
	if _, ok := s.users[username]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	delete(s.users, username)
	return nil
}

// Get returns the raw (hash-bearing) record for internal use, e.g. limit
// checks at registration time.
func (s *Store) Get(username string) (config.User, bool) {
	u, ok := s.users[username]
	return u, ok
}

// List returns every user in API-safe (hash-free) form.
func (s *Store) List() []config.PublicUser {
	out := make([]config.PublicUser, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Public())
	}
	return out
}

// Raw returns the full set of hash-bearing records, for persistence.
func (s *Store) Raw() []config.User {
	out := make([]config.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}

func hashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func verifyPassword(password string, salt, want []byte) bool {
	got := hashPassword(password, salt)
	return subtle.ConstantTimeCompare(got, want) == 1
}
