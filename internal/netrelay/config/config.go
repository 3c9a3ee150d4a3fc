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

// Package config defines the on-disk TOML shape of Net-Relay's runtime
// configuration and loads/saves it with atomic rename semantics.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Rule is one access-control rule entry. Order in the slice is significant:
// evaluation returns the action of the first matching enabled rule.
type Rule struct {
	Name    string `toml:"name,omitempty"`
	Domain  string `toml:"domain"`
	Path    string `toml:"path,omitempty"`
	Action  string `toml:"action"` // "allow" or "deny"
	Enabled bool   `toml:"enabled"`
}

// AccessControl is the rule-engine portion of the policy.
type AccessControl struct {
	AllowByDefault bool     `toml:"allow_by_default"`
	IPBlacklist    []string `toml:"ip_blacklist,omitempty"`
	IPWhitelist    []string `toml:"ip_whitelist,omitempty"`
	Rules          []Rule   `toml:"rules,omitempty"`
}

// User is a proxy/management-API account. PasswordHash and Salt never leave
// this package in their raw form; the management API only ever sees
// (*User).Public().
type User struct {
	Username       string `toml:"username"`
	Salt           []byte `toml:"salt"`
	PasswordHash   []byte `toml:"password_hash"`
	Description    string `toml:"description,omitempty"`
	Enabled        bool   `toml:"enabled"`
	BandwidthLimit uint64 `toml:"bandwidth_limit,omitempty"`
	ConnectionLimit uint32 `toml:"connection_limit,omitempty"`
}

// PublicUser is the API-safe projection of User: no salt, no hash.
type PublicUser struct {
	Username        string `json:"username"`
	Description     string `json:"description,omitempty"`
	Enabled         bool   `json:"enabled"`
	BandwidthLimit  uint64 `json:"bandwidth_limit,omitempty"`
	ConnectionLimit uint32 `json:"connection_limit,omitempty"`
}

// Public projects a User to its API-safe form.
func (u User) Public() PublicUser {
	return PublicUser{
		Username:        u.Username,
		Description:     u.Description,
		Enabled:         u.Enabled,
		BandwidthLimit:  u.BandwidthLimit,
		ConnectionLimit: u.ConnectionLimit,
	}
}

// Security gates proxy and management-API authentication.
type Security struct {
	AuthEnabled bool   `toml:"auth_enabled"`
	Users       []User `toml:"users,omitempty"`
}

// Server holds listen host/ports. Changes are persisted but do not rebind
// live listeners — the API reports requires_restart: true.
type Server struct {
	Host      string `toml:"host"`
	SocksPort int    `toml:"socks_port"`
	HTTPPort  int    `toml:"http_port"`
	APIPort   int    `toml:"api_port"`
}

// Limits bounds resource usage of the data plane.
type Limits struct {
	MaxConnections int `toml:"max_connections"`
	// ConnectTimeoutSecs bounds the total time spent resolving+dialing an
	// upstream (default 10s).
	ConnectTimeoutSecs int `toml:"connect_timeout_secs"`
	// IdleTimeoutSecs is the relay idle-shutdown window.
	IdleTimeoutSecs int `toml:"idle_timeout_secs"`
}

// Stats bounds the connection history ring, by count and by age.
type Stats struct {
	Enabled         bool `toml:"enabled"`
	HistoryCapacity int  `toml:"history_capacity"`
	RetentionHours  int  `toml:"retention_hours"`
}

// Logging controls the structured logger.
type Logging struct {
	Level string `toml:"level"`
}

// Config is the full mutable runtime record: listen addresses, logging,
// credentials, access control, and resource limits.
type Config struct {
	Server        Server        `toml:"server"`
	Logging       Logging       `toml:"logging"`
	Security      Security      `toml:"security"`
	AccessControl AccessControl `toml:"access_control"`
	Limits        Limits        `toml:"limits"`
	Stats         Stats         `toml:"stats"`
}

// SessionTTL is the management-API session lifetime (default 24h).
const SessionTTL = 24 * time.Hour

// Default returns a Config with every field at its documented default.
func Default() Config {
	return Config{
		Server: Server{
			Host:      "0.0.0.0",
			SocksPort: 1080,
			HTTPPort:  8080,
			APIPort:   3000,
		},
		Logging: Logging{Level: "info"},
		Security: Security{
			AuthEnabled: false,
			Users:       nil,
		},
		AccessControl: AccessControl{
			AllowByDefault: true,
		},
		Limits: Limits{
			MaxConnections:     1000,
			ConnectTimeoutSecs: 10,
			IdleTimeoutSecs:    300,
		},
		Stats: Stats{
			Enabled:         true,
			HistoryCapacity: 1000,
			RetentionHours:  24,
		},
	}
}

// Load reads and decodes a TOML config file, rejecting unknown keys.
// The file is decoded over Default(), so any section or key absent from
// the file keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Save serializes cfg to path using a temp-file-then-rename sequence so
// readers never observe a partially written file.
func Save(path string, cfg Config) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".net-relay-config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename config into place: %w", err)
	}
	return nil
}
