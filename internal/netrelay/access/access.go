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

// Package access implements the IP-list and domain/path rule evaluator
// consulted before every proxied connection.
package access

import (
	"net"
	"strings"

	"github.com/net-relay/net-relay/internal/netrelay/config"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Evaluator evaluates config.AccessControl against connection requests. It
// holds no mutable state of its own; Check is a pure function of its
// inputs and the snapshot it was built with.
type Evaluator struct {
	policy config.AccessControl
}

// New builds an Evaluator bound to a snapshot of the access-control policy.
func New(policy config.AccessControl) *Evaluator {
	return &Evaluator{policy: policy}
}

// Check applies the ordered decision: IP blacklist, then IP whitelist,
// then the first matching enabled rule, then the default.
func (e *Evaluator) Check(clientIP, targetHost string, targetPort int, path string) Decision {
	if containsIP(e.policy.IPBlacklist, clientIP) {
		return deny("IP blacklisted")
	}
	if len(e.policy.IPWhitelist) > 0 && !containsIP(e.policy.IPWhitelist, clientIP) {
		return deny("IP not whitelisted")
	}

	for _, rule := range e.policy.Rules {
		if !rule.Enabled {
			continue
		}
		if !matchDomain(rule.Domain, targetHost) {
			continue
		}
		if !matchPath(rule.Path, path) {
			continue
		}
		if strings.EqualFold(rule.Action, "allow") {
			return allow()
		}
		reason := "denied by rule"
		if rule.Name != "" {
			reason = "denied by rule " + rule.Name
		}
		return deny(reason)
	}

	if e.policy.AllowByDefault {
		return allow()
	}
	return deny("no matching allow rule")
}

func containsIP(set []string, ip string) bool {
	for _, s := range set {
		if s == ip {
			return true
		}
	}
	return false
}

// matchDomain supports three pattern forms: exact, leading-wildcard
// ("*.example.com" matches one or more subdomain labels, not the apex),
// and full wildcard ("*"). Matching is case-insensitive. If target is a
// literal IP, only a literal-IP pattern or "*" matches.
func matchDomain(pattern, target string) bool {
	if pattern == "*" {
		return true
	}
	pattern = strings.ToLower(pattern)
	target = strings.ToLower(target)

	targetIsIP := net.ParseIP(target) != nil
	if strings.HasPrefix(pattern, "*.") {
		if targetIsIP {
			return false
		}
		suffix := pattern[1:] // ".example.com"
		return strings.HasSuffix(target, suffix) && len(target) > len(suffix)
	}
	return pattern == target
}

// matchPath only applies when path is non-empty (HTTP absolute-URI
// requests); empty pattern matches any path; a trailing "*" is a prefix
// match; otherwise exact; case-sensitive.
func matchPath(pattern, path string) bool {
	if path == "" {
		return true
	}
	if pattern == "" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, pattern[:len(pattern)-1])
	}
	return pattern == path
}
