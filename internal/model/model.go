// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// package model defines the core data structures shared by the pool, the
// refresh scheduler and the API key engine.
package model // import "github.com/toeirei/poolgate/internal/model"

import (
	"fmt"
	"strings"
	"time"

	"github.com/toeirei/poolgate/internal/security"
)

// Health is an account's status derived from refresh outcomes.
type Health int

const (
	// HealthDegraded is the state of an account that has no confirmed fresh
	// token: never refreshed yet, or its last refresh failed.
	HealthDegraded Health = iota
	// HealthHealthy means the last refresh succeeded and SessionToken is set.
	HealthHealthy
	// HealthDisabled means the failure threshold was reached. The account is
	// not selectable until a refresh succeeds or an operator re-enables it.
	HealthDisabled
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

// MarshalText renders the health as its lowercase name.
func (h Health) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText parses a name written by MarshalText.
func (h *Health) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*h = HealthHealthy
	case "degraded":
		*h = HealthDegraded
	case "disabled":
		*h = HealthDisabled
	default:
		return fmt.Errorf("unknown health %q", b)
	}
	return nil
}

// Account is one set of downstream credentials managed by the pool.
type Account struct {
	Name                string
	Username            string
	RefreshCredential   security.Secret
	SessionToken        security.Secret
	Enabled             bool
	Health              Health
	LastRefreshedAt     time.Time
	ConsecutiveFailures int
	UseCount            uint64
	LastError           string
}

// Selectable reports whether the account may be handed to a caller.
func (a Account) Selectable() bool {
	return a.Enabled && a.Health != HealthDisabled && !a.SessionToken.IsEmpty()
}

// Available reports whether the account counts as available for listing:
// enabled and not disabled by repeated refresh failures.
func (a Account) Available() bool {
	return a.Enabled && a.Health != HealthDisabled
}

// Strategy selects among candidate accounts.
type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	Random     Strategy = "random"
	LeastUsed  Strategy = "least_used"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{RoundRobin, Random, LeastUsed}

// ParseStrategy accepts the wire names plus their CamelCase and dashed
// spellings, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "", "_", "").Replace(norm)
	switch norm {
	case "roundrobin", "rr":
		return RoundRobin, nil
	case "random":
		return Random, nil
	case "leastused", "lru":
		return LeastUsed, nil
	}
	return "", fmt.Errorf("unknown load balance strategy %q", s)
}

// AccessMode is the endpoint evaluation policy of an API key.
type AccessMode string

const (
	// AccessWhitelist denies everything not listed in AllowedEndpoints.
	AccessWhitelist AccessMode = "whitelist"
	// AccessBlacklist allows everything not listed in DeniedEndpoints.
	AccessBlacklist AccessMode = "blacklist"
)

// Valid reports whether m is a recognized access mode.
func (m AccessMode) Valid() bool {
	return m == AccessWhitelist || m == AccessBlacklist
}

// PoolMode controls how a key's PoolRestriction narrows the pool.
type PoolMode string

const (
	PoolAll       PoolMode = "all"
	PoolWhitelist PoolMode = "whitelist"
	PoolBlacklist PoolMode = "blacklist"
)

// Valid reports whether m is a recognized pool mode.
func (m PoolMode) Valid() bool {
	return m == PoolAll || m == PoolWhitelist || m == PoolBlacklist
}

// PoolRestriction narrows which accounts a request may draw from.
// Accounts is only meaningful for the whitelist and blacklist modes.
type PoolRestriction struct {
	Mode     PoolMode `json:"mode" yaml:"mode"`
	Accounts []string `json:"accounts" yaml:"accounts"`
}

// Clone returns a deep copy.
func (r PoolRestriction) Clone() PoolRestriction {
	out := PoolRestriction{Mode: r.Mode}
	if r.Accounts != nil {
		out.Accounts = append([]string(nil), r.Accounts...)
	}
	return out
}

// APIKey is a bearer credential issued by an administrator.
type APIKey struct {
	Name             string
	Key              string
	AccessMode       AccessMode
	AllowedEndpoints []string
	DeniedEndpoints  []string
	PoolRestriction  PoolRestriction
	Enabled          bool
	CreatedAt        time.Time
}

// Clone returns a deep copy so callers never share slices with the
// key manager's internal state.
func (k APIKey) Clone() APIKey {
	out := k
	out.AllowedEndpoints = append([]string(nil), k.AllowedEndpoints...)
	out.DeniedEndpoints = append([]string(nil), k.DeniedEndpoints...)
	out.PoolRestriction = k.PoolRestriction.Clone()
	return out
}

// AuditLogEntry represents a single entry in the audit log.
type AuditLogEntry struct {
	ID        int    `json:"id"`
	Timestamp string `json:"timestamp"`
	Username  string `json:"username"`
	Action    string `json:"action"`
	Details   string `json:"details"`
}
