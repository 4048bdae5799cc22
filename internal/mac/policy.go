// Package mac implements the mandatory access control engine: clearance,
// compartment, role, and organization policy evaluation, plus the bounded
// resource-decision cache.
package mac

import (
	"time"

	"polystore/pkg/domain"
)

// AccessWindow is an allowed time-of-day range in UTC hours. Start == End
// means the whole day; Start > End wraps past midnight.
type AccessWindow struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Allows reports whether the given time falls inside the window.
func (w AccessWindow) Allows(now time.Time) bool {
	hour := now.UTC().Hour()
	switch {
	case w.StartHour == w.EndHour:
		return true
	case w.StartHour < w.EndHour:
		return hour >= w.StartHour && hour < w.EndHour
	default:
		return hour >= w.StartHour || hour < w.EndHour
	}
}

// OrgPolicy carries organization-level constraints applied per
// classification level after the clearance, compartment, and role checks.
type OrgPolicy struct {
	AccessWindows map[domain.ClassificationLevel]AccessWindow
	RequireMFA    map[domain.ClassificationLevel]bool
	MaxSessionAge map[domain.ClassificationLevel]time.Duration
}

// Policy is the pluggable policy data consumed by the engine. It is data,
// not logic: deployments swap tables, not code.
type Policy struct {
	// RoleLevels maps a role to the classification levels it may handle.
	RoleLevels map[domain.Role][]domain.ClassificationLevel
	// RolePermissions maps a role to named permissions.
	RolePermissions map[domain.Role][]string
	// Org is optional; a nil Org skips the organization policy step.
	Org *OrgPolicy
}

// RoleAllowsLevel reports whether any of the roles may handle the level.
func (p Policy) RoleAllowsLevel(roles []domain.Role, level domain.ClassificationLevel) bool {
	for _, role := range roles {
		for _, allowed := range p.RoleLevels[role] {
			if allowed == level {
				return true
			}
		}
	}
	return false
}

// RoleGrantsPermission reports whether any of the roles carries the
// permission.
func (p Policy) RoleGrantsPermission(roles []domain.Role, permission string) bool {
	for _, role := range roles {
		for _, granted := range p.RolePermissions[role] {
			if granted == permission {
				return true
			}
		}
	}
	return false
}

// Built-in roles for the default table.
const (
	RoleViewer    domain.Role = "viewer"
	RoleAnalyst   domain.Role = "analyst"
	RoleOfficer   domain.Role = "security_officer"
	RoleSyncAgent domain.Role = "sync_agent"
)

func levelsThrough(max domain.ClassificationLevel) []domain.ClassificationLevel {
	out := make([]domain.ClassificationLevel, 0, max.Rank()+1)
	for l := domain.LevelPublic; l <= max; l++ {
		out = append(out, l)
	}
	return out
}

// DefaultPolicy returns the built-in role table and organization policy.
// Deployments replace it wholesale via Engine.SetPolicy.
func DefaultPolicy() Policy {
	return Policy{
		RoleLevels: map[domain.Role][]domain.ClassificationLevel{
			RoleViewer:    levelsThrough(domain.LevelInternal),
			RoleAnalyst:   levelsThrough(domain.LevelSecret),
			RoleOfficer:   levelsThrough(domain.LevelTopSecret),
			RoleSyncAgent: levelsThrough(domain.LevelTopSecret),
		},
		RolePermissions: map[domain.Role][]string{
			RoleViewer:    {"entity:read"},
			RoleAnalyst:   {"entity:read", "entity:write", "sync:run"},
			RoleOfficer:   {"entity:read", "entity:write", "entity:admin", "cds:approve", "sync:run"},
			RoleSyncAgent: {"entity:read", "entity:write", "sync:run"},
		},
		Org: &OrgPolicy{
			RequireMFA: map[domain.ClassificationLevel]bool{
				domain.LevelSecret:    true,
				domain.LevelTopSecret: true,
			},
			MaxSessionAge: map[domain.ClassificationLevel]time.Duration{
				domain.LevelTopSecret: 4 * time.Hour,
			},
		},
	}
}
