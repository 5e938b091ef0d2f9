// Package rls derives per-request row-level security context from a tenant role.
package rls

import (
	"fmt"
	"strings"

	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
)

// Roles
const (
	RoleSystemAdmin  = "system_admin"
	RoleCompanyAdmin = "company_admin"
	RoleAnalyst      = "analyst"
	RoleViewer       = "viewer"
)

// Permissions
const (
	PermQueryExecute = "query:execute"
	PermViewSQL      = "query:view_sql"
	PermViewLineage  = "lineage:view"
	PermManageQuotas = "quota:manage"
)

// Wildcard in an allow-list grants every table
const Wildcard = "*"

// RateLimits is the quota tier attached to a role
type RateLimits struct {
	QueriesPerHour int64 `json:"queries_per_hour"`
	QueriesPerDay  int64 `json:"queries_per_day"`
	Concurrent     int64 `json:"concurrent"`
}

// RLSContext is the access scope of one request. It is built per request and
// never shared across tenants.
type RLSContext struct {
	CompanyID     string     `json:"company_id"`
	UserID        string     `json:"user_id"`
	Role          string     `json:"role"`
	Permissions   []string   `json:"permissions"`
	AllowedTables []string   `json:"allowed_tables"`
	DeniedTables  []string   `json:"denied_tables"`
	RateLimits    RateLimits `json:"rate_limits"`
}

// RoleDefinition is the static grant for a role
type RoleDefinition struct {
	Permissions   []string
	AllowedTables []string
	DeniedTables  []string
	RateLimits    RateLimits
}

var impactTables = []string{"volunteer_hours", "employees", "events", "donations", "campaigns"}

// SensitiveTables are denied to every role except system admin
var SensitiveTables = []string{"users", "api_keys", "audit_log"}

var roles = map[string]RoleDefinition{
	RoleSystemAdmin: {
		Permissions:   []string{PermQueryExecute, PermViewSQL, PermViewLineage, PermManageQuotas},
		AllowedTables: []string{Wildcard},
		RateLimits:    RateLimits{QueriesPerHour: 10000, QueriesPerDay: 100000, Concurrent: 50},
	},
	RoleCompanyAdmin: {
		Permissions:   []string{PermQueryExecute, PermViewSQL, PermViewLineage},
		AllowedTables: impactTables,
		DeniedTables:  SensitiveTables,
		RateLimits:    RateLimits{QueriesPerHour: 500, QueriesPerDay: 5000, Concurrent: 10},
	},
	RoleAnalyst: {
		Permissions:   []string{PermQueryExecute, PermViewSQL, PermViewLineage},
		AllowedTables: impactTables,
		DeniedTables:  SensitiveTables,
		RateLimits:    RateLimits{QueriesPerHour: 200, QueriesPerDay: 2000, Concurrent: 5},
	},
	RoleViewer: {
		Permissions:   []string{PermQueryExecute},
		AllowedTables: []string{"volunteer_hours", "events", "donations", "campaigns"},
		DeniedTables:  SensitiveTables,
		RateLimits:    RateLimits{QueriesPerHour: 50, QueriesPerDay: 500, Concurrent: 2},
	},
}

// Lookup returns the definition for role and whether it is known
func Lookup(role string) (RoleDefinition, bool) {
	def, ok := roles[role]
	return def, ok
}

// DefaultLimits returns the quota tier for role, falling back to viewer
func DefaultLimits(role string) RateLimits {
	def, ok := roles[role]
	if !ok {
		def = roles[RoleViewer]
	}
	return def.RateLimits
}

// Build creates a fresh context for one request. Unknown roles get viewer
// access. An empty company id is rejected so tenant scoping fails closed.
func Build(companyID, userID, role string) (*RLSContext, error) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return nil, apperrors.NewMissingTenantError()
	}

	def, ok := roles[role]
	if !ok {
		role = RoleViewer
		def = roles[RoleViewer]
	}

	return &RLSContext{
		CompanyID:     companyID,
		UserID:        userID,
		Role:          role,
		Permissions:   append([]string(nil), def.Permissions...),
		AllowedTables: append([]string(nil), def.AllowedTables...),
		DeniedTables:  append([]string(nil), def.DeniedTables...),
		RateLimits:    def.RateLimits,
	}, nil
}

// IsWildcard reports whether the allow-list grants every table
func (r *RLSContext) IsWildcard() bool {
	for _, t := range r.AllowedTables {
		if t == Wildcard {
			return true
		}
	}
	return false
}

// CanAccess reports whether table may be queried. A wildcard allow-list
// bypasses all checks; otherwise the deny list wins over the allow list.
func (r *RLSContext) CanAccess(table string) bool {
	if r.IsWildcard() {
		return true
	}
	for _, d := range r.DeniedTables {
		if d == table {
			return false
		}
	}
	for _, a := range r.AllowedTables {
		if a == table {
			return true
		}
	}
	return false
}

// CheckAccess returns an error naming the first table that is not accessible
func (r *RLSContext) CheckAccess(tables []string) error {
	for _, t := range tables {
		if !r.CanAccess(t) {
			return fmt.Errorf("access denied: role %q cannot access table %q", r.Role, t)
		}
	}
	return nil
}

// HasPermission reports whether the role grants p
func (r *RLSContext) HasPermission(p string) bool {
	for _, have := range r.Permissions {
		if have == p {
			return true
		}
	}
	return false
}
