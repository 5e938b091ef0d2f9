// Package quota enforces per-company daily, hourly and concurrent query
// quotas on top of a shared store.
package quota

import (
	"context"
	"errors"
	"time"
)

// Tiers
const (
	TierDaily      = "daily"
	TierHourly     = "hourly"
	TierConcurrent = "concurrent"
	TierAll        = "all"
)

// Periods of the counting tiers
const (
	DailyPeriod  = 24 * time.Hour
	HourlyPeriod = time.Hour
)

// ErrNotFound is returned by stores for companies without a record
var ErrNotFound = errors.New("quota record not found")

// QuotaRecord is the quota state of one company. Daily/Hourly/Concurrent
// limits are the role-derived defaults; Override* limits replace them while
// the override is active.
type QuotaRecord struct {
	CompanyID string `json:"company_id"`
	Role      string `json:"role"`

	DailyUsed    int64     `json:"daily_used"`
	DailyLimit   int64     `json:"daily_limit"`
	DailyResetAt time.Time `json:"daily_reset_at"`

	HourlyUsed    int64     `json:"hourly_used"`
	HourlyLimit   int64     `json:"hourly_limit"`
	HourlyResetAt time.Time `json:"hourly_reset_at"`

	ConcurrentUsed  int64 `json:"concurrent_used"`
	ConcurrentLimit int64 `json:"concurrent_limit"`

	OverrideDailyLimit      int64     `json:"override_daily_limit,omitempty"`
	OverrideHourlyLimit     int64     `json:"override_hourly_limit,omitempty"`
	OverrideConcurrentLimit int64     `json:"override_concurrent_limit,omitempty"`
	ExpiresAt               time.Time `json:"expires_at,omitempty"`
}

// SuspendedLimit is the stored override for a tier limited to zero queries.
// A zero override field means the tier has no override.
const SuspendedLimit int64 = -1

// HasOverride reports whether any override limit is set
func (r *QuotaRecord) HasOverride() bool {
	return r.OverrideDailyLimit != 0 || r.OverrideHourlyLimit != 0 || r.OverrideConcurrentLimit != 0
}

// OverrideActive reports whether overrides apply at now
func (r *QuotaRecord) OverrideActive(now time.Time) bool {
	return r.HasOverride() && (r.ExpiresAt.IsZero() || now.Before(r.ExpiresAt))
}

// Limits returns the effective limits at now
func (r *QuotaRecord) Limits(now time.Time) Limits {
	l := Limits{Daily: r.DailyLimit, Hourly: r.HourlyLimit, Concurrent: r.ConcurrentLimit}
	if !r.OverrideActive(now) {
		return l
	}
	l.Daily = overridden(l.Daily, r.OverrideDailyLimit)
	l.Hourly = overridden(l.Hourly, r.OverrideHourlyLimit)
	l.Concurrent = overridden(l.Concurrent, r.OverrideConcurrentLimit)
	return l
}

func overridden(limit, override int64) int64 {
	switch {
	case override == SuspendedLimit:
		return 0
	case override > 0:
		return override
	}
	return limit
}

// Limits is a set of per-tier limits. For overrides, zero leaves the role
// default in place for that tier and SuspendedLimit blocks it.
type Limits struct {
	Daily      int64     `json:"daily"`
	Hourly     int64     `json:"hourly"`
	Concurrent int64     `json:"concurrent"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Store holds quota records. Counter updates must be atomic in the store
// itself; callers never read-modify-write counters.
type Store interface {
	// Get returns ErrNotFound when the company has no record
	Get(ctx context.Context, companyID string) (*QuotaRecord, error)
	// Init creates rec if the company has no record and returns the stored one
	Init(ctx context.Context, rec *QuotaRecord) (*QuotaRecord, error)
	// Roll resets tier when now has passed its reset time, advancing the
	// reset time by whole periods
	Roll(ctx context.Context, companyID, tier string, period time.Duration, now time.Time) (used int64, resetAt time.Time, err error)
	// Increment rolls tier and then adds one
	Increment(ctx context.Context, companyID, tier string, period time.Duration, now time.Time) (used int64, resetAt time.Time, err error)
	// Reset sets tier's usage to zero and its next reset time
	Reset(ctx context.Context, companyID, tier string, nextReset time.Time) error
	// AcquireConcurrent takes a slot unless limit slots are already taken
	AcquireConcurrent(ctx context.Context, companyID string, limit int64) (acquired bool, used int64, err error)
	// ReleaseConcurrent frees a slot, never going below zero
	ReleaseConcurrent(ctx context.Context, companyID string) error
	// SetLimits replaces the override limits
	SetLimits(ctx context.Context, companyID string, overrides Limits) error
	Delete(ctx context.Context, companyID string) error
	Ping(ctx context.Context) error
	Close() error
}

// nextReset advances resetAt by whole periods until it is after now
func nextReset(resetAt time.Time, period time.Duration, now time.Time) time.Time {
	if resetAt.IsZero() {
		return now.Add(period)
	}
	if now.Before(resetAt) {
		return resetAt
	}
	n := now.Sub(resetAt)/period + 1
	return resetAt.Add(n * period)
}
