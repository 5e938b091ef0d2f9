package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps records in process. It is meant for tests and single
// instance development setups.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*QuotaRecord
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*QuotaRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, companyID string) (*QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[companyID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Init(ctx context.Context, rec *QuotaRecord) (*QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.CompanyID]
	if !ok {
		cp := *rec
		s.records[rec.CompanyID] = &cp
		existing = &cp
	}
	out := *existing
	return &out, nil
}

func counter(rec *QuotaRecord, tier string) (*int64, *time.Time, error) {
	switch tier {
	case TierDaily:
		return &rec.DailyUsed, &rec.DailyResetAt, nil
	case TierHourly:
		return &rec.HourlyUsed, &rec.HourlyResetAt, nil
	default:
		return nil, nil, fmt.Errorf("tier %q has no counter", tier)
	}
}

func (s *MemoryStore) roll(companyID, tier string, period time.Duration, now time.Time, delta int64) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[companyID]
	if !ok {
		return 0, time.Time{}, ErrNotFound
	}
	used, resetAt, err := counter(rec, tier)
	if err != nil {
		return 0, time.Time{}, err
	}
	if resetAt.IsZero() || !now.Before(*resetAt) {
		if !resetAt.IsZero() {
			*used = 0
		}
		*resetAt = nextReset(*resetAt, period, now)
	}
	*used += delta
	return *used, *resetAt, nil
}

func (s *MemoryStore) Roll(ctx context.Context, companyID, tier string, period time.Duration, now time.Time) (int64, time.Time, error) {
	return s.roll(companyID, tier, period, now, 0)
}

func (s *MemoryStore) Increment(ctx context.Context, companyID, tier string, period time.Duration, now time.Time) (int64, time.Time, error) {
	return s.roll(companyID, tier, period, now, 1)
}

func (s *MemoryStore) Reset(ctx context.Context, companyID, tier string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[companyID]
	if !ok {
		return ErrNotFound
	}
	if tier == TierConcurrent {
		rec.ConcurrentUsed = 0
		return nil
	}
	used, resetAt, err := counter(rec, tier)
	if err != nil {
		return err
	}
	*used = 0
	*resetAt = next
	return nil
}

func (s *MemoryStore) AcquireConcurrent(ctx context.Context, companyID string, limit int64) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[companyID]
	if !ok {
		return false, 0, ErrNotFound
	}
	if limit > 0 && rec.ConcurrentUsed >= limit {
		return false, rec.ConcurrentUsed, nil
	}
	rec.ConcurrentUsed++
	return true, rec.ConcurrentUsed, nil
}

func (s *MemoryStore) ReleaseConcurrent(ctx context.Context, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[companyID]; ok && rec.ConcurrentUsed > 0 {
		rec.ConcurrentUsed--
	}
	return nil
}

func (s *MemoryStore) SetLimits(ctx context.Context, companyID string, overrides Limits) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[companyID]
	if !ok {
		return ErrNotFound
	}
	rec.OverrideDailyLimit = overrides.Daily
	rec.OverrideHourlyLimit = overrides.Hourly
	rec.OverrideConcurrentLimit = overrides.Concurrent
	rec.ExpiresAt = overrides.ExpiresAt
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, companyID)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
