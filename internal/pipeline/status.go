package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
)

// Query states
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateRejected  = "rejected"
)

const (
	statusPrefix = "query:"

	// DefaultStatusTTL is how long a query's status stays retrievable
	DefaultStatusTTL = 24 * time.Hour
)

// QueryStatus is the tracked lifecycle of one ask
type QueryStatus struct {
	ID         string    `json:"id"`
	CompanyID  string    `json:"company_id"`
	UserID     string    `json:"user_id,omitempty"`
	Question   string    `json:"question"`
	State      string    `json:"state"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Cached     bool      `json:"cached"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Terminal reports whether the query has finished
func (s *QueryStatus) Terminal() bool {
	switch s.State {
	case StateCompleted, StateFailed, StateRejected:
		return true
	}
	return false
}

// StatusStore tracks query status. Entries are scoped to a company: a query
// id is only visible to the company that issued it.
type StatusStore interface {
	// Create stores a new status, failing with a conflict error when the
	// id is already tracked for the company
	Create(ctx context.Context, status *QueryStatus) error
	// Update overwrites an existing status
	Update(ctx context.Context, status *QueryStatus) error
	// Get returns a NotFound error for unknown or foreign ids
	Get(ctx context.Context, companyID, queryID string) (*QueryStatus, error)
	Ping(ctx context.Context) error
	Close() error
}

func statusKey(companyID, queryID string) string {
	return statusPrefix + companyID + ":" + queryID
}

// RedisStatusStore keeps query status in Redis with an expiry
type RedisStatusStore struct {
	redis  *redis.Client
	expiry time.Duration
}

// NewRedisStatusStore creates a new Redis-backed status store
func NewRedisStatusStore(redisClient *redis.Client, expiry time.Duration) *RedisStatusStore {
	if expiry <= 0 {
		expiry = DefaultStatusTTL
	}
	return &RedisStatusStore{
		redis:  redisClient,
		expiry: expiry,
	}
}

// Create stores status unless its id is already tracked
func (s *RedisStatusStore) Create(ctx context.Context, status *QueryStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal query status: %w", err)
	}

	ok, err := s.redis.SetNX(ctx, statusKey(status.CompanyID, status.ID), data, s.expiry).Result()
	if err != nil {
		return fmt.Errorf("failed to store query status: %w", err)
	}
	if !ok {
		return apperrors.NewDuplicateQueryError(status.ID)
	}
	return nil
}

// Update overwrites an existing status and refreshes its expiry
func (s *RedisStatusStore) Update(ctx context.Context, status *QueryStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal query status: %w", err)
	}

	ok, err := s.redis.SetXX(ctx, statusKey(status.CompanyID, status.ID), data, s.expiry).Result()
	if err != nil {
		return fmt.Errorf("failed to update query status: %w", err)
	}
	if !ok {
		return apperrors.NewQueryNotFoundError(status.ID)
	}
	return nil
}

// Get retrieves a status by company and id
func (s *RedisStatusStore) Get(ctx context.Context, companyID, queryID string) (*QueryStatus, error) {
	data, err := s.redis.Get(ctx, statusKey(companyID, queryID)).Bytes()
	if err == redis.Nil {
		return nil, apperrors.NewQueryNotFoundError(queryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get query status: %w", err)
	}

	var status QueryStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal query status: %w", err)
	}
	return &status, nil
}

// Ping tests the Redis connection
func (s *RedisStatusStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStatusStore) Close() error {
	return s.redis.Close()
}

type memoryStatus struct {
	status    QueryStatus
	expiresAt time.Time
}

// MemoryStatusStore is an in-process StatusStore for tests and single-node runs
type MemoryStatusStore struct {
	mu      sync.Mutex
	entries map[string]memoryStatus
	expiry  time.Duration
	now     func() time.Time
}

// NewMemoryStatusStore creates an empty in-memory status store
func NewMemoryStatusStore(expiry time.Duration) *MemoryStatusStore {
	if expiry <= 0 {
		expiry = DefaultStatusTTL
	}
	return &MemoryStatusStore{
		entries: make(map[string]memoryStatus),
		expiry:  expiry,
		now:     time.Now,
	}
}

func (s *MemoryStatusStore) live(key string) (memoryStatus, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryStatus{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memoryStatus{}, false
	}
	return e, true
}

// Create stores status unless its id is already tracked
func (s *MemoryStatusStore) Create(ctx context.Context, status *QueryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := statusKey(status.CompanyID, status.ID)
	if _, ok := s.live(key); ok {
		return apperrors.NewDuplicateQueryError(status.ID)
	}
	s.entries[key] = memoryStatus{status: *status, expiresAt: s.now().Add(s.expiry)}
	return nil
}

// Update overwrites an existing status and refreshes its expiry
func (s *MemoryStatusStore) Update(ctx context.Context, status *QueryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := statusKey(status.CompanyID, status.ID)
	if _, ok := s.live(key); !ok {
		return apperrors.NewQueryNotFoundError(status.ID)
	}
	s.entries[key] = memoryStatus{status: *status, expiresAt: s.now().Add(s.expiry)}
	return nil
}

// Get retrieves a status by company and id
func (s *MemoryStatusStore) Get(ctx context.Context, companyID, queryID string) (*QueryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(statusKey(companyID, queryID))
	if !ok {
		return nil, apperrors.NewQueryNotFoundError(queryID)
	}
	status := e.status
	return &status, nil
}

func (s *MemoryStatusStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStatusStore) Close() error { return nil }
