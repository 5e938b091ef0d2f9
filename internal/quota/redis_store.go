package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix namespaces quota hashes
const DefaultKeyPrefix = "quota:"

const notFoundReply = "quota_not_found"

// Hash fields
const (
	fieldRole               = "role"
	fieldDailyUsed          = "daily_used"
	fieldDailyLimit         = "daily_limit"
	fieldDailyResetAt       = "daily_reset_at"
	fieldHourlyUsed         = "hourly_used"
	fieldHourlyLimit        = "hourly_limit"
	fieldHourlyResetAt      = "hourly_reset_at"
	fieldConcurrentUsed     = "concurrent_used"
	fieldConcurrentLimit    = "concurrent_limit"
	fieldOverrideDaily      = "override_daily_limit"
	fieldOverrideHourly     = "override_hourly_limit"
	fieldOverrideConcurrent = "override_concurrent_limit"
	fieldExpiresAt          = "expires_at"
)

var initScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], unpack(ARGV))
  return 1
end
return 0
`)

// rollScript resets a counter whose reset time has passed, advancing the
// reset time by whole periods, then adds ARGV[5].
var rollScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('` + notFoundReply + `')
end
local used_f, reset_f = ARGV[1], ARGV[2]
local period, now, delta = tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])
local reset = tonumber(redis.call('HGET', KEYS[1], reset_f) or '0')
if reset == 0 then
  reset = now + period
  redis.call('HSET', KEYS[1], reset_f, string.format('%d', reset))
elseif now >= reset then
  reset = reset + (math.floor((now - reset) / period) + 1) * period
  redis.call('HSET', KEYS[1], used_f, '0', reset_f, string.format('%d', reset))
end
local used = redis.call('HINCRBY', KEYS[1], used_f, delta)
return {used, reset}
`)

var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('` + notFoundReply + `')
end
local used = tonumber(redis.call('HGET', KEYS[1], 'concurrent_used') or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and used >= limit then
  return {0, used}
end
return {1, redis.call('HINCRBY', KEYS[1], 'concurrent_used', 1)}
`)

var releaseScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'concurrent_used') or '0')
if used > 0 then
  return redis.call('HINCRBY', KEYS[1], 'concurrent_used', -1)
end
return 0
`)

// setScript writes field/value pairs to an existing record only
var setScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('` + notFoundReply + `')
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// RedisStore keeps one hash per company so every instance of the service
// shares the same counters.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store on client
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(companyID string) string {
	return s.prefix + companyID
}

func mapErr(err error) error {
	if err != nil && strings.Contains(err.Error(), notFoundReply) {
		return ErrNotFound
	}
	return err
}

func millis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (s *RedisStore) Get(ctx context.Context, companyID string) (*QuotaRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(companyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read quota: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return &QuotaRecord{
		CompanyID:               companyID,
		Role:                    fields[fieldRole],
		DailyUsed:               parseInt(fields[fieldDailyUsed]),
		DailyLimit:              parseInt(fields[fieldDailyLimit]),
		DailyResetAt:            fromMillis(fields[fieldDailyResetAt]),
		HourlyUsed:              parseInt(fields[fieldHourlyUsed]),
		HourlyLimit:             parseInt(fields[fieldHourlyLimit]),
		HourlyResetAt:           fromMillis(fields[fieldHourlyResetAt]),
		ConcurrentUsed:          parseInt(fields[fieldConcurrentUsed]),
		ConcurrentLimit:         parseInt(fields[fieldConcurrentLimit]),
		OverrideDailyLimit:      parseInt(fields[fieldOverrideDaily]),
		OverrideHourlyLimit:     parseInt(fields[fieldOverrideHourly]),
		OverrideConcurrentLimit: parseInt(fields[fieldOverrideConcurrent]),
		ExpiresAt:               fromMillis(fields[fieldExpiresAt]),
	}, nil
}

func (s *RedisStore) Init(ctx context.Context, rec *QuotaRecord) (*QuotaRecord, error) {
	args := []interface{}{
		fieldRole, rec.Role,
		fieldDailyUsed, rec.DailyUsed,
		fieldDailyLimit, rec.DailyLimit,
		fieldDailyResetAt, millis(rec.DailyResetAt),
		fieldHourlyUsed, rec.HourlyUsed,
		fieldHourlyLimit, rec.HourlyLimit,
		fieldHourlyResetAt, millis(rec.HourlyResetAt),
		fieldConcurrentUsed, rec.ConcurrentUsed,
		fieldConcurrentLimit, rec.ConcurrentLimit,
		fieldOverrideDaily, rec.OverrideDailyLimit,
		fieldOverrideHourly, rec.OverrideHourlyLimit,
		fieldOverrideConcurrent, rec.OverrideConcurrentLimit,
		fieldExpiresAt, millis(rec.ExpiresAt),
	}
	if err := initScript.Run(ctx, s.client, []string{s.key(rec.CompanyID)}, args...).Err(); err != nil {
		return nil, fmt.Errorf("failed to init quota: %w", err)
	}
	return s.Get(ctx, rec.CompanyID)
}

func counterFields(tier string) (string, string, error) {
	switch tier {
	case TierDaily:
		return fieldDailyUsed, fieldDailyResetAt, nil
	case TierHourly:
		return fieldHourlyUsed, fieldHourlyResetAt, nil
	default:
		return "", "", fmt.Errorf("tier %q has no counter", tier)
	}
}

func (s *RedisStore) roll(ctx context.Context, companyID, tier string, period time.Duration, now time.Time, delta int64) (int64, time.Time, error) {
	usedField, resetField, err := counterFields(tier)
	if err != nil {
		return 0, time.Time{}, err
	}
	res, err := rollScript.Run(ctx, s.client, []string{s.key(companyID)},
		usedField, resetField, period.Milliseconds(), now.UnixMilli(), delta).Slice()
	if err != nil {
		return 0, time.Time{}, mapErr(err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected quota script reply %v", res)
	}
	used, _ := res[0].(int64)
	resetMs, _ := res[1].(int64)
	return used, time.UnixMilli(resetMs).UTC(), nil
}

func (s *RedisStore) Roll(ctx context.Context, companyID, tier string, period time.Duration, now time.Time) (int64, time.Time, error) {
	return s.roll(ctx, companyID, tier, period, now, 0)
}

func (s *RedisStore) Increment(ctx context.Context, companyID, tier string, period time.Duration, now time.Time) (int64, time.Time, error) {
	return s.roll(ctx, companyID, tier, period, now, 1)
}

func (s *RedisStore) Reset(ctx context.Context, companyID, tier string, next time.Time) error {
	var args []interface{}
	if tier == TierConcurrent {
		args = []interface{}{fieldConcurrentUsed, 0}
	} else {
		usedField, resetField, err := counterFields(tier)
		if err != nil {
			return err
		}
		args = []interface{}{usedField, 0, resetField, millis(next)}
	}
	return mapErr(setScript.Run(ctx, s.client, []string{s.key(companyID)}, args...).Err())
}

func (s *RedisStore) AcquireConcurrent(ctx context.Context, companyID string, limit int64) (bool, int64, error) {
	res, err := acquireScript.Run(ctx, s.client, []string{s.key(companyID)}, limit).Slice()
	if err != nil {
		return false, 0, mapErr(err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected quota script reply %v", res)
	}
	acquired, _ := res[0].(int64)
	used, _ := res[1].(int64)
	return acquired == 1, used, nil
}

func (s *RedisStore) ReleaseConcurrent(ctx context.Context, companyID string) error {
	return releaseScript.Run(ctx, s.client, []string{s.key(companyID)}).Err()
}

func (s *RedisStore) SetLimits(ctx context.Context, companyID string, overrides Limits) error {
	return mapErr(setScript.Run(ctx, s.client, []string{s.key(companyID)},
		fieldOverrideDaily, overrides.Daily,
		fieldOverrideHourly, overrides.Hourly,
		fieldOverrideConcurrent, overrides.Concurrent,
		fieldExpiresAt, millis(overrides.ExpiresAt),
	).Err())
}

func (s *RedisStore) Delete(ctx context.Context, companyID string) error {
	return s.client.Del(ctx, s.key(companyID)).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
