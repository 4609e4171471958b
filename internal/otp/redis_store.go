package otp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/diagnosis/wa-relay/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "wa-relay:otp:"

// RedisStore shares OTP records between relay instances.
//
// Layout under the prefix:
//
//	rec:<id>      hash with the record fields, times in unix microseconds
//	phone:<phone> sorted set of record ids scored by issuance time
//	expiry        sorted set of record ids scored by expiry time
//
// Record keys carry a TTL of expiry plus retention so abandoned records
// disappear even when no sweeper runs.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

// NewRedisClient parses url and verifies the server responds.
func NewRedisClient(ctx context.Context, url, password string, db int) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	if db != 0 {
		opts.DB = db
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) recKey(id string) string      { return s.prefix + "rec:" + id }
func (s *RedisStore) phoneKey(phone string) string { return s.prefix + "phone:" + phone }
func (s *RedisStore) expiryKey() string            { return s.prefix + "expiry" }

func (s *RedisStore) Put(ctx context.Context, rec *domain.OTPRecord) error {
	key := s.recKey(rec.ID)
	deadline := rec.ExpiresAt.Add(s.retention)

	fields := map[string]interface{}{
		"id":         rec.ID,
		"code_hash":  rec.CodeHash,
		"phone":      rec.PhoneNumber,
		"issued_at":  rec.IssuedAt.UnixMicro(),
		"expires_at": rec.ExpiresAt.UnixMicro(),
		"consumed":   boolField(rec.Consumed),
		"attempts":   rec.Attempts,
	}
	if rec.ConsumedAt != nil {
		fields["consumed_at"] = rec.ConsumedAt.UnixMicro()
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.PExpireAt(ctx, key, deadline)
		pipe.ZAdd(ctx, s.phoneKey(rec.PhoneNumber), redis.Z{Score: float64(rec.IssuedAt.UnixMicro()), Member: rec.ID})
		pipe.PExpireAt(ctx, s.phoneKey(rec.PhoneNumber), deadline)
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(rec.ExpiresAt.UnixMicro()), Member: rec.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("store otp: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.OTPRecord, error) {
	vals, err := s.client.HGetAll(ctx, s.recKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load otp: %w", err)
	}
	if len(vals) == 0 {
		return nil, domain.ErrNotFound
	}
	return decodeRecord(vals)
}

func (s *RedisStore) FindActiveByPhone(ctx context.Context, phone string) (*domain.OTPRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.phoneKey(phone), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup otp by phone: %w", err)
	}
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			s.client.ZRem(ctx, s.phoneKey(phone), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !rec.Consumed {
			return rec, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	phone, err := s.client.HGet(ctx, s.recKey(id), "phone").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete otp: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recKey(id))
		pipe.ZRem(ctx, s.expiryKey(), id)
		if phone != "" {
			pipe.ZRem(ctx, s.phoneKey(phone), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete otp: %w", err)
	}
	return nil
}

var markConsumedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'consumed') == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'consumed', '1', 'consumed_at', ARGV[1])
return 1
`)

func (s *RedisStore) MarkConsumed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := markConsumedScript.Run(ctx, s.client, []string{s.recKey(id)}, at.UnixMicro()).Int()
	if err != nil {
		return false, fmt.Errorf("consume otp: %w", err)
	}
	switch res {
	case -1:
		return false, domain.ErrNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

var failedAttemptScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)

func (s *RedisStore) RecordFailedAttempt(ctx context.Context, id string) (int, error) {
	n, err := failedAttemptScript.Run(ctx, s.client, []string{s.recKey(id)}).Int()
	if err != nil {
		return 0, fmt.Errorf("record otp attempt: %w", err)
	}
	if n < 0 {
		return 0, domain.ErrNotFound
	}
	return n, nil
}

// KEYS: phone set, expiry set. ARGV: keep id, keep issued_at, cap, record key prefix.
var supersedeScript = redis.NewScript(`
local keepScore = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', keepScore, 'WITHSCORES')
local n = 0
for i = 1, #ids, 2 do
  local id = ids[i]
  local score = tonumber(ids[i + 1])
  if id ~= ARGV[1] and (score < keepScore or id < ARGV[1]) then
    local key = ARGV[4] .. id
    if redis.call('HGET', key, 'consumed') == '0' then
      local exp = tonumber(redis.call('HGET', key, 'expires_at'))
      if exp > cap then
        redis.call('HSET', key, 'expires_at', ARGV[3])
        redis.call('ZADD', KEYS[2], cap, id)
        n = n + 1
      end
    end
  end
end
return n
`)

func (s *RedisStore) Supersede(ctx context.Context, phone, keepID string, at time.Time) (int, error) {
	issued, err := s.client.HGet(ctx, s.recKey(keepID), "issued_at").Result()
	if errors.Is(err, redis.Nil) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("supersede otp: %w", err)
	}

	n, err := supersedeScript.Run(ctx, s.client,
		[]string{s.phoneKey(phone), s.expiryKey()},
		keepID, issued, at.UnixMicro(), s.prefix+"rec:",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("supersede otp: %w", err)
	}
	return n, nil
}

func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep otp: %w", err)
	}
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Clear removes every key under the store prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("clear otp store: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func decodeRecord(vals map[string]string) (*domain.OTPRecord, error) {
	issued, err := strconv.ParseInt(vals["issued_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode otp issued_at: %w", err)
	}
	expires, err := strconv.ParseInt(vals["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode otp expires_at: %w", err)
	}

	rec := &domain.OTPRecord{
		ID:          vals["id"],
		CodeHash:    vals["code_hash"],
		PhoneNumber: vals["phone"],
		IssuedAt:    time.UnixMicro(issued),
		ExpiresAt:   time.UnixMicro(expires),
		Consumed:    vals["consumed"] == "1",
	}
	if v, ok := vals["attempts"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("decode otp attempts: %w", err)
		}
		rec.Attempts = n
	}
	if v, ok := vals["consumed_at"]; ok && v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode otp consumed_at: %w", err)
		}
		t := time.UnixMicro(ts)
		rec.ConsumedAt = &t
	}
	return rec, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
