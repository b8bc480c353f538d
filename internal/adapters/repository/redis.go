package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/reelpulse/internal/domain/session"
	"github.com/okian/reelpulse/pkg/logger"
)

// NewRedisClient creates a Redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Get().Info(ctx, "redis client connected", logger.String("addr", addr))
	return rdb, nil
}

// Session hash fields.
const (
	fieldFilmID        = "filmId"
	fieldUserID        = "userId"
	fieldStartTime     = "startTime"
	fieldEndTime       = "endTime"
	fieldLastEventAt   = "lastEventAt"
	fieldRetentionRate = "retentionRate"
	fieldCompleted     = "completed"
	fieldLastPosition  = "lastPosition"
)

// RedisSessionStore keeps each session in a hash at session:{id}.
// Upserts run as WATCH/MULTI/EXEC so concurrent writers to one session
// serialize; a conflicting writer retries against the fresh state.
type RedisSessionStore struct {
	client     redis.UniversalClient
	maxRetries int
}

// NewRedisSessionStore constructs a session store over client.
func NewRedisSessionStore(client redis.UniversalClient, opts ...Option) *RedisSessionStore {
	o := buildOptions(opts)
	return &RedisSessionStore{client: client, maxRetries: o.maxTxRetries}
}

func (s *RedisSessionStore) Upsert(ctx context.Context, m session.Mutation) (session.Session, error) {
	key := sessionKey(m.SessionID)
	var out session.Session

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		var cur *session.Session
		if len(fields) > 0 {
			existing, err := decodeSession(m.SessionID, fields)
			if err != nil {
				return err
			}
			cur = &existing
		}

		next := session.Apply(cur, m)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, encodeSession(&next))
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return session.Session{}, fmt.Errorf("upsert %s: %w", key, classify(err))
	}
	return session.Session{}, fmt.Errorf("upsert %s: %w", key, ErrTxConflict)
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (session.Session, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return session.Session{}, fmt.Errorf("get session %s: %w", id, classify(err))
	}
	if len(fields) == 0 {
		return session.Session{}, session.ErrNotFound
	}
	return decodeSession(id, fields)
}

func encodeSession(s *session.Session) map[string]any {
	out := map[string]any{
		fieldFilmID:    s.FilmID,
		fieldUserID:    s.UserID,
		fieldCompleted: strconv.FormatBool(s.Completed),
	}
	putTime := func(k string, t *time.Time) {
		if t != nil {
			out[k] = t.UTC().Format(time.RFC3339Nano)
		}
	}
	putFloat := func(k string, f *float64) {
		if f != nil {
			out[k] = strconv.FormatFloat(*f, 'f', -1, 64)
		}
	}
	putTime(fieldStartTime, s.StartTime)
	putTime(fieldEndTime, s.EndTime)
	putTime(fieldLastEventAt, s.LastEventAt)
	putFloat(fieldRetentionRate, s.RetentionRate)
	putFloat(fieldLastPosition, s.LastPosition)
	return out
}

func decodeSession(id string, fields map[string]string) (session.Session, error) {
	s := session.Session{
		ID:     id,
		FilmID: fields[fieldFilmID],
		UserID: fields[fieldUserID],
	}

	var err error
	if s.StartTime, err = parseTime(fields, fieldStartTime); err != nil {
		return session.Session{}, err
	}
	if s.EndTime, err = parseTime(fields, fieldEndTime); err != nil {
		return session.Session{}, err
	}
	if s.LastEventAt, err = parseTime(fields, fieldLastEventAt); err != nil {
		return session.Session{}, err
	}
	if s.RetentionRate, err = parseFloat(fields, fieldRetentionRate); err != nil {
		return session.Session{}, err
	}
	if s.LastPosition, err = parseFloat(fields, fieldLastPosition); err != nil {
		return session.Session{}, err
	}
	if v, ok := fields[fieldCompleted]; ok {
		if s.Completed, err = strconv.ParseBool(v); err != nil {
			return session.Session{}, fmt.Errorf("%w: %s: %v", ErrCorruptSession, fieldCompleted, err)
		}
	}
	return s, nil
}

func parseTime(fields map[string]string, k string) (*time.Time, error) {
	v, ok := fields[k]
	if !ok || v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSession, k, err)
	}
	return &t, nil
}

func parseFloat(fields map[string]string, k string) (*float64, error) {
	v, ok := fields[k]
	if !ok || v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSession, k, err)
	}
	return &f, nil
}

// KEYS: film set, film index. ARGV: user, now (unix ms), film.
var removeScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[3])
end
return 1
`)

// KEYS: film index. ARGV: film key prefix, now (unix ms).
var liveFilmsScript = redis.NewScript(`
local live = {}
for _, film in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  local key = ARGV[1] .. film
  redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
  if redis.call('ZCARD', key) == 0 then
    redis.call('SREM', KEYS[1], film)
  else
    table.insert(live, film)
  end
end
return live
`)

// classify tags WRONGTYPE replies so callers can tell them apart from
// connectivity failures.
func classify(err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) && strings.Contains(rerr.Error(), "WRONGTYPE") {
		return fmt.Errorf("%w: %w", ErrWrongType, err)
	}
	return err
}

// RedisPresenceStore keeps each film's members in a sorted set scored by
// expiry (unix ms). Counts only include scores in the future, so expired
// members disappear without a sweeper; writes trim them.
type RedisPresenceStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisPresenceStore constructs a presence store over client.
func NewRedisPresenceStore(client redis.UniversalClient, opts ...Option) *RedisPresenceStore {
	o := buildOptions(opts)
	return &RedisPresenceStore{client: client, ttl: o.ttl, now: o.now}
}

func (s *RedisPresenceStore) Add(ctx context.Context, filmID, userID string) error {
	now := s.now()
	key := presenceKey(filmID)

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(now.Add(s.ttl).UnixMilli()), Member: userID})
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		p.Expire(ctx, key, s.ttl)
		p.SAdd(ctx, presenceFilmsKey, filmID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add %s to %s: %w", userID, key, classify(err))
	}
	return nil
}

func (s *RedisPresenceStore) Remove(ctx context.Context, filmID, userID string) error {
	key := presenceKey(filmID)
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	err := removeScript.Run(ctx, s.client, []string{key, presenceFilmsKey}, userID, now, filmID).Err()
	if err != nil {
		return fmt.Errorf("remove %s from %s: %w", userID, key, classify(err))
	}
	return nil
}

func (s *RedisPresenceStore) Count(ctx context.Context, filmID string) (int64, error) {
	floor := "(" + strconv.FormatInt(s.now().UnixMilli(), 10)
	n, err := s.client.ZCount(ctx, presenceKey(filmID), floor, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", presenceKey(filmID), classify(err))
	}
	return n, nil
}

// Films lists films with live members. Films whose members have all
// expired are dropped from the index on the way.
func (s *RedisPresenceStore) Films(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	films, err := liveFilmsScript.Run(ctx, s.client, []string{presenceFilmsKey}, presenceKeyPrefix, now).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("list films: %w", classify(err))
	}
	sort.Strings(films)
	return films, nil
}
