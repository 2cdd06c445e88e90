package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/park285/chess-hubble/internal/domain"
)

const (
	DefaultTTL     = 24 * time.Hour
	defaultLockTTL = 2 * time.Minute
)

var ErrLockHeld = errors.New("analysis already in progress")

// unlockScript deletes the lock only if it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Cache keeps finished analyses in Redis so repeat requests skip the
// engine, and serialises concurrent analysis of the same game.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

// Dial connects to REDIS_URL and checks the server answers.
func Dial(ctx context.Context, redisURL string, ttl time.Duration) (*Cache, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for analysis cache")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, ttl), nil
}

func (c *Cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func (c *Cache) keyGame(id string) string { return "hubble:game:" + strings.TrimSpace(id) }
func (c *Cache) keyLock(id string) string { return c.keyGame(id) + ":lock" }

// Get returns the cached record, or nil on a miss.
func (c *Cache) Get(ctx context.Context, id string) (*domain.GameRecord, error) {
	raw, err := c.rdb.Get(ctx, c.keyGame(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", id, err)
	}
	var rec domain.GameRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A record we cannot read is as good as a miss.
		_ = c.rdb.Del(ctx, c.keyGame(id)).Err()
		return nil, nil
	}
	return &rec, nil
}

func (c *Cache) Put(ctx context.Context, rec *domain.GameRecord) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := c.rdb.Set(ctx, c.keyGame(rec.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache put %s: %w", rec.ID, err)
	}
	return nil
}

// Lock claims the right to analyse id. It returns ErrLockHeld when another
// worker holds it. The returned token is needed to Unlock.
func (c *Cache) Lock(ctx context.Context, id string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, c.keyLock(id), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("lock %s: %w", id, err)
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

func (c *Cache) Unlock(ctx context.Context, id, token string) error {
	if token == "" {
		return nil
	}
	if err := unlockScript.Run(ctx, c.rdb, []string{c.keyLock(id)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("unlock %s: %w", id, err)
	}
	return nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
