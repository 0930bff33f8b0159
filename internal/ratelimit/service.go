// Package ratelimit implements the per-domain rate limiter, distributed lock,
// cookie cache, and URL dedup set on a shared Redis store.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tsukimori/mangahive/internal/scrape"
)

// Window is the sliding rate-limit window.
const Window = 60 * time.Second

// Config holds Redis connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
}

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectTimeout = 5 * time.Second

// NewClient creates a ping-checked Redis client.
func NewClient(cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Service implements scrape.Limiter and scrape.CookieJar against Redis.
// It holds no local state; the store is the single source of truth across
// worker processes.
type Service struct {
	rdb *redis.Client
}

// New constructs a Service from an existing client.
func New(rdb *redis.Client) *Service {
	return &Service{rdb: rdb}
}

// Allow atomically increments the 60-second counter for domain and reports
// whether the request is within limit. Exactly limit calls succeed per window.
func (s *Service) Allow(ctx context.Context, domain string, limit int) (bool, error) {
	key := "rate:" + domain
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, scrape.StoreError("rate incr", err)
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, key, Window).Err(); err != nil {
			return false, scrape.StoreError("rate expire", err)
		}
	}
	return n <= int64(limit), nil
}

// Remaining reports how many requests are left in the current window.
func (s *Service) Remaining(ctx context.Context, domain string, limit int) (int, error) {
	n, err := s.rdb.Get(ctx, "rate:"+domain).Int64()
	if errors.Is(err, redis.Nil) {
		return limit, nil
	}
	if err != nil {
		return 0, scrape.StoreError("rate get", err)
	}
	remaining := limit - int(n)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// AcquireLock performs an atomic set-if-absent with expiry. The lock
// self-destructs at TTL so a crashed holder cannot wedge other workers.
func (s *Service) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, "lock:"+name, 1, ttl).Result()
	if err != nil {
		return false, scrape.StoreError("lock setnx", err)
	}
	return ok, nil
}

// ReleaseLock deletes the lock unconditionally. Idempotent.
func (s *Service) ReleaseLock(ctx context.Context, name string) error {
	if err := s.rdb.Del(ctx, "lock:"+name).Err(); err != nil {
		return scrape.StoreError("lock del", err)
	}
	return nil
}

// StoreCookies caches harvested browser cookies for domain.
func (s *Service) StoreCookies(ctx context.Context, domain string, cookies []scrape.Cookie, ttl time.Duration) error {
	data, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("marshal cookies: %w", err)
	}
	if err := s.rdb.Set(ctx, "cookies:"+domain, data, ttl).Err(); err != nil {
		return scrape.StoreError("cookies set", err)
	}
	return nil
}

// Cookies returns cached cookies for domain, or nil when none are cached.
func (s *Service) Cookies(ctx context.Context, domain string) ([]scrape.Cookie, error) {
	data, err := s.rdb.Get(ctx, "cookies:"+domain).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, scrape.StoreError("cookies get", err)
	}
	var cookies []scrape.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("unmarshal cookies: %w", err)
	}
	return cookies, nil
}

const scrapedURLsKey = "scraped_urls"

// MarkURLScraped records url in the dedup set and refreshes its TTL.
func (s *Service) MarkURLScraped(ctx context.Context, url string, ttl time.Duration) error {
	if err := s.rdb.SAdd(ctx, scrapedURLsKey, url).Err(); err != nil {
		return scrape.StoreError("seen sadd", err)
	}
	if err := s.rdb.Expire(ctx, scrapedURLsKey, ttl).Err(); err != nil {
		return scrape.StoreError("seen expire", err)
	}
	return nil
}

// IsURLScraped reports whether url was scraped within the dedup TTL.
func (s *Service) IsURLScraped(ctx context.Context, url string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, scrapedURLsKey, url).Result()
	if err != nil {
		return false, scrape.StoreError("seen sismember", err)
	}
	return ok, nil
}
