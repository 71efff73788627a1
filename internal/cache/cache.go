// Package cache wraps Valkey (Redis-protocol) for two concerns: a
// read-through cache in front of the config registry's problem/language
// lookups, and the backing counter for the distributed per-user
// submission rate limiter guarding POST /jobs.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"judgeservice/internal/models"
)

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(addr, password string, db int) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: 5 * time.Minute,
	}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func problemKey(id uint32) string   { return fmt.Sprintf("registry:problem:%d", id) }
func languageKey(name string) string { return fmt.Sprintf("registry:language:%s", name) }

// ProblemLoader is satisfied by *registry.Registry.
type ProblemLoader interface {
	GetProblem(id uint32) *models.Problem
}

// LanguageLoader is satisfied by *registry.Registry.
type LanguageLoader interface {
	GetLanguage(name string) *models.Language
}

// GetProblem serves a problem lookup from cache, falling back to the
// registry and populating the cache on miss. Cache unavailability is
// not fatal: a failed cache read falls through to the registry.
func (c *Cache) GetProblem(ctx context.Context, loader ProblemLoader, id uint32) *models.Problem {
	key := problemKey(id)
	if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var p models.Problem
		if json.Unmarshal(raw, &p) == nil {
			return &p
		}
	}
	p := loader.GetProblem(id)
	if p == nil {
		return nil
	}
	if raw, err := json.Marshal(p); err == nil {
		c.client.Set(ctx, key, raw, c.ttl)
	}
	return p
}

// GetLanguage serves a language lookup from cache, falling back to the
// registry and populating the cache on miss.
func (c *Cache) GetLanguage(ctx context.Context, loader LanguageLoader, name string) *models.Language {
	key := languageKey(name)
	if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var l models.Language
		if json.Unmarshal(raw, &l) == nil {
			return &l
		}
	}
	l := loader.GetLanguage(name)
	if l == nil {
		return nil
	}
	if raw, err := json.Marshal(l); err == nil {
		c.client.Set(ctx, key, raw, c.ttl)
	}
	return l
}

// AllowSubmission implements a fixed-window distributed rate limit of
// maxPerWindow submissions per user per window, independent of the
// contest submission_limit check performed by the dispatcher.
func (c *Cache) AllowSubmission(ctx context.Context, userID uint32, maxPerWindow int64, window time.Duration) (bool, error) {
	key := fmt.Sprintf("ratelimit:submit:%d", userID)
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: incrementing rate limit counter: %w", err)
	}
	if count == 1 {
		c.client.Expire(ctx, key, window)
	}
	return count <= maxPerWindow, nil
}
