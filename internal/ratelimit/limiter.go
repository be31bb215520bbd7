// Package ratelimit keeps hourly and daily submission quotas in the session database
// so that limits hold across separate runs.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Level represents the level of rate limiting
type Level string

const (
	LevelAccount         Level = "account"
	LevelRecipientDomain Level = "recipient_domain"
)

// Config contains rate limit configuration
type Config struct {
	// Limits for all messages of one sender account
	Account *LimitConfig

	// Default limits per recipient domain
	RecipientDomain *LimitConfig

	// Per recipient domain overrides
	Domains map[string]*LimitConfig
}

// LimitConfig contains rate limit values. Zero means unlimited.
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// Counter tracks rate limit counters
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Request contains information about the rate limit request
type Request struct {
	Account         string // Sender address
	RecipientDomain string
}

// Result contains the rate limit check result
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats contains rate limit statistics
type Stats struct {
	Level       Level
	Key         string
	HourlyCount int
	DailyCount  int
	HourStart   time.Time
	DayStart    time.Time
}

// Limiter checks and counts submissions. Every successful Allow is written
// through to the database.
type Limiter struct {
	db     *bolt.DB
	config *Config
	mu     sync.Mutex
	now    func() time.Time
}

// NewLimiter creates a new rate limiter
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	return &Limiter{
		db:     db,
		config: cfg,
		now:    time.Now,
	}, nil
}

// Allow checks every applicable limit and, when all pass, counts one message
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	result := &Result{Allowed: true}
	now := l.now()
	checks := l.getChecks(req)
	if len(checks) == 0 {
		return result, nil
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)

		counters := make([]*Counter, len(checks))
		for i, check := range checks {
			counter := loadCounter(bucket, check.key, now)
			resetExpiredCounter(counter, now)
			counters[i] = counter

			if check.limit.MessagesPerHour > 0 && counter.HourlyCount >= check.limit.MessagesPerHour {
				result.Allowed = false
				result.DeniedBy = check.level
				result.DeniedKey = check.key
				result.RetryAfter = counter.HourStart.Add(time.Hour).Sub(now)
				return nil
			}
			if check.limit.MessagesPerDay > 0 && counter.DailyCount >= check.limit.MessagesPerDay {
				result.Allowed = false
				result.DeniedBy = check.level
				result.DeniedKey = check.key
				result.RetryAfter = counter.DayStart.Add(24 * time.Hour).Sub(now)
				return nil
			}
		}

		// Increment all counters if allowed
		for i, check := range checks {
			counters[i].HourlyCount++
			counters[i].DailyCount++
			data, err := json.Marshal(counters[i])
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(check.key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update rate limit counters: %w", err)
	}

	return result, nil
}

// GetStats returns current rate limit statistics
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	stats := &Stats{Level: level, Key: key}
	now := l.now()

	err := l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		data := bucket.Get([]byte(makeKey(level, key)))
		if data == nil {
			return nil
		}

		var counter Counter
		if err := json.Unmarshal(data, &counter); err != nil {
			return err
		}
		resetExpiredCounter(&counter, now)

		stats.HourlyCount = counter.HourlyCount
		stats.DailyCount = counter.DailyCount
		stats.HourStart = counter.HourStart
		stats.DayStart = counter.DayStart
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit counters: %w", err)
	}

	return stats, nil
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

func (l *Limiter) getChecks(req *Request) []limitCheck {
	var checks []limitCheck

	if req.Account != "" && l.config.Account != nil {
		checks = append(checks, limitCheck{
			level: LevelAccount,
			key:   makeKey(LevelAccount, strings.ToLower(req.Account)),
			limit: l.config.Account,
		})
	}

	if req.RecipientDomain != "" {
		domain := strings.ToLower(req.RecipientDomain)
		limit := l.config.RecipientDomain
		if override, ok := l.config.Domains[domain]; ok {
			limit = override
		}
		if limit != nil {
			checks = append(checks, limitCheck{
				level: LevelRecipientDomain,
				key:   makeKey(LevelRecipientDomain, domain),
				limit: limit,
			})
		}
	}

	return checks
}

// loadCounter reads a counter, starting a fresh one for unknown or invalid entries
func loadCounter(bucket *bolt.Bucket, key string, now time.Time) *Counter {
	counter := &Counter{HourStart: now, DayStart: now}
	if data := bucket.Get([]byte(key)); data != nil {
		if err := json.Unmarshal(data, counter); err != nil {
			return &Counter{HourStart: now, DayStart: now}
		}
	}
	return counter
}

func resetExpiredCounter(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

// makeKey builds the bucket key; keys are case-insensitive
func makeKey(level Level, key string) string {
	return string(level) + ":" + strings.ToLower(key)
}
