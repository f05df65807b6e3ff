package ratelimit

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller. Callers are keyed by
// X-User-ID when present, otherwise by IP.
type RateLimiter struct {
	mu            sync.Mutex
	limiters      map[string]*entry
	limit         rate.Limit
	burst         int
	idleTTL       time.Duration
	logger        *zap.Logger
	cleanupTicker *time.Ticker
	stop          chan struct{}
	stopOnce      sync.Once
}

type Config struct {
	RequestsPerMinute int
	Burst             int
	IdleTTL           time.Duration
	Logger            *zap.Logger
}

func New(cfg Config) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	rl := &RateLimiter{
		limiters:      make(map[string]*entry),
		limit:         rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:         cfg.Burst,
		idleTTL:       cfg.IdleTTL,
		logger:        cfg.Logger,
		cleanupTicker: time.NewTicker(5 * time.Minute),
		stop:          make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()

		userID := c.Get("X-User-ID")
		if userID != "" {
			key = userID
		}

		if !rl.Allow(key) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
			)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return c.Next()
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	e, ok := rl.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = time.Now()
	rl.mu.Unlock()

	return e.limiter.Allow()
}

func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.stop:
			return
		case now := <-rl.cleanupTicker.C:
			rl.mu.Lock()
			for key, e := range rl.limiters {
				if now.Sub(e.lastSeen) > rl.idleTTL {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.stop)
	})
}
