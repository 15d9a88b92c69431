package pricing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-relay/internal/signals"
	"github.com/atlas-desktop/signal-relay/pkg/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned by a Store when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// keyPrefix namespaces cached prices, e.g. price:BTCUSDT
const keyPrefix = "price:"

// Store is the key/value backend of the price cache.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisStore is a Store backed by Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis. A failed ping is logged and the store is
// returned anyway; CachedLookup degrades around it.
func NewRedisStore(logger *zap.Logger, cfg types.RedisConfig) *RedisStore {
	logger = logger.Named("redis")
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MinIdleConns: 1,
		MaxRetries:   1,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("initial redis connection failed, price cache degraded",
			zap.String("address", cfg.Address),
			zap.Error(err),
		)
	} else {
		logger.Info("redis connected", zap.String("address", cfg.Address))
	}
	return &RedisStore{client: client}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return val, err
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Close closes the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// CacheConfig configures the read-through cache and its circuit breaker
type CacheConfig struct {
	TTL             time.Duration
	MaxFailures     int
	RecoveryBackoff time.Duration
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:             5 * time.Second,
		MaxFailures:     3,
		RecoveryBackoff: 30 * time.Second,
	}
}

// CachedLookup is a read-through price cache. Store failures never fail a
// lookup: after MaxFailures consecutive errors the store is bypassed for
// RecoveryBackoff.
type CachedLookup struct {
	logger *zap.Logger
	next   signals.PriceLookup
	store  Store
	config CacheConfig

	mu           sync.Mutex
	failureCount int
	openUntil    time.Time
	now          func() time.Time
}

// NewCachedLookup creates a new cached lookup in front of next.
func NewCachedLookup(logger *zap.Logger, next signals.PriceLookup, store Store, config CacheConfig) *CachedLookup {
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultCacheConfig().MaxFailures
	}
	return &CachedLookup{
		logger: logger.Named("price-cache"),
		next:   next,
		store:  store,
		config: config,
		now:    time.Now,
	}
}

// CurrentPrice implements signals.PriceLookup.
func (c *CachedLookup) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	key := keyPrefix + strings.ToUpper(symbol)

	if c.available() {
		val, err := c.store.Get(ctx, key)
		switch {
		case err == nil:
			c.recordSuccess()
			if price, perr := strconv.ParseFloat(val, 64); perr == nil && price > 0 {
				return price, nil
			}
			c.logger.Warn("discarding malformed cached price", zap.String("key", key), zap.String("value", val))
		case errors.Is(err, ErrCacheMiss):
			c.recordSuccess()
		default:
			c.recordFailure(err)
		}
	}

	price, err := c.next.CurrentPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}

	if c.available() && c.config.TTL > 0 {
		if err := c.store.Set(ctx, key, strconv.FormatFloat(price, 'f', -1, 64), c.config.TTL); err != nil {
			c.recordFailure(err)
		} else {
			c.recordSuccess()
		}
	}
	return price, nil
}

// Healthy reports whether the store is currently in use.
func (c *CachedLookup) Healthy() bool {
	return c.available()
}

func (c *CachedLookup) available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openUntil.IsZero() || !c.now().Before(c.openUntil)
}

func (c *CachedLookup) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	if c.failureCount >= c.config.MaxFailures {
		if c.openUntil.IsZero() || !c.now().Before(c.openUntil) {
			c.logger.Warn("price cache circuit open",
				zap.Int("failures", c.failureCount),
				zap.Duration("backoff", c.config.RecoveryBackoff),
				zap.Error(err),
			)
		}
		c.openUntil = c.now().Add(c.config.RecoveryBackoff)
	}
}

func (c *CachedLookup) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.openUntil.IsZero() {
		c.logger.Info("price cache circuit closed")
	}
	c.failureCount = 0
	c.openUntil = time.Time{}
}

type timeoutLookup struct {
	next    signals.PriceLookup
	timeout time.Duration
}

// WithTimeout bounds every call to next by d.
func WithTimeout(next signals.PriceLookup, d time.Duration) signals.PriceLookup {
	return &timeoutLookup{next: next, timeout: d}
}

func (t *timeoutLookup) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	price, err := t.next.CurrentPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("price lookup for %s: %w", symbol, err)
	}
	return price, nil
}
