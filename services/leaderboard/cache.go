package leaderboard

import (
	"context"
	"encoding/json"
	"time"

	"competition-engine/pkg/config"
	"competition-engine/pkg/logger"
	"competition-engine/pkg/rediskey"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "leaderboard_cache_lookups_total",
	Help: "Leaderboard cache lookups by scope kind and result",
}, []string{"scope", "result"})

const (
	defaultTTL           = 5 * time.Minute
	defaultPageLimit     = 50
	defaultGlobalLimit   = 100
	storeBackendRedis    = "redis"
	scopeKindCompetition = "competition"
	scopeKindGlobal      = "global"
)

// Cache is the TTL-bound read model in front of leaderboard queries. It is never
// authoritative: every failure degrades to a miss.
type Cache struct {
	store        Store
	ttl          time.Duration
	defaultLimit int
	globalLimit  int
}

type CacheParams struct {
	fx.In
	Config *config.Config `optional:"true"`
	Redis  *redis.Client  `optional:"true"`
}

func NewCache(p CacheParams) *Cache {
	c := &Cache{
		ttl:          defaultTTL,
		defaultLimit: defaultPageLimit,
		globalLimit:  defaultGlobalLimit,
	}

	if p.Config != nil {
		lb := p.Config.Leaderboard
		if lb.CacheTTL > 0 {
			c.ttl = lb.CacheTTL
		}
		if lb.DefaultLimit > 0 {
			c.defaultLimit = lb.DefaultLimit
		}
		if lb.GlobalLimit > 0 {
			c.globalLimit = lb.GlobalLimit
		}
		if lb.Store == storeBackendRedis && p.Redis != nil {
			c.store = NewRedisStore(p.Redis)
		}
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	return c
}

// NewCacheWithStore is used where the backend is chosen by the caller.
func NewCacheWithStore(store Store, ttl time.Duration, defaultLimit, globalLimit int) *Cache {
	return &Cache{store: store, ttl: ttl, defaultLimit: defaultLimit, globalLimit: globalLimit}
}

func scopeKind(scope string) string {
	if scope == rediskey.GlobalScope {
		return scopeKindGlobal
	}
	return scopeKindCompetition
}

func (c *Cache) load(ctx context.Context, scope, key string) (*Page, bool) {
	b, ok, err := c.store.Get(ctx, key)
	if err != nil {
		logger.FromContext(ctx).Warn("leaderboard cache read failed", zap.String("key", key), zap.Error(err))
		lookups.WithLabelValues(scopeKind(scope), "error").Inc()
		return nil, false
	}
	if !ok {
		lookups.WithLabelValues(scopeKind(scope), "miss").Inc()
		return nil, false
	}

	var page Page
	if err := json.Unmarshal(b, &page); err != nil {
		logger.FromContext(ctx).Warn("discarding corrupt leaderboard entry", zap.String("key", key), zap.Error(err))
		_ = c.store.Delete(ctx, key)
		lookups.WithLabelValues(scopeKind(scope), "error").Inc()
		return nil, false
	}
	lookups.WithLabelValues(scopeKind(scope), "hit").Inc()
	return &page, true
}

func (c *Cache) save(ctx context.Context, key string, page *Page) {
	b, err := json.Marshal(page)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, key, b, c.ttl); err != nil {
		logger.FromContext(ctx).Warn("leaderboard cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// defaultKeys are the pages a client requests without explicit parameters.
func (c *Cache) defaultKeys(scope string) []string {
	limit := c.defaultLimit
	if scope == rediskey.GlobalScope {
		limit = c.globalLimit
	}
	return []string{
		rediskey.BuildLeaderboardKey(scope, 1, limit, false),
		rediskey.BuildLeaderboardKey(scope, 1, limit, true),
	}
}

func (c *Cache) invalidate(ctx context.Context, scope string) {
	log := logger.FromContext(ctx).With(zap.String("scope", scope))
	if err := c.store.Delete(ctx, c.defaultKeys(scope)...); err != nil {
		log.Warn("failed to drop default leaderboard keys", zap.Error(err))
	}
	if err := c.store.DeletePattern(ctx, rediskey.BuildLeaderboardPattern(scope)); err != nil {
		log.Warn("failed to sweep leaderboard keys", zap.Error(err))
	}
}

// InvalidateCompetition drops the competition's pages and the global pages its
// volumes feed into.
func (c *Cache) InvalidateCompetition(ctx context.Context, competitionID string) {
	c.invalidate(ctx, competitionID)
	c.invalidate(ctx, rediskey.GlobalScope)
}
