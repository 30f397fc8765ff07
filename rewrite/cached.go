package rewrite

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/foodsafe/knowbase/internal/cache"
	"github.com/foodsafe/knowbase/internal/metrics"
	"github.com/foodsafe/knowbase/types"
)

const cacheKeyPrefix = "knowbase:rewrite:"

// cacheTimeout 缓存读写的内部超时。改写本身是纯计算，
// 缓存只能加速、不能拖慢检索路径。
const cacheTimeout = 200 * time.Millisecond

// CachedRewriter 在 Rewriter 前加一层 Redis 缓存。
// 改写由进程内不变的规则表驱动，同一查询的结果可以安全复用；
// 缓存任何故障都退回实时改写。
type CachedRewriter struct {
	inner   *Rewriter
	cache   *cache.Manager
	ttl     time.Duration
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewCachedRewriter 创建带缓存的改写器。ttl 为 0 时用缓存层默认值。
func NewCachedRewriter(inner *Rewriter, manager *cache.Manager, ttl time.Duration,
	collector *metrics.Collector, logger *zap.Logger) *CachedRewriter {
	if inner == nil {
		inner = NewRewriter(nil, nil, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedRewriter{
		inner:   inner,
		cache:   manager,
		ttl:     ttl,
		metrics: collector,
		logger:  logger.With(zap.String("component", "cached_rewriter")),
	}
}

// Rewrite 返回查询变体，优先命中缓存。
func (c *CachedRewriter) Rewrite(query string) []types.QueryVariant {
	if c.cache == nil {
		return c.inner.Rewrite(query)
	}

	key := cacheKeyPrefix + types.ContentHash(query)
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()

	var variants []types.QueryVariant
	err := c.cache.GetJSON(ctx, key, &variants)
	if err == nil && len(variants) > 0 {
		c.metrics.CacheHit()
		return variants
	}
	if err != nil && !cache.IsCacheMiss(err) {
		c.logger.Debug("rewrite cache read failed", zap.Error(err))
	}
	c.metrics.CacheMiss()

	variants = c.inner.Rewrite(query)
	if setErr := c.cache.SetJSON(ctx, key, variants, c.ttl); setErr != nil {
		c.logger.Debug("rewrite cache write failed", zap.Error(setErr))
	}
	return variants
}
