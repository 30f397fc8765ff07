// Package metrics 提供检索/摄取管线的 Prometheus 指标采集。
// Collector 的全部方法对 nil 接收者安全，组件可以在未接线指标时照常工作。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 检索阶段标签值。
const (
	StageRewrite = "rewrite"
	StageVector  = "vector"
	StageLexical = "lexical"
	StageFusion  = "fusion"
	StageRerank  = "rerank"
)

// Collector 管线指标采集器，持有独立的 Registry。
type Collector struct {
	registry *prometheus.Registry

	retrievalDuration *prometheus.HistogramVec
	retrievalTotal    *prometheus.CounterVec
	fallbackTotal     *prometheus.CounterVec
	rerankCalls       prometheus.Counter
	rerankErrors      prometheus.Counter
	ingestTotal       *prometheus.CounterVec
	ingestChunks      prometheus.Counter
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
}

// NewCollector 创建并注册全部指标。
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		retrievalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "knowbase",
			Name:      "retrieval_stage_duration_seconds",
			Help:      "Duration of each retrieval pipeline stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		retrievalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowbase",
			Name:      "retrieval_total",
			Help:      "Retrieve calls by outcome",
		}, []string{"outcome"}),
		fallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowbase",
			Name:      "retrieval_fallback_total",
			Help:      "Plain text-search fallbacks by reason",
		}, []string{"reason"}),
		rerankCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "knowbase",
			Name:      "rerank_calls_total",
			Help:      "Cross-encoder rerank calls",
		}),
		rerankErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "knowbase",
			Name:      "rerank_errors_total",
			Help:      "Cross-encoder rerank failures",
		}),
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowbase",
			Name:      "ingest_documents_total",
			Help:      "Ingested documents by outcome",
		}, []string{"outcome"}),
		ingestChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "knowbase",
			Name:      "ingest_chunks_total",
			Help:      "Persisted chunks",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "knowbase",
			Name:      "expansion_cache_hits_total",
			Help:      "Query expansion cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "knowbase",
			Name:      "expansion_cache_misses_total",
			Help:      "Query expansion cache misses",
		}),
	}

	c.registry.MustRegister(
		c.retrievalDuration,
		c.retrievalTotal,
		c.fallbackTotal,
		c.rerankCalls,
		c.rerankErrors,
		c.ingestTotal,
		c.ingestChunks,
		c.cacheHits,
		c.cacheMisses,
	)
	return c
}

// Registry 返回底层注册表。
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveStage 记录单个检索阶段耗时。
func (c *Collector) ObserveStage(stage string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.retrievalDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RetrievalCompleted 记录一次 Retrieve 调用的结局。
func (c *Collector) RetrievalCompleted(outcome string) {
	if c == nil {
		return
	}
	c.retrievalTotal.WithLabelValues(outcome).Inc()
}

// FallbackTriggered 记录一次纯文本回退。
func (c *Collector) FallbackTriggered(reason string) {
	if c == nil {
		return
	}
	c.fallbackTotal.WithLabelValues(reason).Inc()
}

// RerankCall 记录一次重排调用。
func (c *Collector) RerankCall(failed bool) {
	if c == nil {
		return
	}
	c.rerankCalls.Inc()
	if failed {
		c.rerankErrors.Inc()
	}
}

// IngestCompleted 记录一次文档摄取。
func (c *Collector) IngestCompleted(success bool, chunks int) {
	if c == nil {
		return
	}
	if success {
		c.ingestTotal.WithLabelValues("success").Inc()
		c.ingestChunks.Add(float64(chunks))
	} else {
		c.ingestTotal.WithLabelValues("failure").Inc()
	}
}

// CacheHit 记录一次扩展缓存命中。
func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// CacheMiss 记录一次扩展缓存未命中。
func (c *Collector) CacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}
