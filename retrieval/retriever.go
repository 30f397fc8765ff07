// Package retrieval 实现混合知识检索编排：查询改写、向量/词法
// 并行粗召回、RRF 融合、可选交叉编码器重排，以及各级失败下的
// 纯文本检索兜底。Retrieve 从不向调用方抛错，最坏情况返回空列表。
package retrieval

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foodsafe/knowbase/embedding"
	"github.com/foodsafe/knowbase/internal/metrics"
	"github.com/foodsafe/knowbase/rerank"
	"github.com/foodsafe/knowbase/rewrite"
	"github.com/foodsafe/knowbase/store"
	"github.com/foodsafe/knowbase/types"
)

// 融合与粗召回的参考常量。RRFK 越大头部排名的影响越平缓。
const (
	DefaultRRFK             = 60
	DefaultCoarseMultiplier = 4
	DefaultTopK             = 5
)

// Config 检索编排配置。
type Config struct {
	RRFK             int `yaml:"rrf_k" json:"rrf_k"`
	CoarseMultiplier int `yaml:"coarse_multiplier" json:"coarse_multiplier"`
	DefaultTopK      int `yaml:"default_top_k" json:"default_top_k"`
}

// DefaultConfig 返回默认检索配置。
func DefaultConfig() Config {
	return Config{
		RRFK:             DefaultRRFK,
		CoarseMultiplier: DefaultCoarseMultiplier,
		DefaultTopK:      DefaultTopK,
	}
}

// Options 单次检索的过滤参数。
type Options struct {
	Categories     []types.Category
	TopK           int
	Threshold      float64
	IncludeExpired bool
}

// QueryRewriter 查询改写入口。*rewrite.Rewriter 与
// *rewrite.CachedRewriter 都满足该接口。
type QueryRewriter interface {
	Rewrite(query string) []types.QueryVariant
}

// Retriever 知识检索编排器。所有协作方通过构造函数注入，
// 无包级单例。每次 Retrieve 调用相互独立，可并发使用。
type Retriever struct {
	store    *store.Store
	embedder embedding.Provider
	rewriter QueryRewriter
	reranker *rerank.Reranker
	config   Config
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New 创建检索器。embedder 为 nil 时所有查询走文本兜底；
// reranker 为 nil 或未启用时跳过重排；collector 可为 nil。
func New(st *store.Store, embedder embedding.Provider, rewriter QueryRewriter,
	reranker *rerank.Reranker, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Retriever {
	if rewriter == nil {
		rewriter = rewrite.NewRewriter(nil, nil, logger)
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = DefaultRRFK
	}
	if cfg.CoarseMultiplier <= 0 {
		cfg.CoarseMultiplier = DefaultCoarseMultiplier
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = DefaultTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		store:    st,
		embedder: embedder,
		rewriter: rewriter,
		reranker: reranker,
		config:   cfg,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "retriever")),
	}
}

// Retrieve 执行一次混合检索，返回至多 opts.TopK 条最优结果。
// 任何内部错误都被就地消化：编码失败或两路皆空回退到文本检索，
// 不可恢复的异常恢复为返回空列表。
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) (results []types.KnowledgeDocument) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("retrieve panicked", zap.Any("panic", rec), zap.String("query", query))
			r.metrics.RetrievalCompleted("panic")
			results = []types.KnowledgeDocument{}
		}
	}()

	if opts.TopK <= 0 {
		opts.TopK = r.config.DefaultTopK
	}
	traceID := uuid.NewString()
	logger := r.logger.With(zap.String("trace_id", traceID))
	started := time.Now()

	rewriteStart := time.Now()
	variants := r.rewriter.Rewrite(query)
	r.metrics.ObserveStage(metrics.StageRewrite, time.Since(rewriteStart))
	primary := variants[0]

	lexicalOn := r.store.LexicalEnabled()
	rerankOn := r.reranker != nil && r.reranker.Enabled()

	// 粗召回宽度：后续还有融合或重排阶段时放大候选集。
	coarse := opts.TopK
	if lexicalOn || rerankOn {
		coarse = r.config.CoarseMultiplier * opts.TopK
	}
	half := coarse / 2
	if half < 1 {
		half = 1
	}

	// 主查询用原始形式向量化；编码失败直接走文本兜底。
	var primaryEmb []float32
	if r.embedder != nil {
		emb, err := r.embedder.Embed(ctx, primary.Raw)
		if err != nil {
			logger.Warn("query encoding failed, falling back to text search",
				zap.String("query", query), zap.Error(err))
			r.metrics.FallbackTriggered("encoding")
			return r.textFallback(ctx, query, opts, logger)
		}
		primaryEmb = emb
	}

	vecSlots := make([][]types.KnowledgeDocument, len(variants))
	lexSlots := make([][]types.KnowledgeDocument, len(variants))

	g, gctx := errgroup.WithContext(ctx)

	if primaryEmb != nil {
		g.Go(func() error {
			vecSlots[0] = r.vectorSearch(gctx, primaryEmb, opts, coarse, logger)
			return nil
		})
	}
	for i := 1; i < len(variants); i++ {
		i := i
		if r.embedder != nil {
			g.Go(func() error {
				emb, err := r.embedder.Embed(gctx, variants[i].Raw)
				if err != nil {
					// 子查询编码失败只影响该变体。
					logger.Warn("sub-query encoding failed",
						zap.String("sub_query", variants[i].Raw), zap.Error(err))
					return nil
				}
				vecSlots[i] = r.vectorSearch(gctx, emb, opts, half, logger)
				return nil
			})
		}
	}
	if lexicalOn {
		g.Go(func() error {
			lexSlots[0] = r.lexicalSearch(gctx, primary.Expanded, opts, coarse, logger)
			return nil
		})
		for i := 1; i < len(variants); i++ {
			i := i
			g.Go(func() error {
				lexSlots[i] = r.lexicalSearch(gctx, variants[i].Expanded, opts, half, logger)
				return nil
			})
		}
	}
	_ = g.Wait()

	// 固定逻辑顺序合并：主查询在前、子查询按变体顺序，重复 id first-seen 保留。
	vectorHits := mergeFirstSeen(vecSlots...)
	lexicalHits := mergeFirstSeen(lexSlots...)

	var working []types.KnowledgeDocument
	switch {
	case len(vectorHits) > 0 && len(lexicalHits) > 0:
		fusionStart := time.Now()
		working = fuseRRF(vectorHits, lexicalHits, r.config.RRFK, coarse)
		r.metrics.ObserveStage(metrics.StageFusion, time.Since(fusionStart))
	case len(vectorHits) > 0:
		working = vectorHits
	case len(lexicalHits) > 0:
		working = lexicalHits
	default:
		logger.Info("both search stages empty, falling back to text search",
			zap.String("query", query))
		r.metrics.FallbackTriggered("empty")
		return r.textFallback(ctx, query, opts, logger)
	}

	if rerankOn && len(working) > 1 {
		rerankStart := time.Now()
		before := r.reranker.GetStats()
		reranked := r.reranker.Rerank(ctx, primary.Expanded, working, opts.TopK)
		after := r.reranker.GetStats()
		r.metrics.ObserveStage(metrics.StageRerank, time.Since(rerankStart))
		r.metrics.RerankCall(after.Errors > before.Errors)
		working = reranked
	} else if len(working) > opts.TopK {
		working = working[:opts.TopK]
	}

	logger.Info("retrieve completed",
		zap.String("query", query),
		zap.Int("variants", len(variants)),
		zap.Int("vector_hits", len(vectorHits)),
		zap.Int("lexical_hits", len(lexicalHits)),
		zap.Int("returned", len(working)),
		zap.Bool("reranked", rerankOn && len(working) > 1),
		zap.Duration("elapsed", time.Since(started)))
	r.metrics.RetrievalCompleted("ok")
	return working
}

func (r *Retriever) vectorSearch(ctx context.Context, emb []float32, opts Options, limit int, logger *zap.Logger) []types.KnowledgeDocument {
	start := time.Now()
	defer func() { r.metrics.ObserveStage(metrics.StageVector, time.Since(start)) }()
	hits, err := r.store.VectorSearch(ctx, emb, store.SearchOptions{
		Categories:     opts.Categories,
		Limit:          limit,
		Threshold:      opts.Threshold,
		IncludeExpired: opts.IncludeExpired,
	})
	if err != nil {
		// 单路检索失败按零结果处理，交由融合/兜底消化。
		logger.Warn("vector search failed", zap.Error(err))
		return nil
	}
	return hits
}

func (r *Retriever) lexicalSearch(ctx context.Context, query string, opts Options, limit int, logger *zap.Logger) []types.KnowledgeDocument {
	start := time.Now()
	defer func() { r.metrics.ObserveStage(metrics.StageLexical, time.Since(start)) }()
	hits, err := r.store.LexicalSearch(ctx, query, store.SearchOptions{
		Categories:     opts.Categories,
		Limit:          limit,
		IncludeExpired: opts.IncludeExpired,
	})
	if err != nil {
		logger.Warn("lexical search failed", zap.Error(err))
		return nil
	}
	return hits
}

func (r *Retriever) textFallback(ctx context.Context, query string, opts Options, logger *zap.Logger) []types.KnowledgeDocument {
	hits, err := r.store.TextSearch(ctx, query, store.SearchOptions{
		Categories:     opts.Categories,
		Limit:          opts.TopK,
		IncludeExpired: opts.IncludeExpired,
	})
	if err != nil {
		logger.Error("text fallback failed", zap.Error(err))
		r.metrics.RetrievalCompleted("error")
		return []types.KnowledgeDocument{}
	}
	r.metrics.RetrievalCompleted("fallback")
	return hits
}
