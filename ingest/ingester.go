// Package ingest 实现参考文档的摄取：规范化、按类别分块、尽力而为的
// 向量化，以及块行+审计行的事务性落库。
//
// 所有入口只返回结构化结果，从不向调用方抛出异常；单块 embedding
// 失败仅记录日志，该块以纯词法可检索的形式入库。
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/foodsafe/knowbase/chunking"
	"github.com/foodsafe/knowbase/embedding"
	"github.com/foodsafe/knowbase/internal/metrics"
	"github.com/foodsafe/knowbase/store"
	"github.com/foodsafe/knowbase/types"
)

// Input 单篇文档的摄取参数。
type Input struct {
	Title         string         `json:"title"`
	Content       string         `json:"content"`
	Category      types.Category `json:"category"`
	Source        string         `json:"source"`
	SourceURL     string         `json:"source_url,omitempty"`
	Version       string         `json:"version"`
	EffectiveDate *time.Time     `json:"effective_date,omitempty"`
	ExpiryDate    *time.Time     `json:"expiry_date,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Operator      string         `json:"operator"`
}

// Result 摄取结果。Success=false 时 Error 携带原因。
type Result struct {
	Success       bool   `json:"success"`
	ParentID      uint   `json:"parent_id,omitempty"`
	ChunkIDs      []uint `json:"chunk_ids,omitempty"`
	ChunkCount    int    `json:"chunk_count"`
	HasEmbeddings bool   `json:"has_embeddings"`
	Error         string `json:"error,omitempty"`
}

// BatchResult 批量摄取结果。单篇失败不影响其余条目。
type BatchResult struct {
	Results      []Result `json:"results"`
	SuccessCount int      `json:"success_count"`
	FailCount    int      `json:"fail_count"`
}

// Ingester 文档摄取器。
type Ingester struct {
	store    *store.Store
	embedder embedding.Provider
	chunker  *chunking.Chunker
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New 创建摄取器。embedder 可为 nil，此时所有块仅词法可检索；
// collector 可为 nil。
func New(st *store.Store, embedder embedding.Provider, chunker *chunking.Chunker,
	collector *metrics.Collector, logger *zap.Logger) *Ingester {
	if chunker == nil {
		chunker = chunking.NewChunker(nil, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		store:    st,
		embedder: embedder,
		chunker:  chunker,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "ingester")),
	}
}

// IngestDocument 摄取单篇文档。任何内部错误都转为结构化失败返回。
func (ing *Ingester) IngestDocument(ctx context.Context, input Input) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			ing.logger.Error("ingest panicked", zap.Any("panic", r))
			result = Result{Success: false, Error: fmt.Sprintf("internal error: %v", r)}
		}
		ing.metrics.IngestCompleted(result.Success, result.ChunkCount)
	}()

	if strings.TrimSpace(input.Title) == "" {
		return Result{Success: false, Error: "title is required"}
	}
	if strings.TrimSpace(input.Content) == "" {
		return Result{Success: false, Error: "content is required"}
	}

	started := time.Now()
	chunks := ing.chunker.Split(input.Content, input.Category)
	if len(chunks) == 0 {
		return Result{Success: false, Error: "content produced no chunks"}
	}

	rows := make([]store.Document, len(chunks))
	embedded := 0
	for i, ch := range chunks {
		rows[i] = store.Document{
			Title:         input.Title,
			Content:       ch.Content,
			Category:      string(input.Category),
			Source:        input.Source,
			SourceURL:     input.SourceURL,
			Version:       input.Version,
			EffectiveDate: input.EffectiveDate,
			ExpiryDate:    input.ExpiryDate,
			ChunkIndex:    ch.Index,
			Metadata:      store.EncodeMetadata(input.Metadata),
			SearchTokens:  strings.Join(ing.store.Tokenize(input.Title+" "+ch.Content), " "),
			ContentHash:   types.ContentHash(ch.Content),
			TokenCount:    ch.TokenCount,
			IsActive:      true,
		}

		if ing.embedder == nil {
			continue
		}
		emb, err := ing.embedder.Embed(ctx, ch.Content)
		if err != nil {
			// 单块向量化失败不阻断摄取，该块仅词法可检索。
			ing.logger.Warn("chunk embedding failed",
				zap.String("title", input.Title),
				zap.Int("chunk_index", ch.Index),
				zap.Error(err))
			continue
		}
		v := pgvector.NewVector(emb)
		rows[i].Embedding = &v
		embedded++
	}

	parentID, ids, err := ing.store.SaveChunks(ctx, rows, store.AuditLog{
		NewVersion: input.Version,
		Operator:   input.Operator,
	})
	if err != nil {
		ing.logger.Error("ingest persist failed",
			zap.String("title", input.Title),
			zap.Error(err))
		return Result{Success: false, Error: err.Error()}
	}

	ing.logger.Info("document ingested",
		zap.String("title", input.Title),
		zap.String("category", string(input.Category)),
		zap.Uint("parent_id", parentID),
		zap.Int("chunks", len(ids)),
		zap.Int("embedded", embedded),
		zap.Duration("elapsed", time.Since(started)))

	return Result{
		Success:       true,
		ParentID:      parentID,
		ChunkIDs:      ids,
		ChunkCount:    len(ids),
		HasEmbeddings: embedded > 0,
	}
}

// IngestBatch 独立摄取每一篇文档并聚合结果。
func (ing *Ingester) IngestBatch(ctx context.Context, inputs []Input) BatchResult {
	batchID := uuid.NewString()
	out := BatchResult{Results: make([]Result, 0, len(inputs))}

	for _, input := range inputs {
		res := ing.IngestDocument(ctx, input)
		out.Results = append(out.Results, res)
		if res.Success {
			out.SuccessCount++
		} else {
			out.FailCount++
		}
	}

	ing.logger.Info("batch ingested",
		zap.String("batch_id", batchID),
		zap.Int("total", len(inputs)),
		zap.Int("succeeded", out.SuccessCount),
		zap.Int("failed", out.FailCount))
	return out
}

// DeprecateDocument 逻辑下线 parent_id 下的全部块。
func (ing *Ingester) DeprecateDocument(ctx context.Context, parentID uint, reason, operator string) Result {
	affected, err := ing.store.Deprecate(ctx, parentID, reason, operator)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, ParentID: parentID, ChunkCount: int(affected)}
}
