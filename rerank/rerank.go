// Package rerank provides a cross-encoder reranking client with graceful fallback.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/foodsafe/knowbase/types"
)

// Config configures the cross-encoder reranker client.
type Config struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	BaseURL     string        `json:"base_url" yaml:"base_url"`
	APIKey      string        `json:"api_key" yaml:"api_key"`
	Model       string        `json:"model" yaml:"model"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MaxDocChars int           `json:"max_doc_chars" yaml:"max_doc_chars"` // per-document text limit sent to the model
	RatePerSec  float64       `json:"rate_per_sec" yaml:"rate_per_sec"`   // 0 disables client-side rate limiting
}

// DefaultConfig returns the default reranker config.
func DefaultConfig() Config {
	return Config{
		Model:       "bge-reranker-v2-m3",
		Timeout:     15 * time.Second,
		MaxDocChars: 1500,
	}
}

// Stats are advisory call statistics. They never affect correctness.
type Stats struct {
	Calls        int64         `json:"calls"`
	Errors       int64         `json:"errors"`
	AvgLatency   time.Duration `json:"avg_latency"`
	LastCalledAt time.Time     `json:"last_called_at"`
}

// Reranker re-scores candidate documents with an external cross-encoder.
// Every failure mode falls back to the input order truncated to topN.
type Reranker struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a reranker client. A nil-configured client (empty BaseURL or
// Enabled=false) is valid and always falls back.
func New(cfg Config, logger *zap.Logger) *Reranker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxDocChars == 0 {
		cfg.MaxDocChars = 1500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Reranker{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger.With(zap.String("component", "reranker")),
	}
}

// Enabled reports whether the remote service is configured.
func (r *Reranker) Enabled() bool {
	return r.cfg.Enabled && r.cfg.BaseURL != ""
}

// GetStats returns a snapshot of the advisory call statistics.
func (r *Reranker) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank re-scores docs against query and returns the topN best, each gaining
// rerank_score and original_rank metadata. On any failure it returns
// docs[:topN] unchanged.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []types.KnowledgeDocument, topN int) []types.KnowledgeDocument {
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}
	if !r.Enabled() || len(docs) == 0 {
		return docs[:topN]
	}

	scored, err := r.call(ctx, query, docs, topN)
	if err != nil {
		r.logger.Warn("rerank failed, falling back to input order",
			zap.Int("candidates", len(docs)),
			zap.Error(err))
		return docs[:topN]
	}
	return scored
}

func (r *Reranker) call(ctx context.Context, query string, docs []types.KnowledgeDocument, topN int) ([]types.KnowledgeDocument, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, types.Wrap(types.ErrRerank, "rate limiter wait", err)
		}
	}

	started := time.Now()
	defer func() { r.record(time.Since(started)) }()

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = r.docText(d)
	}

	payload, _ := json.Marshal(rerankRequest{
		Model:     r.cfg.Model,
		Query:     query,
		Documents: texts,
		TopN:      topN,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(r.cfg.BaseURL, "/")+"/v1/rerank",
		bytes.NewReader(payload))
	if err != nil {
		r.recordError()
		return nil, types.Wrap(types.ErrRerank, "build rerank request", err)
	}
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.recordError()
		return nil, types.Wrap(types.ErrRerank, "rerank request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.recordError()
		body, _ := io.ReadAll(resp.Body)
		return nil, types.NewError(types.ErrRerank,
			fmt.Sprintf("rerank service status=%d body=%s", resp.StatusCode, string(body)))
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		r.recordError()
		return nil, types.Wrap(types.ErrRerank, "decode rerank response", err)
	}
	if len(out.Results) == 0 {
		r.recordError()
		return nil, types.NewError(types.ErrRerank, "empty rerank results")
	}

	reranked := make([]types.KnowledgeDocument, 0, topN)
	for _, res := range out.Results {
		if res.Index < 0 || res.Index >= len(docs) {
			continue
		}
		doc := docs[res.Index]
		doc.Similarity = res.RelevanceScore
		doc.SetMeta("rerank_score", res.RelevanceScore)
		doc.SetMeta("original_rank", res.Index+1)
		reranked = append(reranked, doc)
		if len(reranked) >= topN {
			break
		}
	}
	if len(reranked) == 0 {
		return nil, types.NewError(types.ErrRerank, "no valid indices in rerank results")
	}

	r.logger.Debug("rerank completed",
		zap.Int("candidates", len(docs)),
		zap.Int("returned", len(reranked)),
		zap.Duration("elapsed", time.Since(started)))

	return reranked, nil
}

// docText builds the text sent to the cross-encoder: title plus content
// truncated to the remote model's input limit.
func (r *Reranker) docText(d types.KnowledgeDocument) string {
	content := d.Content
	if runes := []rune(content); len(runes) > r.cfg.MaxDocChars {
		content = string(runes[:r.cfg.MaxDocChars])
	}
	if d.Title == "" {
		return content
	}
	return d.Title + "\n" + content
}

func (r *Reranker) record(elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Calls++
	r.stats.LastCalledAt = time.Now()
	if r.stats.AvgLatency == 0 {
		r.stats.AvgLatency = elapsed
	} else {
		// exponential moving average, alpha = 0.2
		r.stats.AvgLatency = time.Duration(0.8*float64(r.stats.AvgLatency) + 0.2*float64(elapsed))
	}
}

func (r *Reranker) recordError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Errors++
}
