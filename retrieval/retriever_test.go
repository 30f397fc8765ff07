package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/foodsafe/knowbase/internal/database"
	"github.com/foodsafe/knowbase/internal/metrics"
	"github.com/foodsafe/knowbase/rerank"
	"github.com/foodsafe/knowbase/store"
	"github.com/foodsafe/knowbase/types"
)

type stubEmbedder struct {
	vec  []float32
	fail bool
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	if s.fail {
		return nil, errors.New("encoder offline")
	}
	return s.vec, nil
}

func (s *stubEmbedder) Dimensions() int { return len(s.vec) }

func newTestStore(t *testing.T, tokenizer store.Tokenizer) *store.Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	cfg := database.DefaultPoolConfig()
	cfg.HealthCheckInterval = 0
	// 内存 sqlite 每个连接是独立数据库，池必须收敛到单连接。
	cfg.MaxIdleConns = 1
	cfg.MaxOpenConns = 1
	pool, err := database.NewPoolManager(db, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	st := store.New(pool, tokenizer, nil)
	require.NoError(t, st.AutoMigrate(context.Background()))
	return st
}

func seedDoc(t *testing.T, st *store.Store, title, content string, cat types.Category, emb []float32) uint {
	t.Helper()

	var vec *pgvector.Vector
	if emb != nil {
		v := pgvector.NewVector(emb)
		vec = &v
	}
	parentID, _, err := st.SaveChunks(context.Background(), []store.Document{{
		Title:        title,
		Content:      content,
		Category:     string(cat),
		SearchTokens: strings.Join(st.Tokenize(title+" "+content), " "),
		ContentHash:  types.ContentHash(content),
		IsActive:     true,
		Embedding:    vec,
	}}, store.AuditLog{Operator: "seed"})
	require.NoError(t, err)
	return parentID
}

func TestRetrieve_HybridFusion(t *testing.T) {
	st := newTestStore(t, store.BigramTokenizer{})
	seedDoc(t, st, "GB 2760", "山梨酸钾在酱腌菜中的最大使用量为每千克零点五克。", types.CategoryAdditive, []float32{1, 0, 0})
	seedDoc(t, st, "GB 2760", "苯甲酸钠在碳酸饮料中的最大使用量。", types.CategoryAdditive, []float32{0.9, 0.1, 0})
	seedDoc(t, st, "出厂检验", "每批产品出厂前进行微生物检验。", types.CategoryProcess, []float32{0, 1, 0})

	r := New(st, &stubEmbedder{vec: []float32{1, 0, 0}}, nil, nil, DefaultConfig(), metrics.NewCollector(), zap.NewNop())

	results := r.Retrieve(context.Background(), "山梨酸钾最大使用量", Options{TopK: 5})
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 5)

	// 向量与词法都命中山梨酸钾文档，融合后它应当排在首位并带 rrf_score。
	assert.Contains(t, results[0].Content, "山梨酸钾")
	_, ok := results[0].Metadata["rrf_score"]
	assert.True(t, ok)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
	}
}

func TestRetrieve_TopKTruncation(t *testing.T) {
	st := newTestStore(t, store.BigramTokenizer{})
	for i := 0; i < 8; i++ {
		seedDoc(t, st, "标准", "山梨酸钾使用范围条款。", types.CategoryStandard, []float32{1, float32(i) / 10, 0})
	}

	r := New(st, &stubEmbedder{vec: []float32{1, 0, 0}}, nil, nil, DefaultConfig(), nil, zap.NewNop())
	results := r.Retrieve(context.Background(), "山梨酸钾", Options{TopK: 3})
	assert.Len(t, results, 3)
}

func TestRetrieve_EmbeddingFailureFallsBackToText(t *testing.T) {
	st := newTestStore(t, store.NoopTokenizer{})
	seedDoc(t, st, "清洗消毒规程", "设备清洗后使用含氯消毒剂。", types.CategorySOP, nil)

	r := New(st, &stubEmbedder{fail: true}, nil, nil, DefaultConfig(), metrics.NewCollector(), zap.NewNop())
	results := r.Retrieve(context.Background(), "消毒剂", Options{TopK: 5})

	direct, err := st.TextSearch(context.Background(), "消毒剂", store.SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Equal(t, len(direct), len(results))
	for i := range direct {
		assert.Equal(t, direct[i].ID, results[i].ID)
	}
}

func TestRetrieve_BothStagesEmptyFallsBackToText(t *testing.T) {
	// 无 embedding 的文档对向量检索不可见，Noop 分词器关闭词法检索，
	// 两路皆空时兜底到标题/内容文本匹配。
	st := newTestStore(t, store.NoopTokenizer{})
	seedDoc(t, st, "金黄色葡萄球菌限量", "乳制品中金黄色葡萄球菌不得检出。", types.CategoryMicrobe, nil)

	r := New(st, &stubEmbedder{vec: []float32{1, 0, 0}}, nil, nil, DefaultConfig(), nil, zap.NewNop())
	results := r.Retrieve(context.Background(), "葡萄球菌", Options{TopK: 5})
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Title, "葡萄球菌")
}

func TestRetrieve_CategoryFilter(t *testing.T) {
	st := newTestStore(t, store.BigramTokenizer{})
	seedDoc(t, st, "添加剂标准", "山梨酸钾最大使用量规定。", types.CategoryAdditive, []float32{1, 0, 0})
	seedDoc(t, st, "微生物标准", "山梨酸钾对微生物的抑制作用说明。", types.CategoryMicrobe, []float32{1, 0, 0})

	r := New(st, &stubEmbedder{vec: []float32{1, 0, 0}}, nil, nil, DefaultConfig(), nil, zap.NewNop())
	results := r.Retrieve(context.Background(), "山梨酸钾", Options{
		TopK:       5,
		Categories: []types.Category{types.CategoryAdditive},
	})
	require.NotEmpty(t, results)
	for _, d := range results {
		assert.Equal(t, types.CategoryAdditive, d.Category)
	}
}

func TestRetrieve_WithReranker(t *testing.T) {
	st := newTestStore(t, store.BigramTokenizer{})
	seedDoc(t, st, "条款一", "山梨酸钾酱腌菜使用量。", types.CategoryAdditive, []float32{1, 0, 0})
	seedDoc(t, st, "条款二", "山梨酸钾饮料使用量。", types.CategoryAdditive, []float32{0.9, 0.1, 0})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Query     string   `json:"query"`
			Documents []string `json:"documents"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		// 重排使用扩展后的查询与全部融合候选。
		assert.Contains(t, body.Query, "山梨酸钾")
		assert.Len(t, body.Documents, 2)

		resp := map[string]any{"results": []map[string]any{
			{"index": 1, "relevance_score": 0.95},
			{"index": 0, "relevance_score": 0.40},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := rerank.DefaultConfig()
	cfg.Enabled = true
	cfg.BaseURL = srv.URL
	rr := rerank.New(cfg, zap.NewNop())

	r := New(st, &stubEmbedder{vec: []float32{1, 0, 0}}, nil, rr, DefaultConfig(), metrics.NewCollector(), zap.NewNop())
	results := r.Retrieve(context.Background(), "山梨酸钾", Options{TopK: 2})
	require.Len(t, results, 2)

	assert.Equal(t, "条款二", results[0].Title)
	assert.InDelta(t, 0.95, results[0].Similarity, 1e-9)
	assert.Equal(t, 2, results[0].Metadata["original_rank"])
}

func TestRetrieve_RerankerFailureKeepsFusedOrder(t *testing.T) {
	st := newTestStore(t, store.BigramTokenizer{})
	seedDoc(t, st, "条款一", "山梨酸钾酱腌菜使用量。", types.CategoryAdditive, []float32{1, 0, 0})
	seedDoc(t, st, "条款二", "山梨酸钾饮料使用量。", types.CategoryAdditive, []float32{0.9, 0.1, 0})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := rerank.DefaultConfig()
	cfg.Enabled = true
	cfg.BaseURL = srv.URL
	rr := rerank.New(cfg, zap.NewNop())

	withRerank := New(st, &stubEmbedder{vec: []float32{1, 0, 0}}, nil, rr, DefaultConfig(), nil, zap.NewNop())
	without := New(st, &stubEmbedder{vec: []float32{1, 0, 0}}, nil, nil, DefaultConfig(), nil, zap.NewNop())

	got := withRerank.Retrieve(context.Background(), "山梨酸钾", Options{TopK: 2})
	want := without.Retrieve(context.Background(), "山梨酸钾", Options{TopK: 2})
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
	}
}

func TestRetrieve_DecomposedQueryMergesSubResults(t *testing.T) {
	st := newTestStore(t, store.BigramTokenizer{})
	seedDoc(t, st, "山梨酸钾条款", "山梨酸钾的使用范围。", types.CategoryAdditive, []float32{1, 0, 0})
	seedDoc(t, st, "苯甲酸钠条款", "苯甲酸钠的使用范围。", types.CategoryAdditive, []float32{0, 1, 0})

	r := New(st, &stubEmbedder{vec: []float32{1, 0, 0}}, nil, nil, DefaultConfig(), nil, zap.NewNop())
	results := r.Retrieve(context.Background(), "山梨酸钾和苯甲酸钠的使用范围", Options{TopK: 5})

	ids := make(map[string]bool)
	for _, d := range results {
		ids[d.Title] = true
	}
	// 分解出的子查询把两种添加剂的条款都召回。
	assert.True(t, ids["山梨酸钾条款"])
	assert.True(t, ids["苯甲酸钠条款"])
}

func TestRetrieve_RecoversFromPanic(t *testing.T) {
	r := &Retriever{logger: zap.NewNop()}
	results := r.Retrieve(context.Background(), "任意查询", Options{TopK: 3})
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestRetrieve_StoreNotReady(t *testing.T) {
	// 存储未初始化时各路检索都报错，最终文本兜底也失败，返回空列表。
	r := New(store.New(nil, nil, nil), &stubEmbedder{vec: []float32{1, 0, 0}}, nil, nil, DefaultConfig(), nil, zap.NewNop())
	results := r.Retrieve(context.Background(), "山梨酸钾", Options{TopK: 3})
	assert.Empty(t, results)
}

func TestRetrieve_DefaultTopK(t *testing.T) {
	st := newTestStore(t, store.BigramTokenizer{})
	for i := 0; i < 10; i++ {
		seedDoc(t, st, "标准", "山梨酸钾使用范围条款。", types.CategoryStandard, []float32{1, 0, 0})
	}

	r := New(st, &stubEmbedder{vec: []float32{1, 0, 0}}, nil, nil, DefaultConfig(), nil, zap.NewNop())
	results := r.Retrieve(context.Background(), "山梨酸钾", Options{})
	assert.Len(t, results, DefaultTopK)
}
