package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodsafe/knowbase/types"
)

func sampleDocs() []types.KnowledgeDocument {
	return []types.KnowledgeDocument{
		{ID: 1, Title: "GB 2760", Content: "食品添加剂使用标准", Similarity: 0.9},
		{ID: 2, Title: "GB 2762", Content: "食品中污染物限量", Similarity: 0.8},
		{ID: 3, Title: "GB 4789", Content: "食品微生物学检验", Similarity: 0.7},
	}
}

func TestReranker_Disabled(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil)
	docs := sampleDocs()

	out := r.Rerank(context.Background(), "q", docs, 2)
	require.Len(t, out, 2)
	assert.Equal(t, uint(1), out[0].ID)
	assert.Equal(t, uint(2), out[1].ID)
}

func TestReranker_EmptyInput(t *testing.T) {
	t.Parallel()

	r := New(Config{Enabled: true, BaseURL: "http://localhost:1"}, nil)
	assert.Empty(t, r.Rerank(context.Background(), "q", nil, 5))
}

func TestReranker_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/rerank", r.URL.Path)

		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "防腐剂标准", req.Query)
		require.Len(t, req.Documents, 3)
		// 文档文本为标题+内容。
		assert.Contains(t, req.Documents[0], "GB 2760")

		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 2, "relevance_score": 0.95},
				{"index": 0, "relevance_score": 0.60},
			},
		})
	}))
	defer srv.Close()

	r := New(Config{Enabled: true, BaseURL: srv.URL, Model: "m"}, nil)
	out := r.Rerank(context.Background(), "防腐剂标准", sampleDocs(), 2)

	require.Len(t, out, 2)
	assert.Equal(t, uint(3), out[0].ID)
	assert.Equal(t, 0.95, out[0].Similarity)
	assert.Equal(t, 0.95, out[0].Metadata["rerank_score"])
	assert.Equal(t, 3, out[0].Metadata["original_rank"])
	assert.Equal(t, uint(1), out[1].ID)
	assert.Equal(t, 1, out[1].Metadata["original_rank"])

	stats := r.GetStats()
	assert.Equal(t, int64(1), stats.Calls)
	assert.Equal(t, int64(0), stats.Errors)
}

func TestReranker_Non2xxFallsBack(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := New(Config{Enabled: true, BaseURL: srv.URL}, nil)
	docs := sampleDocs()
	out := r.Rerank(context.Background(), "q", docs, 2)

	require.Len(t, out, 2)
	assert.Equal(t, docs[0].ID, out[0].ID)
	assert.Equal(t, int64(1), r.GetStats().Errors)
}

func TestReranker_EmptyResultsFallsBack(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	defer srv.Close()

	r := New(Config{Enabled: true, BaseURL: srv.URL}, nil)
	out := r.Rerank(context.Background(), "q", sampleDocs(), 5)
	require.Len(t, out, 3)
}

func TestReranker_TimeoutFallsBack(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{{"index": 0, "relevance_score": 1.0}}})
	}))
	defer srv.Close()

	r := New(Config{Enabled: true, BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, nil)
	docs := sampleDocs()
	out := r.Rerank(context.Background(), "q", docs, 1)

	require.Len(t, out, 1)
	assert.Equal(t, docs[0].ID, out[0].ID)
}

func TestReranker_DocTextTruncation(t *testing.T) {
	t.Parallel()

	r := New(Config{MaxDocChars: 10}, nil)
	text := r.docText(types.KnowledgeDocument{Title: "标题", Content: "这是一段很长很长很长很长的内容正文"})

	assert.Equal(t, "标题\n这是一段很长很长很长", text)
}
