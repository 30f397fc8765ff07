package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/foodsafe/knowbase/internal/database"
	"github.com/foodsafe/knowbase/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	cfg := database.DefaultPoolConfig()
	cfg.HealthCheckInterval = 0
	// 内存 sqlite 每个连接是独立数据库，池必须收敛到单连接。
	cfg.MaxIdleConns = 1
	cfg.MaxOpenConns = 1
	pool, err := database.NewPoolManager(db, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	s := New(pool, BigramTokenizer{}, nil)
	require.NoError(t, s.AutoMigrate(context.Background()))
	return s
}

func vec(vals ...float32) *pgvector.Vector {
	v := pgvector.NewVector(vals)
	return &v
}

func seedChunks(t *testing.T, s *Store, title string, category types.Category, contents []string, embeds []*pgvector.Vector) uint {
	t.Helper()

	chunks := make([]Document, len(contents))
	for i, c := range contents {
		chunks[i] = Document{
			Title:        title,
			Content:      c,
			Category:     string(category),
			ChunkIndex:   i,
			ContentHash:  types.ContentHash(c),
			SearchTokens: joinTokens(s.Tokenize(title + " " + c)),
			IsActive:     true,
		}
		if embeds != nil {
			chunks[i].Embedding = embeds[i]
		}
	}
	parentID, ids, err := s.SaveChunks(context.Background(), chunks, AuditLog{Operator: "tester"})
	require.NoError(t, err)
	require.Len(t, ids, len(contents))
	return parentID
}

func joinTokens(tokens []string) string {
	out := ""
	for i, tok := range tokens {
		if i > 0 {
			out += " "
		}
		out += tok
	}
	return out
}

func TestSaveChunks_ParentAndAudit(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	parentID := seedChunks(t, s, "GB 2760", types.CategoryStandard,
		[]string{"第一块内容", "第二块内容", "第三块内容"}, nil)

	var rows []Document
	require.NoError(t, s.pool.DB().Order("chunk_index").Find(&rows).Error)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, parentID, row.ParentID)
	}
	assert.Equal(t, parentID, rows[0].ID)

	var audits []AuditLog
	require.NoError(t, s.pool.DB().Find(&audits).Error)
	require.Len(t, audits, 1)
	assert.Equal(t, ActionCreate, audits[0].Action)
	assert.Equal(t, parentID, audits[0].DocumentID)
	assert.Equal(t, "tester", audits[0].Operator)
}

func TestSaveChunks_Empty(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, _, err := s.SaveChunks(context.Background(), nil, AuditLog{})
	require.Error(t, err)
}

func TestDeprecate_CascadesAndAudits(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	parentID := seedChunks(t, s, "GB 2760", types.CategoryStandard,
		[]string{"防腐剂使用范围", "甜味剂使用范围"}, nil)

	affected, err := s.Deprecate(ctx, parentID, "replaced by 2024 edition", "auditor")
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	// 下线后默认检索不可见。
	docs, err := s.TextSearch(ctx, "使用范围", SearchOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, docs)

	// 仍可按 ID 直查，供审计。
	doc, err := s.GetDocument(ctx, parentID)
	require.NoError(t, err)
	assert.False(t, doc.IsActive)

	var audits []AuditLog
	require.NoError(t, s.pool.DB().Where("action = ?", ActionDeprecate).Find(&audits).Error)
	require.Len(t, audits, 1)
	assert.Equal(t, "auditor", audits[0].Operator)
}

func TestDeprecate_NotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.Deprecate(context.Background(), 9999, "r", "op")
	require.Error(t, err)
}

func TestVectorSearch_OrderAndThreshold(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedChunks(t, s, "山梨酸钾", types.CategoryAdditive,
		[]string{"山梨酸钾限量", "苯甲酸钠限量", "乳酸菌计数"},
		[]*pgvector.Vector{vec(1, 0, 0), vec(0.9, 0.1, 0), vec(0, 0, 1)})

	docs, err := s.VectorSearch(ctx, []float32{1, 0, 0}, SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "山梨酸钾限量", docs[0].Content)
	assert.Equal(t, "苯甲酸钠限量", docs[1].Content)
	assert.InDelta(t, 1.0, docs[0].Similarity, 1e-6)

	// 阈值过滤掉正交向量。
	docs, err = s.VectorSearch(ctx, []float32{1, 0, 0}, SearchOptions{Limit: 10, Threshold: 0.5})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestVectorSearch_SkipsRowsWithoutEmbedding(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedChunks(t, s, "混合", types.CategoryStandard,
		[]string{"有向量的块", "无向量的块"},
		[]*pgvector.Vector{vec(1, 0, 0), nil})

	docs, err := s.VectorSearch(ctx, []float32{1, 0, 0}, SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "有向量的块", docs[0].Content)
}

func TestVectorSearch_CategoryFilter(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedChunks(t, s, "标准", types.CategoryStandard, []string{"标准内容"}, []*pgvector.Vector{vec(1, 0, 0)})
	seedChunks(t, s, "微生物", types.CategoryMicrobe, []string{"微生物内容"}, []*pgvector.Vector{vec(1, 0, 0)})

	docs, err := s.VectorSearch(ctx, []float32{1, 0, 0},
		SearchOptions{Limit: 10, Categories: []types.Category{types.CategoryMicrobe}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, types.CategoryMicrobe, docs[0].Category)
}

func TestVectorSearch_ExpiredExcluded(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	parentID := seedChunks(t, s, "过期标准", types.CategoryStandard,
		[]string{"过期内容"}, []*pgvector.Vector{vec(1, 0, 0)})

	expired := time.Now().Add(-24 * time.Hour)
	require.NoError(t, s.pool.DB().Model(&Document{}).
		Where("parent_id = ?", parentID).Update("expiry_date", expired).Error)

	docs, err := s.VectorSearch(ctx, []float32{1, 0, 0}, SearchOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = s.VectorSearch(ctx, []float32{1, 0, 0}, SearchOptions{Limit: 10, IncludeExpired: true})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestLexicalSearch_TokenOverlap(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedChunks(t, s, "GB 2760", types.CategoryStandard,
		[]string{"山梨酸钾最大使用量", "苯甲酸钠最大使用量", "出厂检验规则"}, nil)

	docs, err := s.LexicalSearch(ctx, "山梨酸钾使用量", SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, "山梨酸钾最大使用量", docs[0].Content)
	assert.Greater(t, docs[0].Similarity, 0.0)
}

func TestLexicalSearch_DisabledWithNoopTokenizer(t *testing.T) {
	t.Parallel()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	cfg := database.DefaultPoolConfig()
	cfg.HealthCheckInterval = 0
	cfg.MaxIdleConns = 1
	cfg.MaxOpenConns = 1
	pool, err := database.NewPoolManager(db, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	s := New(pool, NoopTokenizer{}, nil)
	require.NoError(t, s.AutoMigrate(context.Background()))

	assert.False(t, s.LexicalEnabled())
	docs, err := s.LexicalSearch(context.Background(), "山梨酸钾", SearchOptions{Limit: 5})
	require.NoError(t, err)
	assert.Nil(t, docs)
}

func TestTextSearch(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedChunks(t, s, "留样管理制度", types.CategorySOP, []string{"留样应当保存48小时以上"}, nil)
	seedChunks(t, s, "清洗消毒", types.CategorySOP, []string{"餐具消毒温度要求"}, nil)

	docs, err := s.TextSearch(ctx, "留样", SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "留样管理制度", docs[0].Title)
}

func TestFindEntities(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.pool.DB().Create(&EntityDictionary{
		EntityType:  "additive",
		EntityName:  "山梨酸钾",
		Aliases:     EncodeAliases([]string{"potassium sorbate", "E202"}),
		StandardRef: "GB 2760",
		Category:    "additive",
		IsActive:    true,
	}).Error)
	require.NoError(t, s.pool.DB().Create(&EntityDictionary{
		EntityType: "microbe",
		EntityName: "沙门氏菌",
		IsActive:   true,
	}).Error)

	// 精确名匹配。
	entries, err := s.FindEntities(ctx, "山梨酸钾", "", 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "GB 2760", entries[0].StandardRef)
	assert.Contains(t, entries[0].Aliases, "E202")

	// 别名匹配。
	entries, err = s.FindEntities(ctx, "E202", "", 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "山梨酸钾", entries[0].EntityName)

	// 类型过滤。
	entries, err = s.FindEntities(ctx, "山梨酸钾", "microbe", 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCategoryStats(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedChunks(t, s, "标准一", types.CategoryStandard, []string{"a", "b"}, nil)
	parentID := seedChunks(t, s, "标准二", types.CategoryStandard, []string{"c"}, nil)
	seedChunks(t, s, "微生物", types.CategoryMicrobe, []string{"d"}, nil)

	stats, err := s.CategoryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats["standard"])
	assert.Equal(t, int64(1), stats["microbe"])

	// 下线后计数随之减少。
	_, err = s.Deprecate(ctx, parentID, "r", "op")
	require.NoError(t, err)
	stats, err = s.CategoryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["standard"])
}

func TestStore_NotReady(t *testing.T) {
	t.Parallel()

	s := New(nil, BigramTokenizer{}, nil)
	ctx := context.Background()

	var terr *types.Error
	_, err := s.VectorSearch(ctx, []float32{1}, SearchOptions{})
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrNotReady, terr.Code)

	_, _, err = s.SaveChunks(ctx, []Document{{}}, AuditLog{})
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrNotReady, terr.Code)
}

func TestNormalizeMetadata(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"empty", "", nil},
		{"object", `{"k":"v"}`, map[string]any{"k": "v"}},
		{"double encoded", `"{\"k\":\"v\"}"`, map[string]any{"k": "v"}},
		{"plain string", `"hello"`, map[string]any{"raw": "hello"}},
		{"invalid", `{broken`, map[string]any{"raw": `{broken`}},
		{"scalar", `42`, map[string]any{"value": float64(42)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeMetadata(tt.raw))
		})
	}
}

func TestBigramTokenizer(t *testing.T) {
	t.Parallel()

	tok := BigramTokenizer{}
	assert.True(t, tok.Available())

	tokens := tok.Cut("GB 2760 山梨酸钾")
	assert.Equal(t, []string{"gb", "2760", "山梨", "梨酸", "酸钾"}, tokens)

	assert.Equal(t, []string{"酸"}, tok.Cut("酸"))
	assert.Empty(t, tok.Cut("!!!"))
}
