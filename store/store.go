package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/foodsafe/knowbase/internal/database"
	"github.com/foodsafe/knowbase/types"
)

// SearchOptions 各检索入口共用的过滤参数。
type SearchOptions struct {
	Categories     []types.Category
	Limit          int
	Threshold      float64
	IncludeExpired bool
}

// Store 知识库存储适配层。向量/词法检索在 postgres 上走
// pgvector 与 ts_rank，其他方言（测试用 sqlite）回退到加载候选行
// 后在 Go 内打分。
type Store struct {
	pool      *database.PoolManager
	tokenizer Tokenizer
	logger    *zap.Logger
}

// New 创建存储适配层。tokenizer 为 nil 时词法检索关闭。
func New(pool *database.PoolManager, tokenizer Tokenizer, logger *zap.Logger) *Store {
	if tokenizer == nil {
		tokenizer = NoopTokenizer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:      pool,
		tokenizer: tokenizer,
		logger:    logger.With(zap.String("component", "store")),
	}
}

// AutoMigrate 创建/更新三张表。
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.pool.DB().WithContext(ctx).AutoMigrate(&Document{}, &AuditLog{}, &EntityDictionary{})
}

// LexicalEnabled 报告词法检索是否可用。
func (s *Store) LexicalEnabled() bool {
	return s.tokenizer.Available()
}

// Tokenize 暴露分词结果，摄取时用于生成 search_tokens 列。
func (s *Store) Tokenize(text string) []string {
	return s.tokenizer.Cut(text)
}

func (s *Store) ready() error {
	if s.pool == nil {
		return types.NewError(types.ErrNotReady, "store pool not initialized")
	}
	return nil
}

func (s *Store) isPostgres() bool {
	return s.pool.DB().Dialector.Name() == "postgres"
}

// SaveChunks 在单个事务中写入全部块行与一条审计行。
// 首块的自增 ID 作为 parent_id 回写到所有块（含首块自身）。
func (s *Store) SaveChunks(ctx context.Context, chunks []Document, audit AuditLog) (uint, []uint, error) {
	if err := s.ready(); err != nil {
		return 0, nil, err
	}
	if len(chunks) == 0 {
		return 0, nil, types.NewError(types.ErrIngestion, "no chunks to save")
	}

	var parentID uint
	ids := make([]uint, 0, len(chunks))

	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		first := &chunks[0]
		if err := tx.Create(first).Error; err != nil {
			return err
		}
		parentID = first.ID
		ids = append(ids, first.ID)

		if err := tx.Model(&Document{}).Where("id = ?", parentID).
			Update("parent_id", parentID).Error; err != nil {
			return err
		}
		first.ParentID = parentID

		for i := 1; i < len(chunks); i++ {
			chunks[i].ParentID = parentID
			if err := tx.Create(&chunks[i]).Error; err != nil {
				return err
			}
			ids = append(ids, chunks[i].ID)
		}

		audit.DocumentID = parentID
		audit.Action = ActionCreate
		return tx.Create(&audit).Error
	})
	if err != nil {
		return 0, nil, types.Wrap(types.ErrIngestion, "save chunks", err)
	}

	s.logger.Info("chunks saved",
		zap.Uint("parent_id", parentID),
		zap.Int("chunks", len(ids)))
	return parentID, ids, nil
}

// Deprecate 逻辑下线 parent_id 下的全部块并写入审计行。
// 行仍可按 ID 直查，但默认被所有检索排除。
func (s *Store) Deprecate(ctx context.Context, parentID uint, reason, operator string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	var affected int64
	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&Document{}).
			Where("id = ? OR parent_id = ?", parentID, parentID).
			Update("is_active", false)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		if affected == 0 {
			return fmt.Errorf("document %d not found", parentID)
		}

		return tx.Create(&AuditLog{
			DocumentID: parentID,
			Action:     ActionDeprecate,
			Reason:     reason,
			Operator:   operator,
		}).Error
	})
	if err != nil {
		return 0, types.Wrap(types.ErrIngestion, "deprecate document", err)
	}

	s.logger.Info("document deprecated",
		zap.Uint("parent_id", parentID),
		zap.Int64("chunks", affected),
		zap.String("operator", operator))
	return affected, nil
}

// GetDocument 按 ID 直查单块（含已下线块，供审计使用）。
func (s *Store) GetDocument(ctx context.Context, id uint) (*Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var doc Document
	if err := s.pool.DB().WithContext(ctx).First(&doc, id).Error; err != nil {
		return nil, types.Wrap(types.ErrSearch, "get document", err)
	}
	return &doc, nil
}

// searchHit 检索 SQL 的扫描目标。
type searchHit struct {
	ID         uint
	Title      string
	Content    string
	Category   string
	Source     string
	Version    string
	Metadata   string
	Similarity float64
}

func (h searchHit) toKnowledge() types.KnowledgeDocument {
	return types.KnowledgeDocument{
		ID:         h.ID,
		Title:      h.Title,
		Content:    h.Content,
		Category:   types.Category(h.Category),
		Source:     h.Source,
		Version:    h.Version,
		Similarity: h.Similarity,
		Metadata:   NormalizeMetadata(h.Metadata),
	}
}

// VectorSearch 按余弦相似度降序返回活跃块。
func (s *Store) VectorSearch(ctx context.Context, emb []float32, opts SearchOptions) ([]types.KnowledgeDocument, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if len(emb) == 0 {
		return nil, types.NewError(types.ErrSearch, "empty query embedding")
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	if s.isPostgres() {
		return s.vectorSearchPG(ctx, emb, opts)
	}
	return s.vectorSearchFallback(ctx, emb, opts)
}

func (s *Store) vectorSearchPG(ctx context.Context, emb []float32, opts SearchOptions) ([]types.KnowledgeDocument, error) {
	vec := pgvector.NewVector(emb)

	var sql strings.Builder
	args := []any{vec}
	sql.WriteString(`SELECT id, title, content, category, source, version, metadata,
		1 - (embedding <=> ?) AS similarity
		FROM documents WHERE is_active = TRUE AND embedding IS NOT NULL`)
	if len(opts.Categories) > 0 {
		sql.WriteString(" AND category IN ?")
		args = append(args, categoryStrings(opts.Categories))
	}
	if !opts.IncludeExpired {
		sql.WriteString(" AND (expiry_date IS NULL OR expiry_date > ?)")
		args = append(args, time.Now())
	}
	if opts.Threshold > 0 {
		sql.WriteString(" AND 1 - (embedding <=> ?) >= ?")
		args = append(args, vec, opts.Threshold)
	}
	sql.WriteString(" ORDER BY embedding <=> ? LIMIT ?")
	args = append(args, vec, opts.Limit)

	var hits []searchHit
	if err := s.pool.DB().WithContext(ctx).Raw(sql.String(), args...).Scan(&hits).Error; err != nil {
		return nil, types.Wrap(types.ErrSearch, "vector search", err)
	}
	return hitsToKnowledge(hits), nil
}

// vectorSearchFallback 加载带向量的活跃候选行后在 Go 内算余弦相似度。
func (s *Store) vectorSearchFallback(ctx context.Context, emb []float32, opts SearchOptions) ([]types.KnowledgeDocument, error) {
	rows, err := s.loadCandidates(ctx, opts, true)
	if err != nil {
		return nil, err
	}

	hits := make([]searchHit, 0, len(rows))
	for _, row := range rows {
		if row.Embedding == nil {
			continue
		}
		sim := cosineSimilarity(emb, row.Embedding.Slice())
		if opts.Threshold > 0 && sim < opts.Threshold {
			continue
		}
		hits = append(hits, rowToHit(row, sim))
	}
	sortHits(hits)
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hitsToKnowledge(hits), nil
}

// LexicalSearch 对预先分词的 search_tokens 列做关键词检索。
func (s *Store) LexicalSearch(ctx context.Context, query string, opts SearchOptions) ([]types.KnowledgeDocument, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if !s.LexicalEnabled() {
		return nil, nil
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	tokens := s.tokenizer.Cut(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	if s.isPostgres() {
		return s.lexicalSearchPG(ctx, strings.Join(tokens, " "), opts)
	}
	return s.lexicalSearchFallback(ctx, tokens, opts)
}

func (s *Store) lexicalSearchPG(ctx context.Context, tokenized string, opts SearchOptions) ([]types.KnowledgeDocument, error) {
	var sql strings.Builder
	args := []any{tokenized, tokenized}
	sql.WriteString(`SELECT id, title, content, category, source, version, metadata,
		ts_rank(to_tsvector('simple', search_tokens), plainto_tsquery('simple', ?)) AS similarity
		FROM documents WHERE is_active = TRUE AND search_tokens <> ''
		AND to_tsvector('simple', search_tokens) @@ plainto_tsquery('simple', ?)`)
	if len(opts.Categories) > 0 {
		sql.WriteString(" AND category IN ?")
		args = append(args, categoryStrings(opts.Categories))
	}
	if !opts.IncludeExpired {
		sql.WriteString(" AND (expiry_date IS NULL OR expiry_date > ?)")
		args = append(args, time.Now())
	}
	sql.WriteString(" ORDER BY similarity DESC, id LIMIT ?")
	args = append(args, opts.Limit)

	var hits []searchHit
	if err := s.pool.DB().WithContext(ctx).Raw(sql.String(), args...).Scan(&hits).Error; err != nil {
		return nil, types.Wrap(types.ErrSearch, "lexical search", err)
	}
	return hitsToKnowledge(hits), nil
}

// lexicalSearchFallback 在 Go 内按词元重叠率打分。
func (s *Store) lexicalSearchFallback(ctx context.Context, queryTokens []string, opts SearchOptions) ([]types.KnowledgeDocument, error) {
	rows, err := s.loadCandidates(ctx, opts, false)
	if err != nil {
		return nil, err
	}

	hits := make([]searchHit, 0, len(rows))
	for _, row := range rows {
		if row.SearchTokens == "" {
			continue
		}
		docTokens := make(map[string]struct{})
		for _, tok := range strings.Fields(row.SearchTokens) {
			docTokens[tok] = struct{}{}
		}
		matched := 0
		for _, qt := range queryTokens {
			if _, ok := docTokens[qt]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, rowToHit(row, float64(matched)/float64(len(queryTokens))))
	}
	sortHits(hits)
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hitsToKnowledge(hits), nil
}

// TextSearch 标题+正文的朴素文本兜底检索。
func (s *Store) TextSearch(ctx context.Context, query string, opts SearchOptions) ([]types.KnowledgeDocument, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	chain := s.activeChain(ctx, opts)
	like := "%" + query + "%"
	var rows []Document
	if err := chain.Where("title LIKE ? OR content LIKE ?", like, like).
		Order("id").Limit(opts.Limit).Find(&rows).Error; err != nil {
		return nil, types.Wrap(types.ErrSearch, "text search", err)
	}

	docs := make([]types.KnowledgeDocument, 0, len(rows))
	for i, row := range rows {
		docs = append(docs, rowToHit(row, 1.0/float64(1+i)).toKnowledge())
	}
	return docs, nil
}

// FindEntities 实体名精确或别名匹配，可按类型过滤。
func (s *Store) FindEntities(ctx context.Context, name, entityType string, limit int) ([]types.EntityEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	chain := s.pool.DB().WithContext(ctx).Where("is_active = ?", true)
	if entityType != "" {
		chain = chain.Where("entity_type = ?", entityType)
	}

	// 别名存为 JSON 数组文本，按带引号的元素匹配。
	var rows []EntityDictionary
	if err := chain.Where("entity_name = ? OR aliases LIKE ?", name, `%"`+name+`"%`).
		Limit(limit).Find(&rows).Error; err != nil {
		return nil, types.Wrap(types.ErrSearch, "find entities", err)
	}

	entries := make([]types.EntityEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, types.EntityEntry{
			ID:          row.ID,
			EntityType:  row.EntityType,
			EntityName:  row.EntityName,
			Aliases:     DecodeAliases(row.Aliases),
			StandardRef: row.StandardRef,
			Category:    types.Category(row.Category),
			Description: row.Description,
		})
	}
	return entries, nil
}

// CategoryStats 各类别活跃块计数。
func (s *Store) CategoryStats(ctx context.Context) (map[string]int64, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var rows []struct {
		Category string
		Count    int64
	}
	if err := s.pool.DB().WithContext(ctx).Model(&Document{}).
		Where("is_active = ?", true).
		Select("category, count(*) as count").
		Group("category").Scan(&rows).Error; err != nil {
		return nil, types.Wrap(types.ErrSearch, "category stats", err)
	}

	stats := make(map[string]int64, len(rows))
	for _, row := range rows {
		stats[row.Category] = row.Count
	}
	return stats, nil
}

// activeChain 应用活跃/类别/过期三项通用过滤。
func (s *Store) activeChain(ctx context.Context, opts SearchOptions) *gorm.DB {
	chain := s.pool.DB().WithContext(ctx).Model(&Document{}).Where("is_active = ?", true)
	if len(opts.Categories) > 0 {
		chain = chain.Where("category IN ?", categoryStrings(opts.Categories))
	}
	if !opts.IncludeExpired {
		chain = chain.Where("expiry_date IS NULL OR expiry_date > ?", time.Now())
	}
	return chain
}

func (s *Store) loadCandidates(ctx context.Context, opts SearchOptions, withEmbedding bool) ([]Document, error) {
	chain := s.activeChain(ctx, opts)
	if withEmbedding {
		chain = chain.Where("embedding IS NOT NULL")
	}
	var rows []Document
	if err := chain.Order("id").Find(&rows).Error; err != nil {
		return nil, types.Wrap(types.ErrSearch, "load candidates", err)
	}
	return rows, nil
}

func rowToHit(row Document, similarity float64) searchHit {
	return searchHit{
		ID:         row.ID,
		Title:      row.Title,
		Content:    row.Content,
		Category:   row.Category,
		Source:     row.Source,
		Version:    row.Version,
		Metadata:   row.Metadata,
		Similarity: similarity,
	}
}

func hitsToKnowledge(hits []searchHit) []types.KnowledgeDocument {
	docs := make([]types.KnowledgeDocument, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, h.toKnowledge())
	}
	return docs
}

// sortHits 按相似度降序排序，同分保持加载顺序（id 升序）。
func sortHits(hits []searchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
}

func categoryStrings(categories []types.Category) []string {
	out := make([]string, len(categories))
	for i, c := range categories {
		out[i] = string(c)
	}
	return out
}

// cosineSimilarity 余弦相似度，维度不一致时返回 0。
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
