package types

import (
	"crypto/sha256"
	"encoding/hex"
)

// Category 知识文档类别
type Category string

const (
	CategoryStandard   Category = "standard"   // 国家/行业标准
	CategoryRegulation Category = "regulation" // 法规
	CategoryProcess    Category = "process"    // 工艺流程
	CategoryHACCP      Category = "haccp"      // HACCP 体系
	CategorySOP        Category = "sop"        // 标准作业程序
	CategoryAdditive   Category = "additive"   // 食品添加剂
	CategoryMicrobe    Category = "microbe"    // 微生物
)

// KnowledgeDocument 检索结果的文档投影。
// 每次 Retrieve 调用新建，调用结束即失效，从不回写存储。
// Similarity 的语义随管线阶段变化：向量检索为余弦相似度，
// 关键词检索为相关性得分，融合后为 RRF 得分，重排后为交叉编码器得分。
type KnowledgeDocument struct {
	ID         uint           `json:"id"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Category   Category       `json:"category"`
	Source     string         `json:"source"`
	Version    string         `json:"version"`
	Similarity float64        `json:"similarity"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SetMeta 写入诊断元数据（rrf_score / rerank_score / original_rank 等）。
func (d *KnowledgeDocument) SetMeta(key string, value any) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]any)
	}
	d.Metadata[key] = value
}

// QueryVariant 查询变体：Raw 用于 embedding（保持语义目标紧凑），
// Expanded 用于关键词检索与重排（携带领域词汇）。
type QueryVariant struct {
	Raw      string `json:"raw"`
	Expanded string `json:"expanded"`
}

// EntityEntry 实体词典条目，独立于排序管线，用于精确/别名查找。
type EntityEntry struct {
	ID          uint     `json:"id"`
	EntityType  string   `json:"entity_type"`
	EntityName  string   `json:"entity_name"`
	Aliases     []string `json:"aliases,omitempty"`
	StandardRef string   `json:"standard_ref,omitempty"`
	Category    Category `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
}

// ContentHash 返回内容的稳定指纹，用于去重与审计。
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
