package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// 审计动作
const (
	ActionCreate    = "CREATE"
	ActionDeprecate = "DEPRECATE"
)

// Document 知识块存储模型。一次摄取产生的首块 ID 即 parent_id，
// 所有兄弟块（含首块自身）都指向它。废止仅做逻辑下线，行永不物理删除。
type Document struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Title         string     `gorm:"size:255;index" json:"title"`
	Content       string     `gorm:"type:text" json:"content"`
	Category      string     `gorm:"size:50;index" json:"category"`
	Source        string     `gorm:"size:255" json:"source"`
	SourceURL     string     `gorm:"size:512" json:"source_url"`
	Version       string     `gorm:"size:50" json:"version"`
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`

	// Embedding 为空表示该块 embedding 失败，仅可词法检索。
	Embedding *pgvector.Vector `gorm:"type:vector(1536)" json:"-"`

	ChunkIndex   int    `json:"chunk_index"`
	ParentID     uint   `gorm:"index" json:"parent_id"`
	Metadata     string `gorm:"type:json" json:"metadata,omitempty"`
	SearchTokens string `gorm:"type:text" json:"-"`
	ContentHash  string `gorm:"size:64;index" json:"content_hash"`
	TokenCount   int    `json:"token_count"`
	IsActive     bool   `gorm:"default:true;index" json:"is_active"`
}

// TableName 指定表名
func (Document) TableName() string { return "documents" }

// AuditLog 摄取/废止审计行，与块行同事务写入。
type AuditLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	DocumentID uint      `gorm:"index" json:"document_id"`
	Action     string    `gorm:"size:20" json:"action"`
	NewVersion string    `gorm:"size:50" json:"new_version"`
	Reason     string    `gorm:"size:512" json:"reason"`
	Operator   string    `gorm:"size:100" json:"operator"`
}

// TableName 指定表名
func (AuditLog) TableName() string { return "audit_log" }

// EntityDictionary 实体词典行。Aliases 以 JSON 数组文本存储。
type EntityDictionary struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	EntityType  string    `gorm:"size:50;index" json:"entity_type"`
	EntityName  string    `gorm:"size:255;index" json:"entity_name"`
	Aliases     string    `gorm:"type:json" json:"aliases,omitempty"`
	StandardRef string    `gorm:"size:100" json:"standard_ref,omitempty"`
	Category    string    `gorm:"size:50" json:"category,omitempty"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	Metadata    string    `gorm:"type:json" json:"metadata,omitempty"`
	IsActive    bool      `gorm:"default:true;index" json:"is_active"`
}

// TableName 指定表名
func (EntityDictionary) TableName() string { return "entity_dictionary" }
