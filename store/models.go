// Package store implements the relational metadata store backing the
// platform: users, knowledge bases, documents and their chunk mappings, chat
// sessions, and evaluation records. All multi-row state transitions run
// inside transactions via WithTx; long operations (parsing, embedding,
// network calls) never hold one open.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DocumentStatus tracks a document through the ingestion pipeline.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "PENDING"
	DocumentProcessing DocumentStatus = "PROCESSING"
	DocumentCompleted  DocumentStatus = "COMPLETED"
	DocumentFailed     DocumentStatus = "FAILED"
)

// KnowledgeStatus tracks a knowledge base lifecycle. DELETING marks a base
// whose teardown job is queued or running; FAILED marks one whose teardown
// was interrupted and needs operator attention.
type KnowledgeStatus string

const (
	KnowledgeActive   KnowledgeStatus = "ACTIVE"
	KnowledgeDeleting KnowledgeStatus = "DELETING"
	KnowledgeFailed   KnowledgeStatus = "FAILED"
)

// TestSetStatus tracks offline test set generation.
type TestSetStatus string

const (
	TestSetPending    TestSetStatus = "PENDING"
	TestSetGenerating TestSetStatus = "GENERATING"
	TestSetCompleted  TestSetStatus = "COMPLETED"
	TestSetFailed     TestSetStatus = "FAILED"
)

// ExperimentStatus tracks an evaluation run.
type ExperimentStatus string

const (
	ExperimentPending   ExperimentStatus = "PENDING"
	ExperimentRunning   ExperimentStatus = "RUNNING"
	ExperimentCompleted ExperimentStatus = "COMPLETED"
	ExperimentFailed    ExperimentStatus = "FAILED"
)

// Role grades a member's access to a knowledge base.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

// CanRead reports whether the role may query and list.
func (r Role) CanRead() bool { return r == RoleOwner || r == RoleEditor || r == RoleViewer }

// CanWrite reports whether the role may upload and delete documents.
func (r Role) CanWrite() bool { return r == RoleOwner || r == RoleEditor }

// CanAdmin reports whether the role may manage members and delete the base.
func (r Role) CanAdmin() bool { return r == RoleOwner }

// JSON is a jsonb column holding raw JSON. Empty values persist as NULL.
type JSON json.RawMessage

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	return nil
}

// GormDataType tells gorm to create jsonb columns.
func (JSON) GormDataType() string { return "jsonb" }

// MarshalJSON passes the raw bytes through.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores the raw bytes.
func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return errors.New("store.JSON: UnmarshalJSON on nil pointer")
	}
	*j = append((*j)[0:0], data...)
	return nil
}

// IDList is a jsonb column holding an array of entity ids.
type IDList []uint

// Value implements driver.Valuer.
func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		l = IDList{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *IDList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	return json.Unmarshal(b, l)
}

// GormDataType tells gorm to create jsonb columns.
func (IDList) GormDataType() string { return "jsonb" }

// User is a platform account.
type User struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	Username       string `gorm:"size:50;uniqueIndex;not null" json:"username"`
	Email          string `gorm:"size:255;uniqueIndex;not null" json:"email"`
	HashedPassword string `gorm:"size:255;not null" json:"-"`
	IsActive       bool   `gorm:"default:true" json:"is_active"`
	IsSuperuser    bool   `gorm:"default:false" json:"is_superuser"`
	Plan           string `gorm:"size:32;default:free" json:"plan"`

	// Per-user daily quota overrides; zero falls back to the configured
	// platform defaults.
	DailyRequestCap int64 `json:"daily_request_cap"`
	DailyTokenCap   int64 `json:"daily_token_cap"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KnowledgeBase groups documents behind one logical index and one member
// list. EmbeddingModel pins the model documents were embedded with; mixing
// models inside one index produces meaningless distances.
type KnowledgeBase struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	Name        string          `gorm:"size:255;not null" json:"name"`
	Description string          `gorm:"type:text" json:"description"`
	OwnerID     uint            `gorm:"index;not null" json:"owner_id"`
	Status      KnowledgeStatus `gorm:"size:20;not null;default:ACTIVE" json:"status"`

	ChunkSize      int    `json:"chunk_size"`
	ChunkOverlap   int    `json:"chunk_overlap"`
	EmbeddingModel string `gorm:"size:128" json:"embedding_model"`

	Error string `gorm:"size:500" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Members   []Membership `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Documents []Document   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// TableName avoids gorm's default pluralization of "knowledge_base".
func (KnowledgeBase) TableName() string { return "knowledge_bases" }

// Membership links a user to a knowledge base with a role. One row per
// (base, user) pair.
type Membership struct {
	ID              uint `gorm:"primaryKey" json:"id"`
	KnowledgeBaseID uint `gorm:"uniqueIndex:idx_member_kb_user;not null" json:"knowledge_base_id"`
	UserID          uint `gorm:"uniqueIndex:idx_member_kb_user;not null" json:"user_id"`
	Role            Role `gorm:"size:10;not null" json:"role"`

	CreatedAt time.Time `json:"created_at"`
}

// Document is an uploaded file tracked through ingestion. BlobKey locates
// the original in object storage; Error holds the truncated failure message
// when Status is FAILED.
type Document struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	KnowledgeBaseID uint           `gorm:"index;not null" json:"knowledge_base_id"`
	UploaderID      uint           `json:"uploader_id"`
	Filename        string         `gorm:"size:512;not null" json:"filename"`
	BlobKey         string         `gorm:"size:1024;not null" json:"blob_key"`
	ContentType     string         `gorm:"size:128" json:"content_type"`
	SizeBytes       int64          `json:"size_bytes"`
	Status          DocumentStatus `gorm:"size:20;index;not null;default:PENDING" json:"status"`
	Error           string         `gorm:"size:500" json:"error,omitempty"`
	PageCount       int            `json:"page_count"`
	ChunkCount      int            `json:"chunk_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Chunks []Chunk `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Chunk maps one indexed chunk back to its document. IndexDocID is the id
// of the corresponding entry in the search index, so index rows can be
// deleted when the document goes away even if filters fail.
type Chunk struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	DocumentID      uint   `gorm:"index;not null" json:"document_id"`
	KnowledgeBaseID uint   `gorm:"index;not null" json:"knowledge_base_id"`
	IndexDocID      string `gorm:"size:64;index;not null" json:"index_doc_id"`
	Position        int    `gorm:"not null" json:"position"`
	ContentHash     string `gorm:"size:64" json:"content_hash"`

	CreatedAt time.Time `json:"created_at"`
}

// ChatSession is a conversation scoped to a user and a set of knowledge
// bases. Sessions soft-delete so message history survives for audit.
type ChatSession struct {
	ID               string `gorm:"primaryKey;size:36" json:"id"`
	UserID           uint   `gorm:"index;not null" json:"user_id"`
	Title            string `gorm:"size:255" json:"title"`
	KnowledgeBaseIDs IDList `json:"knowledge_base_ids"`
	TopK             int    `json:"top_k"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Messages []Message `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

// Message is one turn half inside a session. Assistant messages carry the
// retrieval sources and token usage; Partial marks answers cut short by a
// client disconnect.
type Message struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	SessionID string `gorm:"size:36;index;not null" json:"session_id"`
	Role      string `gorm:"size:10;not null" json:"role"`
	Content   string `gorm:"type:text;not null" json:"content"`
	Sources   JSON   `json:"sources,omitempty"`

	TokensPrompt     int  `json:"tokens_prompt"`
	TokensCompletion int  `json:"tokens_completion"`
	TokensTotal      int  `json:"tokens_total"`
	Partial          bool `gorm:"default:false" json:"partial"`

	CreatedAt time.Time `json:"created_at"`
}

// Message roles.
const (
	RoleUserMessage      = "user"
	RoleAssistantMessage = "assistant"
)

// TestSet is a generated evaluation dataset stored as CSV in object storage.
type TestSet struct {
	ID              uint          `gorm:"primaryKey" json:"id"`
	KnowledgeBaseID uint          `gorm:"index;not null" json:"knowledge_base_id"`
	Name            string        `gorm:"size:255;not null" json:"name"`
	Status          TestSetStatus `gorm:"size:20;not null;default:PENDING" json:"status"`
	BlobKey         string        `gorm:"size:1024" json:"blob_key"`
	RowCount        int           `json:"row_count"`
	DocumentIDs     IDList        `json:"document_ids"`
	Error           string        `gorm:"size:500" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Experiment is one evaluation run of a test set against retrieval and
// generation parameters. Metrics holds the aggregated scores as JSON.
type Experiment struct {
	ID              uint             `gorm:"primaryKey" json:"id"`
	TestSetID       uint             `gorm:"index;not null" json:"test_set_id"`
	KnowledgeBaseID uint             `gorm:"index;not null" json:"knowledge_base_id"`
	Name            string           `gorm:"size:255;not null" json:"name"`
	Status          ExperimentStatus `gorm:"size:20;not null;default:PENDING" json:"status"`
	Params          JSON             `json:"params,omitempty"`
	Metrics         JSON             `json:"metrics,omitempty"`
	Error           string           `gorm:"size:500" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllModels lists every persisted model for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&KnowledgeBase{},
		&Membership{},
		&Document{},
		&Chunk{},
		&ChatSession{},
		&Message{},
		&TestSet{},
		&Experiment{},
	}
}
