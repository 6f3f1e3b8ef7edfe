// Package domain defines the persistence models for conversations and their
// transcripts. These types are mapped with GORM and form the core data layer
// of the conversation backend.
package domain

import (
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	// StatusEmpty marks a conversation that has no user-authored message yet.
	// At most one empty conversation exists per user (partial unique index).
	StatusEmpty ConversationStatus = "empty"
	// StatusActive marks a conversation with at least one user message.
	// The transition empty -> active happens once and is never reversed.
	StatusActive ConversationStatus = "active"
)

// DefaultTitle is the placeholder title given to freshly created conversations.
const DefaultTitle = "New conversation"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is a titled, owned container for an ordered transcript.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: opaque owner id from the identity layer; indexed.
//   - Title: human-readable title; DefaultTitle until renamed or derived.
//   - Status: "empty" or "active" (enforced by DB constraint).
//   - CreatedAt / UpdatedAt: UpdatedAt moves on every completed turn.
//
// The single-empty-conversation rule lives in the store as the partial index
// ux_conversations_one_empty_per_user (see repo.AutoMigrate).
type Conversation struct {
	ID        string             `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string             `json:"user_id"    gorm:"type:varchar(64);not null;index:idx_user_conversations,priority:1"`
	Title     string             `json:"title"      gorm:"type:varchar(255);not null;default:'New conversation'"`
	Status    ConversationStatus `json:"status"     gorm:"type:varchar(16);not null;default:'empty';check:chk_conversations_status,status IN ('empty', 'active')"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" gorm:"index:idx_user_conversations,priority:2"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// IsEmpty reports whether no user message has been persisted yet.
func (c *Conversation) IsEmpty() bool { return c != nil && c.Status == StatusEmpty }

// Message is a single immutable utterance within a conversation.
//
// Messages are exclusively owned by their conversation and are removed with
// it (FK ON DELETE CASCADE). The transcript order is (CreatedAt, ID).
type Message struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conversation_msgs,priority:1"`
	Role           string    `json:"role"            gorm:"type:varchar(16);not null;check:chk_messages_role,role IN ('user', 'assistant', 'system')"`
	Content        string    `json:"content"         gorm:"type:text;not null"`
	CreatedAt      time.Time `json:"created_at"      gorm:"index:idx_conversation_msgs,priority:2"`

	// Conversation is the parent. Messages are cascade-deleted with it.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// ConversationSummary is a list row: the conversation plus its message count.
type ConversationSummary struct {
	Conversation `gorm:"embedded"`
	MessageCount int64 `json:"message_count"`
}
