// Package domain defines the persistence models for chats, messages, prompts,
// files and the append-only chat state log. These types are mapped with GORM
// and form the core data layer of the negotiation backend.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// ChatContext is the negotiating role a chat was opened for.
type ChatContext string

const (
	ContextOfferor ChatContext = "offeror"
	ContextOfferee ChatContext = "offeree"
)

// Valid reports whether c is a known context.
func (c ChatContext) Valid() bool { return c == ContextOfferor || c == ContextOfferee }

// ChatState is the input mode a chat expects next from its human party.
type ChatState string

const (
	StateMIC   ChatState = "MIC"
	StateTEXT  ChatState = "TEXT"
	StateEMAIL ChatState = "EMAIL"
	StateNONE  ChatState = "NONE"
)

// Valid reports whether s is a member of the state set.
func (s ChatState) Valid() bool {
	switch s {
	case StateMIC, StateTEXT, StateEMAIL, StateNONE:
		return true
	}
	return false
}

// MessageType tags how a turn was produced.
type MessageType string

const (
	MessageMIC  MessageType = "MIC"
	MessageTEXT MessageType = "TEXT"
)

// FileType distinguishes uploaded audio from generated contract documents.
type FileType string

const (
	FileAudio    FileType = "AUDIO"
	FileDocument FileType = "DOCUMENT"
)

// Chat represents one party's conversation negotiating a single contract.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: owner of the chat; a chat always has an owner once created.
//   - Title: human-readable title (renamed from the first AI turn while it is a placeholder).
//   - Context: offeror or offeree; immutable after creation.
//   - CurrentState / StateVersion: materialized view of the state log, written
//     in the same transaction as every State append. StateVersion also serves as
//     the optimistic claim token for concurrent turns.
//   - NegotiationID: the negotiation this chat currently takes part in, if any.
//   - TurnLeaseUntil: set while a turn awaits its AI reply; a second turn on the
//     same chat is refused until the reply is written or the lease expires.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker.
type Chat struct {
	ID             string         `json:"id"             gorm:"type:char(36);primaryKey"`
	UserID         string         `json:"user_id"        gorm:"type:varchar(64);not null;index:idx_user_chats"`
	Title          string         `json:"title"          gorm:"type:varchar(255);not null;default:'New chat'"`
	Context        ChatContext    `json:"context"        gorm:"type:varchar(16);not null;check:context IN ('offeror','offeree')"`
	CurrentState   ChatState      `json:"state"          gorm:"type:varchar(8);not null;default:'MIC'"`
	StateVersion   int64          `json:"-"              gorm:"not null;default:0"`
	NegotiationID  *string        `json:"negotiation_id,omitempty" gorm:"type:char(36);index"`
	TurnLeaseUntil *time.Time     `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"              gorm:"index"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return "chats" }

// Message is a single entry in a chat. A nil UserID marks an assistant-authored
// message; IsStatus marks notification/summary messages that are excluded from
// the history replayed to the AI.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ChatID: owning chat (indexed together with CreatedAt for ordered reads).
//   - UserID: author, or nil for the assistant.
//   - Type: MIC (transcribed audio) or TEXT.
//   - IsStatus: system/notification message.
//   - Text: display text.
//   - ContractText: raw AI-authored contract markup, the source for artifacts.
//   - Prompts / Files: reply options and attachments produced with the message.
type Message struct {
	ID           string         `json:"id"            gorm:"type:char(36);primaryKey"`
	ChatID       string         `json:"chat_id"       gorm:"type:char(36);not null;index:idx_chat_msgs,priority:1"`
	UserID       *string        `json:"user_id,omitempty" gorm:"type:varchar(64)"`
	Type         MessageType    `json:"type"          gorm:"type:varchar(8);not null;check:type IN ('MIC','TEXT')"`
	IsStatus     bool           `json:"is_status"     gorm:"not null;default:false"`
	Text         string         `json:"text"          gorm:"type:text;not null"`
	ContractText *string        `json:"-"             gorm:"type:text"`
	CreatedAt    time.Time      `json:"created_at"    gorm:"index:idx_chat_msgs,priority:2"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"-"             gorm:"index"`

	Prompts []Prompt `json:"prompts,omitempty" gorm:"foreignKey:MessageID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Files   []File   `json:"files,omitempty"   gorm:"foreignKey:MessageID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`

	// Chat is the parent conversation.
	Chat Chat `json:"-" gorm:"foreignKey:ChatID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// IsAssistant reports whether the message was authored by the assistant.
func (m Message) IsAssistant() bool { return m.UserID == nil }

// Prompt is a selectable reply option attached to an assistant message.
// SelectedAt moves from nil to a timestamp at most once per message.
type Prompt struct {
	ID         string     `json:"id"          gorm:"type:char(36);primaryKey"`
	MessageID  string     `json:"message_id"  gorm:"type:char(36);not null;index"`
	Value      string     `json:"value"       gorm:"type:varchar(255);not null"`
	SelectedAt *time.Time `json:"selected_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TableName returns the database table name for Prompt.
func (Prompt) TableName() string { return "prompts" }

// File is a stored object (uploaded audio or generated contract) filed against
// a chat and optionally linked to the message it resulted from.
type File struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	ChatID      string    `json:"chat_id"      gorm:"type:char(36);not null;index:idx_chat_files,priority:1"`
	MessageID   *string   `json:"message_id,omitempty" gorm:"type:char(36);index"`
	UserID      string    `json:"user_id"      gorm:"type:varchar(64);not null"`
	Type        FileType  `json:"type"         gorm:"type:varchar(16);not null;check:type IN ('AUDIO','DOCUMENT')"`
	URL         string    `json:"url"          gorm:"type:text;not null;index"`
	Key         string    `json:"-"            gorm:"type:varchar(512);not null"`
	ContentType string    `json:"content_type" gorm:"type:varchar(255);not null"`
	CreatedAt   time.Time `json:"created_at"   gorm:"index:idx_chat_files,priority:2"`
}

// TableName returns the database table name for File.
func (File) TableName() string { return "files" }

// State is one entry of the append-only chat state log. Rows are never
// updated or deleted; the auto-increment ID orders rows that share a
// creation timestamp.
type State struct {
	ID        uint64    `json:"id"         gorm:"primaryKey;autoIncrement"`
	ChatID    string    `json:"chat_id"    gorm:"type:char(36);not null;index:idx_chat_states,priority:1"`
	Value     ChatState `json:"value"      gorm:"type:varchar(8);not null;check:value IN ('MIC','TEXT','EMAIL','NONE')"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_chat_states,priority:2"`
}

// TableName returns the database table name for State.
func (State) TableName() string { return "states" }

// User mirrors the identity provider's account record so that invitations can
// be resolved by email.
type User struct {
	ID        string    `json:"id"         gorm:"type:varchar(64);primaryKey"`
	Email     string    `json:"email"      gorm:"type:varchar(254);not null;uniqueIndex"`
	Name      string    `json:"name"       gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }
