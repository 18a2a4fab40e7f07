package domain

import (
	"time"

	"gorm.io/datatypes"
)

// NegotiationStatus tracks where the two parties stand.
type NegotiationStatus string

const (
	NegotiationInvited   NegotiationStatus = "invited"
	NegotiationAccepted  NegotiationStatus = "accepted"
	NegotiationRejected  NegotiationStatus = "rejected"
	NegotiationFinalized NegotiationStatus = "finalized"
)

// Negotiation pairs an offeror chat with the offeree chat created from its
// invitation and owns the canonical contract snapshot sent to the offeree.
//
// Fields:
//   - OfferorChatID / OfferorID: the initiating chat and its owner.
//   - OffereeChatID: set once, when the offeree chat is created.
//   - OffereeEmail: invitee address (lowercased).
//   - ContractText / DocumentURL: contract snapshot at invitation time.
//   - Status: invited → accepted|rejected → finalized.
type Negotiation struct {
	ID            string            `json:"id"              gorm:"type:char(36);primaryKey"`
	OfferorChatID string            `json:"offeror_chat_id" gorm:"type:char(36);not null;index"`
	OfferorID     string            `json:"offeror_id"      gorm:"type:varchar(64);not null"`
	OffereeChatID *string           `json:"offeree_chat_id,omitempty" gorm:"type:char(36);index"`
	OffereeEmail  string            `json:"offeree_email"   gorm:"type:varchar(254);not null;index"`
	ContractText  string            `json:"-"               gorm:"type:text;not null"`
	DocumentURL   string            `json:"document_url"    gorm:"type:text"`
	Status        NegotiationStatus `json:"status"          gorm:"type:varchar(16);not null;default:'invited'"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// TableName returns the database table name for Negotiation.
func (Negotiation) TableName() string { return "negotiations" }

// PendingInvitation records an invitation sent to an email that had no
// account yet. AcceptedAt is set once the invitee registers and the offeree
// chat has been created.
type PendingInvitation struct {
	ID            string     `json:"id"              gorm:"type:char(36);primaryKey"`
	NegotiationID string     `json:"negotiation_id"  gorm:"type:char(36);not null;index"`
	OfferorChatID string     `json:"offeror_chat_id" gorm:"type:char(36);not null"`
	OfferorID     string     `json:"offeror_id"      gorm:"type:varchar(64);not null"`
	OffereeEmail  string     `json:"offeree_email"   gorm:"type:varchar(254);not null;index:idx_pending_email,priority:1"`
	ContractText  string     `json:"-"               gorm:"type:text;not null"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty" gorm:"index:idx_pending_email,priority:2"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TableName returns the database table name for PendingInvitation.
func (PendingInvitation) TableName() string { return "pending_invitations" }

// OutboxMessage is a job written in the same transaction as the state change
// that requires it. The relay publishes undispatched rows to the job queue.
type OutboxMessage struct {
	ID           string         `gorm:"type:char(36);primaryKey"`
	Job          string         `gorm:"type:varchar(64);not null"`
	Payload      datatypes.JSON `gorm:"not null"`
	Attempts     int            `gorm:"not null;default:0"`
	LastError    string         `gorm:"type:text"`
	CreatedAt    time.Time      `gorm:"index:idx_outbox_pending,priority:2"`
	DispatchedAt *time.Time     `gorm:"index:idx_outbox_pending,priority:1"`
}

// TableName returns the database table name for OutboxMessage.
func (OutboxMessage) TableName() string { return "outbox_messages" }
