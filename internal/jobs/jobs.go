// Package jobs names the background jobs and defines their payloads. The
// outbox stores payloads as JSON; workers decode and validate them with Decode.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Job names, also used as queue topics.
const (
	BuildArtifact             = "build_artifact"
	NotifyCounterpart         = "notify_counterpart"
	SendEmail                 = "send_email"
	CreateOffereeChat         = "create_offeree_chat"
	ProcessPendingInvitations = "process_pending_invitations"
)

// All lists every job a worker must handle.
var All = []string{BuildArtifact, NotifyCounterpart, SendEmail, CreateOffereeChat, ProcessPendingInvitations}

// Notification kinds carried by NotifyCounterpartPayload.
const (
	KindDecision = "decision"
	KindFinalize = "finalize"
)

// BuildArtifactPayload renders the contract of one assistant message.
type BuildArtifactPayload struct {
	MessageID string `json:"messageId" validate:"required"`
}

// NotifyCounterpartPayload reports a decision point on ChatID to the other
// party. Agreed is set for offeree decisions only.
type NotifyCounterpartPayload struct {
	ChatID string `json:"chatId" validate:"required"`
	Kind   string `json:"kind"   validate:"required,oneof=decision finalize"`
	Agreed *bool  `json:"agreed,omitempty" validate:"required_if=Kind decision"`
}

// SendEmailPayload is a rendered message for the mail collaborator.
type SendEmailPayload struct {
	To      string `json:"to"      validate:"required,email,max=254"`
	Subject string `json:"subject" validate:"required"`
	Body    string `json:"body"    validate:"required"`
}

// CreateOffereeChatPayload opens the invitee's side of a negotiation.
type CreateOffereeChatPayload struct {
	OfferorChatID string `json:"offerorChatId" validate:"required"`
	OffereeEmail  string `json:"offereeEmail"  validate:"required,email,max=254"`
	ContractText  string `json:"contractText"  validate:"required"`
	OfferorID     string `json:"offerorId"     validate:"required"`
	NegotiationID string `json:"negotiationId,omitempty"`
}

// ProcessPendingInvitationsPayload is emitted when Email registers.
type ProcessPendingInvitationsPayload struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

var validate = validator.New()

// Decode unmarshals raw into v and validates its struct tags.
func Decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
