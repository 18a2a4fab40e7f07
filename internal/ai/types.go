// Package ai wraps the two language-model collaborators of a turn: the
// structured chat call that produces the assistant reply, and speech-to-text
// for audio turns.
package ai

import (
	"context"
	"errors"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// Role of a history entry replayed to the model.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryMessage is one prior turn, already prefixed with its turn tag.
type HistoryMessage struct {
	Role    Role
	Content string
}

// TurnResult is the structured reply of one AI turn. Requires, Agreed and
// Email are proposals; the caller validates them before acting. Contract,
// Agreed and Email are null unless the turn produced them.
type TurnResult struct {
	Title    string   `json:"title" jsonschema:"description=The title of the contract"`
	Response string   `json:"response" jsonschema:"description=The reply shown to the user"`
	Requires string   `json:"requires" jsonschema:"enum=MIC,enum=TEXT"`
	Texts    []string `json:"texts" jsonschema:"description=Reply options offered to the user"`
	Status   string   `json:"status" jsonschema:"description=The summary of the user's response"`
	Contract *string  `json:"contract" jsonschema:"anyof_type=string;null,description=Full contract in markdown or null"`
	Agreed   *bool    `json:"agreed" jsonschema:"anyof_type=boolean;null,description=Offeree decision on the contract or null"`
	Email    *string  `json:"email" jsonschema:"anyof_type=string;null,description=Counterparty email the offeror asked to invite or null"`
}

// HasContract reports whether the reply carries contract text.
func (r *TurnResult) HasContract() bool {
	return r != nil && r.Contract != nil && *r.Contract != ""
}

// Client produces one assistant turn from the chat history.
type Client interface {
	Chat(ctx context.Context, c domain.ChatContext, history []HistoryMessage) (*TurnResult, error)
}

// Transcriber turns a stored audio object into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) (string, error)
}

var (
	// ErrEmptyReply is returned when the model answered without content.
	ErrEmptyReply = errors.New("ai: empty reply")
	// ErrEmptyTranscript is returned when speech-to-text found no words.
	ErrEmptyTranscript = errors.New("ai: empty transcript")
)
