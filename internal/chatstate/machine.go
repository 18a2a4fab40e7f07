// Package chatstate decides the next input mode of a chat.
//
// The AI reply proposes a next state, but that proposal is untrusted: Decide
// checks it against the allowed transitions of the current state and falls
// back to re-appending the current state when it is outside that set.
// Workflow overrides (finalization, invitation sent, counterpart decisions)
// bypass the check.
package chatstate

import (
	"fmt"
	"strings"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// Override names a workflow rule that forces the next state.
type Override int

const (
	// NoOverride lets the AI proposal decide.
	NoOverride Override = iota
	// Finalize closes an offeror chat after it agrees to an accepted contract.
	Finalize
	// Invited closes an offeror chat after the invitation email went out.
	Invited
)

func (o Override) String() string {
	switch o {
	case Finalize:
		return "finalize"
	case Invited:
		return "invited"
	}
	return "none"
}

// Input is everything Decide looks at.
type Input struct {
	Current     domain.ChatState
	Proposed    domain.ChatState
	Context     domain.ChatContext
	HasDocument bool // the chat already owns a DOCUMENT file
	Override    Override
}

// Decision is the outcome of Decide.
type Decision struct {
	Next     domain.ChatState
	Accepted bool   // false when the proposal was refused and Current re-appended
	Reason   string // why a proposal was refused
}

var conversational = map[domain.ChatState]bool{
	domain.StateMIC:   true,
	domain.StateTEXT:  true,
	domain.StateEMAIL: true,
}

// Allowed reports whether an AI proposal from -> to is acceptable.
func Allowed(from, to domain.ChatState, c domain.ChatContext, hasDocument bool) (bool, string) {
	if !to.Valid() {
		return false, fmt.Sprintf("unknown state %q", to)
	}
	if !conversational[from] {
		return false, fmt.Sprintf("no AI transition leaves %s", from)
	}
	if !conversational[to] {
		return false, fmt.Sprintf("AI may not propose %s", to)
	}
	if to == domain.StateEMAIL {
		if c != domain.ContextOfferor {
			return false, "EMAIL is only reachable from an offeror chat"
		}
		if !hasDocument {
			return false, "EMAIL requires a contract document"
		}
	}
	return true, ""
}

// Decide returns the state to append after a turn.
func Decide(in Input) Decision {
	switch in.Override {
	case Finalize, Invited:
		return Decision{Next: domain.StateNONE, Accepted: true}
	}
	if ok, reason := Allowed(in.Current, in.Proposed, in.Context, in.HasDocument); !ok {
		cur := in.Current
		if !cur.Valid() {
			cur = domain.StateMIC
		}
		return Decision{Next: cur, Reason: reason}
	}
	return Decision{Next: in.Proposed, Accepted: true}
}

// Proposal converts the AI's requires/email fields into a proposed state.
// A non-empty email proposes EMAIL regardless of requires.
func Proposal(requires string, email *string) domain.ChatState {
	if email != nil && strings.TrimSpace(*email) != "" {
		return domain.StateEMAIL
	}
	return domain.ChatState(strings.ToUpper(strings.TrimSpace(requires)))
}
