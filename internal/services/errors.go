// Package services holds the negotiation business logic: chats, turns, the
// negotiation notifier and the invitation pipeline. This file centralizes the
// service-level error values so callers can match them with errors.Is.
//
// Translation into user-facing messages or HTTP status codes happens in the
// handler layer.
package services

import "errors"

// User-facing texts shown for some of the errors below.
const (
	QuotaMessage         = "You have reached your daily chat limit. Upgrade to continue creating contracts."
	TextRequiredMessage  = "This response requires text input"
	VoiceRequiredMessage = "This response requires voice input"
)

// Chat and message lookups.
var (
	// ErrChatNotFound indicates that the chat does not exist or is not owned
	// by the current user.
	ErrChatNotFound = errors.New("chat not found")

	// ErrMessageNotFound indicates that the message does not exist in the chat.
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidContext is returned for a chat context other than offeror/offeree.
	ErrInvalidContext = errors.New("invalid chat context")

	// ErrQuotaExceeded is returned when the daily chat allowance is used up.
	ErrQuotaExceeded = errors.New("daily chat limit reached")
)

// Turn input errors.
var (
	// ErrTextRequired rejects audio while the chat expects text.
	ErrTextRequired = errors.New("this response requires text input")

	// ErrVoiceRequired rejects text while the chat expects audio.
	ErrVoiceRequired = errors.New("this response requires voice input")

	// ErrEmptyInput is returned for blank text or zero-byte audio.
	ErrEmptyInput = errors.New("input is empty")

	// ErrTooLong is returned when text or audio exceeds its configured limit.
	ErrTooLong = errors.New("input too long")

	// ErrUnsupportedAudio is returned when uploaded bytes are not audio.
	ErrUnsupportedAudio = errors.New("unsupported audio format")

	// ErrConflict is returned when another turn on the same chat won the race.
	ErrConflict = errors.New("another turn is in progress for this chat")
)

// Collaborator failures.
var (
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrAIUnavailable       = errors.New("assistant unavailable")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)

// Invitation errors.
var (
	// ErrInviteNotAllowed is returned unless the chat is an offeror chat in
	// EMAIL state.
	ErrInviteNotAllowed = errors.New("this chat cannot send an invitation now")

	// ErrNoContract is returned when the chat has no contract document yet.
	ErrNoContract = errors.New("no contract document to send")

	// ErrInvalidEmail is returned for a malformed invitee or user address.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrSelfInvite is returned when an offeror invites their own address.
	ErrSelfInvite = errors.New("you cannot invite yourself")

	// ErrEmailTaken is returned when another user already holds the address.
	ErrEmailTaken = errors.New("email already registered")
)
