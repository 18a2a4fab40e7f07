// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable: clients branch on them, while the
// message is for display. failErr translates service errors into a status and
// one of these codes in a single place.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "wrong_input_mode",
//	  "message": "This response requires text input"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/tbourn/go-negotiation-backend/internal/services"

	"github.com/gin-gonic/gin"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeTooLarge         = "payload_too_large"

	// Domain-specific:
	ErrCodeWrongInputMode      = "wrong_input_mode"
	ErrCodeQuotaExceeded       = "quota_exceeded"
	ErrCodeTranscriptionFailed = "transcription_failed"
	ErrCodeAIUnavailable       = "ai_unavailable"
	ErrCodeStorageUnavailable  = "storage_unavailable"
	ErrCodeUnsupportedAudio    = "unsupported_audio"
	ErrCodeInviteNotAllowed    = "invite_not_allowed"
	ErrCodeNoContract          = "no_contract"
	ErrCodeInvalidEmail        = "invalid_email"
	ErrCodeEmailTaken          = "email_taken"
	ErrCodeTurnFailed          = "turn_failed"
	ErrCodeCreateFailed        = "create_failed"
	ErrCodeListFailed          = "list_failed"
)

type errMapping struct {
	err    error
	status int
	code   string
	msg    string // empty: use the error text
}

// First match wins; errors.Is is used so wrapped errors map too.
var errMappings = []errMapping{
	{services.ErrChatNotFound, http.StatusNotFound, ErrCodeNotFound, "chat not found"},
	{services.ErrMessageNotFound, http.StatusNotFound, ErrCodeNotFound, "message not found"},
	{services.ErrTextRequired, http.StatusForbidden, ErrCodeWrongInputMode, services.TextRequiredMessage},
	{services.ErrVoiceRequired, http.StatusForbidden, ErrCodeWrongInputMode, services.VoiceRequiredMessage},
	{services.ErrQuotaExceeded, http.StatusForbidden, ErrCodeQuotaExceeded, services.QuotaMessage},
	{services.ErrInviteNotAllowed, http.StatusForbidden, ErrCodeInviteNotAllowed, ""},
	{services.ErrSelfInvite, http.StatusBadRequest, ErrCodeBadRequest, ""},
	{services.ErrInvalidEmail, http.StatusBadRequest, ErrCodeInvalidEmail, ""},
	{services.ErrInvalidContext, http.StatusBadRequest, ErrCodeBadRequest, ""},
	{services.ErrEmptyInput, http.StatusBadRequest, ErrCodeBadRequest, ""},
	{services.ErrTooLong, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, ""},
	{services.ErrUnsupportedAudio, http.StatusUnsupportedMediaType, ErrCodeUnsupportedAudio, ""},
	{services.ErrNoContract, http.StatusConflict, ErrCodeNoContract, ""},
	{services.ErrEmailTaken, http.StatusConflict, ErrCodeEmailTaken, ""},
	{services.ErrConflict, http.StatusConflict, ErrCodeConflict, ""},
	{services.ErrTranscriptionFailed, http.StatusUnprocessableEntity, ErrCodeTranscriptionFailed, "could not transcribe the recording"},
	{services.ErrAIUnavailable, http.StatusBadGateway, ErrCodeAIUnavailable, "the assistant is unavailable, please retry"},
	{services.ErrStorageUnavailable, http.StatusBadGateway, ErrCodeStorageUnavailable, "file storage is unavailable, please retry"},
}

// failErr writes the envelope for a service error. Unknown errors become a
// 500 with fallbackCode; their text is logged, not returned.
func failErr(c *gin.Context, err error, fallbackCode string) {
	for _, m := range errMappings {
		if errors.Is(err, m.err) {
			msg := m.msg
			if msg == "" {
				msg = m.err.Error()
			}
			if m.status >= http.StatusInternalServerError {
				_ = c.Error(err)
			}
			fail(c, m.status, m.code, msg)
			return
		}
	}
	_ = c.Error(err)
	fail(c, http.StatusInternalServerError, fallbackCode, "internal error")
}
