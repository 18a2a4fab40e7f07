// Message HTTP handlers.
//
// This file exposes REST endpoints for chat turns:
//   - GET  /chats/{id}/messages                          (list visible messages)
//   - POST /chats/{id}/messages                          (audio turn as multipart field "audio",
//     or a JSON text turn {text, message_id})
//   - POST /chats/{id}/messages/{messageId}/prompts      (select a reply option)
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous result
// exists for (user, chat, key), the handler returns the recorded message
// and sets `Idempotency-Replayed: true` instead of running the turn again.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/http/middleware"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
	"github.com/tbourn/go-negotiation-backend/internal/services"
)

// maxPromptRunes caps a selected reply option.
const maxPromptRunes = 100

var nowUTC = func() time.Time { return time.Now().UTC() }

//
// DTOs
//

// PostTextRequest is the JSON form of POST /chats/{id}/messages. MessageID
// names the assistant message whose options the text answers.
type PostTextRequest struct {
	Text      string `json:"text"       binding:"required" example:"Yes, a fixed fee of 5000 EUR"`
	MessageID string `json:"message_id" binding:"required" example:"7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab"`
}

// SelectPromptRequest is the payload of the prompt endpoint.
type SelectPromptRequest struct {
	Value string `json:"value" binding:"required" example:"Fixed fee"`
}

// TurnResponse is what a turn produced. Status is the summary line of the
// user's turn; Reply is the assistant message (absent for an invalid option).
type TurnResponse struct {
	Status  *services.MessageView `json:"status,omitempty"`
	Reply   *services.MessageView `json:"reply,omitempty"`
	State   domain.ChatState      `json:"state"`
	Invalid bool                  `json:"invalid_option,omitempty"`
}

// ListMessagesResponse contains a page of chat messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []services.MessageView `json:"messages"`
	Pagination Pagination             `json:"pagination"`
}

func viewPtr(m *domain.Message) *services.MessageView {
	if m == nil {
		return nil
	}
	v := services.ViewOf(*m)
	return &v
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Submit a turn
// @Description Submits an audio turn (multipart field "audio") while the chat is in MIC, or a text turn
// @Description answering an assistant message while it is in TEXT. Returns the status summary, the
// @Description assistant reply and the next input state. Supports the Idempotency-Key header.
// @Tags        Messages
// @Accept      multipart/form-data
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header    string  false "Idempotency key for safe retries"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       id               path      string  true  "Chat ID (UUID)"  format(uuid)
// @Param       audio            formData  file    false "Recorded audio"
// @Param       body             body      handlers.PostTextRequest  false  "Text turn"
//
// @Success     200  {object}  handlers.TurnResponse
// @Success     204  {string}  string                  "Option already answered"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Wrong input mode for the chat state"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Another turn is in progress"
// @Failure     413  {object}  handlers.ErrorResponse  "Input too large"
// @Failure     422  {object}  handlers.ErrorResponse  "Transcription failed"
// @Failure     502  {object}  handlers.ErrorResponse  "Assistant unavailable"
// @Router      /chats/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	chatID, valid := chatIDParam(c)
	if !valid {
		return
	}
	in := services.TurnInput{ChatID: chatID, UserID: userID(c)}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		data, ok := h.readAudio(c)
		if !ok {
			return
		}
		in.Audio = &services.AudioInput{Data: data}
	} else {
		var req PostTextRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "text and message_id required")
			return
		}
		in.Text, in.MessageID = req.Text, req.MessageID
	}
	h.runTurn(c, in)
}

// SelectPrompt godoc
// @ID          selectPrompt
// @Summary     Select a reply option
// @Description Answers an assistant message with one of its options. Re-selecting on an answered message is a no-op (204).
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       id         path  string  true  "Chat ID (UUID)"     format(uuid)
// @Param       messageId  path  string  true  "Message ID (UUID)"  format(uuid)
// @Param       body       body  handlers.SelectPromptRequest  true  "Selected option"
//
// @Success     200  {object}  handlers.TurnResponse
// @Success     204  {string}  string                  "Option already answered"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Wrong input mode for the chat state"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat or message not found"
// @Router      /chats/{id}/messages/{messageId}/prompts [post]
func (h *Handlers) SelectPrompt(c *gin.Context) {
	chatID, valid := chatIDParam(c)
	if !valid {
		return
	}
	messageID := c.Param("messageId")
	if _, err := uuid.Parse(messageID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a UUID")
		return
	}
	var req SelectPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "value required")
		return
	}
	value := strings.TrimSpace(req.Value)
	if value == "" || utf8.RuneCountInString(value) > maxPromptRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("value must be 1-%d characters", maxPromptRunes))
		return
	}
	h.runTurn(c, services.TurnInput{
		ChatID:    chatID,
		UserID:    userID(c),
		Text:      value,
		MessageID: messageID,
	})
}

// readAudio reads the "audio" form file, bounded by the configured limit.
func (h *Handlers) readAudio(c *gin.Context) ([]byte, bool) {
	fh, err := c.FormFile("audio")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "audio too large")
			return nil, false
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "audio file required")
		return nil, false
	}
	if fh.Size > h.maxAudioBytes {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "audio too large")
		return nil, false
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable audio file")
		return nil, false
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxAudioBytes+1))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable audio file")
		return nil, false
	}
	if int64(len(data)) > h.maxAudioBytes {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "audio too large")
		return nil, false
	}
	return data, true
}

// runTurn serves an idempotent replay when one is recorded, otherwise
// processes the turn and records its outcome under the request's key.
func (h *Handlers) runTurn(c *gin.Context, in services.TurnInput) {
	ctx := c.Request.Context()
	key, _ := middleware.GetIdempotencyKey(c)
	if key != "" && h.replay(c, in.UserID, in.ChatID, key) {
		return
	}

	res, err := h.turns.Process(ctx, in)
	if err != nil {
		failErr(c, err, ErrCodeTurnFailed)
		return
	}

	if key != "" && h.db != nil {
		var recorded string
		status := http.StatusOK
		switch {
		case res.Noop:
			status = http.StatusNoContent
		case res.Reply != nil:
			recorded = res.Reply.ID
		case res.Status != nil:
			recorded = res.Status.ID
		}
		// Best effort: a lost record only costs a duplicate turn on retry.
		if _, err := repo.CreateIdempotency(ctx, h.db, in.UserID, in.ChatID, key, recorded, status, h.idempotencyTTL); err != nil &&
			!errors.Is(err, repo.ErrDuplicate) {
			middleware.LoggerFrom(c).Warn().Err(err).Str("chat_id", in.ChatID).Msg("record idempotency key")
		}
	}

	if res.Noop {
		noContent(c)
		return
	}
	ok(c, http.StatusOK, TurnResponse{
		Status:  viewPtr(res.Status),
		Reply:   viewPtr(res.Reply),
		State:   res.State,
		Invalid: res.Invalid,
	})
}

// replay writes the recorded outcome for key and reports whether it did.
func (h *Handlers) replay(c *gin.Context, uid, chatID, key string) bool {
	if h.db == nil {
		return false
	}
	ctx := c.Request.Context()
	rec, err := repo.GetIdempotency(ctx, h.db, uid, chatID, key, nowUTC())
	if err != nil {
		return false
	}
	if rec.MessageID == "" {
		c.Header("Idempotency-Replayed", "true")
		noContent(c)
		return true
	}
	m, err := repo.GetMessage(ctx, h.db, chatID, rec.MessageID)
	if err != nil {
		return false
	}
	ch, err := h.chatSvc.Get(ctx, uid, chatID)
	if err != nil {
		return false
	}
	resp := TurnResponse{State: ch.CurrentState}
	if m.IsStatus {
		resp.Status = viewPtr(m)
		resp.Invalid = true
	} else {
		resp.Reply = viewPtr(m)
	}
	c.Header("Idempotency-Replayed", "true")
	ok(c, http.StatusOK, resp)
	return true
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a chat
// @Description Returns a page of the chat's status and assistant messages, oldest first, each with its
// @Description options (with a selected flag) and attachments.
// @Tags        Messages
// @Produce     json
//
// @Param       id         path   string  true  "Chat ID (UUID)"  format(uuid)
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	chatID, valid := chatIDParam(c)
	if !valid {
		return
	}
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort). Answered prompts and attached documents
	// change the view without adding messages, so both are in the tag.
	if h.db != nil {
		if _, err := h.chatSvc.Get(ctx, userID(c), chatID); err == nil {
			count, maxTS, version, answered, err := repo.MessagesStats(ctx, h.db, chatID)
			docs, derr := repo.CountDocuments(ctx, h.db, chatID)
			if err == nil && derr == nil {
				var ts int64
				if maxTS != nil {
					ts = maxTS.UnixNano()
				}
				etag := fmt.Sprintf(`W/"messages:%s:%d:%d:%d:%d:%d:%d:%d"`, chatID, count, ts, version, answered, docs, page, pageSize)
				if notModified(c, etag) {
					return
				}
			}
		}
	}

	items, total, err := h.msgSvc.ListPage(ctx, userID(c), chatID, page, pageSize)
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: newPagination(page, pageSize, total),
	})
}
