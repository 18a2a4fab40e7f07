// Invitation and identity HTTP handlers.
//
//   - POST /chats/{id}/invitations   (send the contract of an offeror chat)
//   - POST /internal/users           (registration hook from the identity provider)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// InviteRequest names the counterpart who should review the contract.
type InviteRequest struct {
	Email string `json:"email" binding:"required,email,max=254" example:"bob@example.com"`
}

// InviteResponse reports the negotiation an invitation opened.
type InviteResponse struct {
	NegotiationID string           `json:"negotiation_id"`
	Email         string           `json:"email"`
	Pending       bool             `json:"pending"`
	State         domain.ChatState `json:"state"`
	Status        string           `json:"status,omitempty"`
}

// RegisterUserRequest is sent by the identity provider when an account is
// created or its email changes.
type RegisterUserRequest struct {
	ID    string `json:"id"    binding:"required,max=64" example:"auth0|64f1c2"`
	Email string `json:"email" binding:"required,email,max=254" example:"bob@example.com"`
	Name  string `json:"name"  binding:"max=255" example:"Bob"`
}

// Invite godoc
// @ID          inviteCounterpart
// @Summary     Invite the counterpart
// @Description Sends the latest contract of an offeror chat in EMAIL state to the given address. A registered
// @Description invitee gets a review chat right away; anyone else gets one when they sign up.
// @Tags        Invitations
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Offeror chat ID (UUID)"  format(uuid)
// @Param       body  body  handlers.InviteRequest  true  "Invitee"
//
// @Success     201  {object}  handlers.InviteResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Chat cannot send an invitation now"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat not found"
// @Failure     409  {object}  handlers.ErrorResponse  "No contract document"
// @Router      /chats/{id}/invitations [post]
func (h *Handlers) Invite(c *gin.Context) {
	chatID, valid := chatIDParam(c)
	if !valid {
		return
	}
	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidEmail, "a valid email is required")
		return
	}

	res, err := h.invites.Invite(c.Request.Context(), userID(c), chatID, req.Email)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	resp := InviteResponse{
		NegotiationID: res.Negotiation.ID,
		Email:         res.Negotiation.OffereeEmail,
		Pending:       res.Pending,
		State:         res.State,
	}
	if res.Status != nil {
		resp.Status = res.Status.Text
	}
	ok(c, http.StatusCreated, resp)
}

// RegisterUser godoc
// @ID          registerUser
// @Summary     Register a user
// @Description Records an identity and schedules the invitations waiting on its email. Requires X-Internal-Token.
// @Tags        Internal
// @Accept      json
// @Produce     json
//
// @Param       X-Internal-Token  header  string  true  "Shared secret of the identity provider hook"
// @Param       body              body    handlers.RegisterUserRequest  true  "Identity"
//
// @Success     201  {object}  domain.User
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or wrong token"
// @Failure     409  {object}  handlers.ErrorResponse  "Email held by another user"
// @Router      /internal/users [post]
func (h *Handlers) RegisterUser(c *gin.Context) {
	var req RegisterUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "id and a valid email are required")
		return
	}
	u, err := h.users.Register(c.Request.Context(), req.ID, req.Email, strings.TrimSpace(req.Name))
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusCreated, u)
}
