// Package services – InvitationService
//
// This file implements the invitation pipeline. Invite runs on the offeror's
// request and commits the negotiation together with its follow-up jobs
// through the outbox. The background half, CreateOffereeChat and
// ProcessPendingInvitations, opens the invitee's review chat once the
// invitee has an account.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/ai"
	"github.com/tbourn/go-negotiation-backend/internal/artifact"
	"github.com/tbourn/go-negotiation-backend/internal/chatstate"
	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/jobs"
	"github.com/tbourn/go-negotiation-backend/internal/mail"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
)

// Texts of the invitation workflow.
const (
	OffereeChatTitle = "Contract Review"
	contractSeed     = "[CONTRACT]\n"
)

// InviteSentMessage is the offeror-side status after an invitation.
func InviteSentMessage(email string) string {
	return fmt.Sprintf("Contract review invitation sent to %s. Waiting for their response.", email)
}

// ReviewingMessage is the offeror-side status once the offeree chat exists.
func ReviewingMessage(email string) string {
	return fmt.Sprintf("%s has received the contract and is reviewing it.", email)
}

// Artifact modes for the offeree's copy of the contract.
const (
	ArtifactRender = "render"
	ArtifactCopy   = "copy"
)

// InviteResult reports what Invite committed.
type InviteResult struct {
	Negotiation *domain.Negotiation
	Pending     bool // the invitee has no account yet
	Status      *domain.Message
	State       domain.ChatState
}

// InvitationService runs both halves of the invitation pipeline.
type InvitationService struct {
	DB        *gorm.DB
	AI        ai.Client
	Artifacts *artifact.Builder
	Relay     Flusher

	AppURL       string
	ArtifactMode string // render (default) or copy
	AITimeout    time.Duration
}

var emailValidator = validator.New()

// ValidateEmail checks an address the way invitation and registration
// endpoints accept it.
func ValidateEmail(email string) error {
	if err := emailValidator.Var(email, "required,email,max=254"); err != nil {
		return ErrInvalidEmail
	}
	return nil
}

// Invite invites email to review the contract of chatID. The chat must be an
// offeror chat owned by userID, in EMAIL state, with a contract document.
func (s *InvitationService) Invite(ctx context.Context, userID, chatID, email string) (*InviteResult, error) {
	email = repo.NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	chat, err := repo.GetChat(ctx, s.DB, chatID, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	if chat.Context != domain.ContextOfferor || chat.CurrentState != domain.StateEMAIL {
		return nil, ErrInviteNotAllowed
	}

	inviter, err := repo.FindUserByID(ctx, s.DB, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	inviterName := ""
	if inviter != nil {
		if inviter.Email == email {
			return nil, ErrSelfInvite
		}
		inviterName = inviter.Name
	}

	doc, err := repo.LatestDocument(ctx, s.DB, chat.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNoContract
	}
	if err != nil {
		return nil, err
	}
	contract, err := repo.LatestContractText(ctx, s.DB, chat.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNoContract
	}
	if err != nil {
		return nil, err
	}

	invitee, err := repo.FindUserByEmail(ctx, s.DB, email)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	registered := invitee != nil
	subject, body, err := mail.Invitation(s.AppURL, inviterName, email, registered)
	if err != nil {
		return nil, fmt.Errorf("render invitation: %w", err)
	}

	out := &InviteResult{Pending: !registered}
	err = repo.InTx(ctx, s.DB, func(tx *gorm.DB) error {
		// The chat must still be the EMAIL-state row read above, with no
		// turn in flight that could append its own state after ours.
		ok, err := repo.ClaimState(ctx, tx, chat.ID, chat.StateVersion, time.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		state := chat.CurrentState

		neg := &domain.Negotiation{
			OfferorChatID: chat.ID,
			OfferorID:     userID,
			OffereeEmail:  email,
			ContractText:  contract,
			DocumentURL:   doc.URL,
		}
		if err := repo.CreateNegotiation(ctx, tx, neg); err != nil {
			return err
		}
		if err := repo.SetChatNegotiation(ctx, tx, chat.ID, neg.ID); err != nil {
			return err
		}
		out.Negotiation = neg

		if registered {
			if _, err := repo.EnqueueOutbox(ctx, tx, jobs.CreateOffereeChat, jobs.CreateOffereeChatPayload{
				OfferorChatID: chat.ID,
				OffereeEmail:  email,
				ContractText:  contract,
				OfferorID:     userID,
				NegotiationID: neg.ID,
			}); err != nil {
				return err
			}
		} else {
			if err := repo.CreatePendingInvitation(ctx, tx, &domain.PendingInvitation{
				NegotiationID: neg.ID,
				OfferorChatID: chat.ID,
				OfferorID:     userID,
				OffereeEmail:  email,
				ContractText:  contract,
			}); err != nil {
				return err
			}
		}
		if _, err := repo.EnqueueOutbox(ctx, tx, jobs.SendEmail, jobs.SendEmailPayload{
			To: email, Subject: subject, Body: body,
		}); err != nil {
			return err
		}

		status, err := repo.CreateMessage(ctx, tx, repo.MessageInput{
			ChatID:   chat.ID,
			IsStatus: true,
			Text:     InviteSentMessage(email),
		})
		if err != nil {
			return err
		}
		out.Status = status

		d := chatstate.Decide(chatstate.Input{Current: state, Context: chat.Context, Override: chatstate.Invited})
		if _, err := repo.AppendState(ctx, tx, chat.ID, d.Next); err != nil {
			return err
		}
		out.State = d.Next
		return nil
	})
	if err != nil {
		if repo.IsSerializationFailure(err) {
			return nil, ErrConflict
		}
		return nil, err
	}

	log.Info().
		Str("chat_id", chat.ID).
		Str("negotiation_id", out.Negotiation.ID).
		Bool("pending", out.Pending).
		Msg("invitation committed")
	if s.Relay != nil {
		s.Relay.FlushQuietly(context.WithoutCancel(ctx))
	}
	return out, nil
}

// errLinkLost rolls back an offeree chat that lost the race to be linked.
var errLinkLost = errors.New("offeree chat already linked")

// CreateOffereeChat opens the invitee's review chat. It returns nil without
// writing when the invitee has no account or the negotiation already has an
// offeree chat. Only a failed AI call or chat creation is returned as an
// error; the follow-up steps are logged on failure.
func (s *InvitationService) CreateOffereeChat(ctx context.Context, p jobs.CreateOffereeChatPayload) error {
	lg := log.With().
		Str("offeror_chat_id", p.OfferorChatID).
		Str("negotiation_id", p.NegotiationID).
		Logger()

	invitee, err := repo.FindUserByEmail(ctx, s.DB, p.OffereeEmail)
	if errors.Is(err, repo.ErrNotFound) {
		lg.Info().Msg("invitee has no account yet")
		return nil
	}
	if err != nil {
		return err
	}

	var neg *domain.Negotiation
	if p.NegotiationID != "" {
		neg, err = repo.GetNegotiation(ctx, s.DB, p.NegotiationID)
		if errors.Is(err, repo.ErrNotFound) {
			lg.Warn().Msg("negotiation not found")
			return nil
		}
		if err != nil {
			return err
		}
		if neg.OffereeChatID != nil {
			lg.Info().Str("offeree_chat_id", *neg.OffereeChatID).Msg("offeree chat already exists")
			return nil
		}
	}

	aiCtx, cancel := context.WithTimeout(ctx, s.aiTimeout())
	reply, err := s.AI.Chat(aiCtx, domain.ContextOfferee, []ai.HistoryMessage{
		{Role: ai.RoleUser, Content: contractSeed + p.ContractText},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAIUnavailable, err)
	}

	var chat *domain.Chat
	err = repo.InTx(ctx, s.DB, func(tx *gorm.DB) error {
		c, err := repo.CreateChatWithState(ctx, tx, invitee.ID, OffereeChatTitle, domain.ContextOfferee)
		if err != nil {
			return err
		}
		if neg != nil {
			won, err := repo.LinkOffereeChat(ctx, tx, neg.ID, c.ID)
			if err != nil {
				return err
			}
			if !won {
				return errLinkLost
			}
			if err := repo.SetChatNegotiation(ctx, tx, c.ID, neg.ID); err != nil {
				return err
			}
		}
		chat = c
		return nil
	})
	if errors.Is(err, errLinkLost) {
		lg.Info().Msg("offeree chat created concurrently")
		return nil
	}
	if err != nil {
		return fmt.Errorf("create offeree chat: %w", err)
	}
	lg = lg.With().Str("chat_id", chat.ID).Logger()

	// Everything below is best effort.
	contract := p.ContractText
	opening, err := repo.CreateMessage(ctx, s.DB, repo.MessageInput{
		ChatID:       chat.ID,
		Text:         DisplayText(reply.Response),
		ContractText: &contract,
		Prompts:      promptValues(reply.Texts),
	})
	if err != nil {
		lg.Error().Err(err).Msg("store opening message")
	}
	if opening != nil {
		s.attachArtifact(ctx, chat, opening.ID, p, neg)
	}
	if _, err := repo.AppendState(ctx, s.DB, chat.ID, domain.StateTEXT); err != nil {
		lg.Error().Err(err).Msg("set offeree state")
	}
	if _, err := repo.CreateMessage(ctx, s.DB, repo.MessageInput{
		ChatID:   p.OfferorChatID,
		IsStatus: true,
		Text:     ReviewingMessage(p.OffereeEmail),
	}); err != nil {
		lg.Error().Err(err).Msg("notify offeror")
	}
	lg.Info().Msg("offeree chat created")
	return nil
}

func (s *InvitationService) attachArtifact(ctx context.Context, chat *domain.Chat, messageID string, p jobs.CreateOffereeChatPayload, neg *domain.Negotiation) {
	if s.Artifacts == nil {
		return
	}
	lg := log.With().Str("chat_id", chat.ID).Str("mode", s.artifactMode()).Logger()

	if s.artifactMode() == ArtifactCopy {
		src := ""
		if neg != nil {
			src = neg.DocumentURL
		}
		if src == "" {
			if doc, err := repo.LatestDocument(ctx, s.DB, p.OfferorChatID); err == nil {
				src = doc.URL
			}
		}
		if src != "" {
			if _, err := s.Artifacts.AttachCopy(ctx, s.DB, chat.ID, chat.UserID, messageID, src); err != nil {
				lg.Error().Err(err).Msg("attach contract copy")
			}
			return
		}
		lg.Warn().Msg("offeror document missing; rendering instead")
	}

	a, err := s.Artifacts.Build(ctx, chat.Title, p.ContractText)
	if err != nil {
		lg.Error().Err(err).Msg("render contract")
		return
	}
	if _, err := s.Artifacts.Attach(ctx, s.DB, chat.ID, chat.UserID, messageID, a); err != nil {
		lg.Error().Err(err).Msg("attach contract")
	}
}

// ProcessPendingInvitations opens a review chat for every unconsumed
// invitation of email and marks each consumed. Rows consumed before a failure
// stay consumed, so a retry resumes with the rest.
func (s *InvitationService) ProcessPendingInvitations(ctx context.Context, email string) error {
	rows, err := repo.ListPendingInvitations(ctx, s.DB, email)
	if err != nil {
		return err
	}
	for _, inv := range rows {
		if err := s.CreateOffereeChat(ctx, jobs.CreateOffereeChatPayload{
			OfferorChatID: inv.OfferorChatID,
			OffereeEmail:  inv.OffereeEmail,
			ContractText:  inv.ContractText,
			OfferorID:     inv.OfferorID,
			NegotiationID: inv.NegotiationID,
		}); err != nil {
			return fmt.Errorf("pending invitation %s: %w", inv.ID, err)
		}
		if _, err := repo.MarkInvitationAccepted(ctx, s.DB, inv.ID, time.Now().UTC()); err != nil {
			return err
		}
	}
	if len(rows) > 0 {
		log.Info().Int("count", len(rows)).Msg("pending invitations processed")
	}
	return nil
}

func (s *InvitationService) aiTimeout() time.Duration {
	if s.AITimeout > 0 {
		return s.AITimeout
	}
	return defaultAITimeout
}

func (s *InvitationService) artifactMode() string {
	if strings.EqualFold(s.ArtifactMode, ArtifactCopy) {
		return ArtifactCopy
	}
	return ArtifactRender
}
