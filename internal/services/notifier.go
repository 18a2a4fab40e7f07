package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/jobs"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
)

// Status texts posted on the counterpart chat.
const (
	OffereeAcceptedMessage = "The offeree has accepted the contract. Reply \"I agree\" to make the agreement final."
	OffereeRejectedMessage = "The offeree has rejected the contract."
	FinalizedMessage       = "The offeror has accepted the contract. The agreement is final."
	AgreePrompt            = "I agree"
)

// errAlreadyApplied rolls back a redelivered notification.
var errAlreadyApplied = errors.New("notification already applied")

// Notifier carries a decision made in one chat of a negotiation over to the
// other chat. A missing counterpart is logged and skipped; only database
// failures are returned, so the queue retries those alone.
type Notifier struct {
	DB *gorm.DB
}

// Handle dispatches a notify_counterpart job.
func (n *Notifier) Handle(ctx context.Context, p jobs.NotifyCounterpartPayload) error {
	switch p.Kind {
	case jobs.KindDecision:
		if p.Agreed == nil {
			return nil
		}
		return n.OffereeDecided(ctx, p.ChatID, *p.Agreed)
	case jobs.KindFinalize:
		return n.OfferorFinalized(ctx, p.ChatID)
	}
	return nil
}

// OffereeDecided posts the offeree's accept or reject on the offeror chat.
// Acceptance offers the offeror a single "I agree" prompt and moves the chat
// to TEXT; rejection closes it with NONE.
func (n *Notifier) OffereeDecided(ctx context.Context, offereeChatID string, agreed bool) error {
	lg := log.With().Str("chat_id", offereeChatID).Bool("agreed", agreed).Logger()

	chat, ok, err := n.chat(ctx, offereeChatID, domain.ContextOfferee, lg)
	if !ok {
		return err
	}

	target := domain.NegotiationRejected
	if agreed {
		target = domain.NegotiationAccepted
	}

	var (
		neg           *domain.Negotiation
		counterpartID string
	)
	if chat.NegotiationID != nil {
		neg, err = repo.GetNegotiation(ctx, n.DB, *chat.NegotiationID)
		if err != nil {
			return n.missing(err, lg, "negotiation not found")
		}
		if neg.Status == target || neg.Status == domain.NegotiationFinalized {
			lg.Info().Str("negotiation_id", neg.ID).Str("status", string(neg.Status)).Msg("decision already applied")
			return nil
		}
		counterpartID = neg.OfferorChatID
	} else {
		doc, err := repo.LatestDocument(ctx, n.DB, chat.ID)
		if err != nil {
			return n.missing(err, lg, "offeree chat has no document")
		}
		f, err := repo.FindDocumentByURL(ctx, n.DB, repo.DocumentQuery{
			URL:           doc.URL,
			Context:       domain.ContextOfferor,
			ExcludeChatID: chat.ID,
			Earliest:      true,
		})
		if err != nil {
			return n.missing(err, lg, "no offeror document matches")
		}
		counterpartID = f.ChatID
	}

	offeror, ok, err := n.chat(ctx, counterpartID, domain.ContextOfferor, lg)
	if !ok {
		return err
	}

	text, next, prompts := OffereeRejectedMessage, domain.StateNONE, []string(nil)
	if agreed {
		text, next, prompts = OffereeAcceptedMessage, domain.StateTEXT, []string{AgreePrompt}
	}
	err = repo.InTx(ctx, n.DB, func(tx *gorm.DB) error {
		if neg != nil {
			changed, err := repo.SetNegotiationStatus(ctx, tx, neg.ID, target)
			if err != nil {
				return err
			}
			if !changed {
				return errAlreadyApplied
			}
		}
		if _, err := repo.CreateMessage(ctx, tx, repo.MessageInput{
			ChatID:    offeror.ID,
			IsStatus:  true,
			Text:      text,
			Prompts:   prompts,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		_, err := repo.AppendState(ctx, tx, offeror.ID, next)
		return err
	})
	if errors.Is(err, errAlreadyApplied) {
		return nil
	}
	if err != nil {
		return err
	}
	lg.Info().Str("offeror_chat_id", offeror.ID).Str("state", string(next)).Msg("offeree decision delivered")
	return nil
}

// OfferorFinalized tells the offeree that the offeror agreed to the accepted
// contract, and closes the offeree chat.
func (n *Notifier) OfferorFinalized(ctx context.Context, offerorChatID string) error {
	lg := log.With().Str("chat_id", offerorChatID).Logger()

	chat, ok, err := n.chat(ctx, offerorChatID, domain.ContextOfferor, lg)
	if !ok {
		return err
	}

	var (
		neg           *domain.Negotiation
		counterpartID string
	)
	if chat.NegotiationID != nil {
		neg, err = repo.GetNegotiation(ctx, n.DB, *chat.NegotiationID)
		if err != nil {
			return n.missing(err, lg, "negotiation not found")
		}
		if neg.Status == domain.NegotiationFinalized {
			lg.Info().Str("negotiation_id", neg.ID).Msg("negotiation already finalized")
			return nil
		}
		if neg.Status != domain.NegotiationAccepted || neg.OffereeChatID == nil {
			lg.Warn().Str("negotiation_id", neg.ID).Str("status", string(neg.Status)).Msg("negotiation cannot be finalized")
			return nil
		}
		counterpartID = *neg.OffereeChatID
	} else {
		doc, err := repo.LatestDocument(ctx, n.DB, chat.ID)
		if err != nil {
			return n.missing(err, lg, "offeror chat has no document")
		}
		f, err := repo.FindDocumentByURL(ctx, n.DB, repo.DocumentQuery{
			URL:           doc.URL,
			Context:       domain.ContextOfferee,
			ExcludeChatID: chat.ID,
		})
		if err != nil {
			return n.missing(err, lg, "no offeree document matches")
		}
		counterpartID = f.ChatID
	}

	offeree, ok, err := n.chat(ctx, counterpartID, domain.ContextOfferee, lg)
	if !ok {
		return err
	}

	err = repo.InTx(ctx, n.DB, func(tx *gorm.DB) error {
		if neg != nil {
			changed, err := repo.SetNegotiationStatus(ctx, tx, neg.ID, domain.NegotiationFinalized)
			if err != nil {
				return err
			}
			if !changed {
				return errAlreadyApplied
			}
		}
		if _, err := repo.CreateMessage(ctx, tx, repo.MessageInput{
			ChatID:    offeree.ID,
			IsStatus:  true,
			Text:      FinalizedMessage,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		_, err := repo.AppendState(ctx, tx, offeree.ID, domain.StateNONE)
		return err
	})
	if errors.Is(err, errAlreadyApplied) {
		return nil
	}
	if err != nil {
		return err
	}
	lg.Info().Str("offeree_chat_id", offeree.ID).Msg("finalization delivered")
	return nil
}

// chat loads id and checks its context. ok is false when the chat is absent
// or has the wrong context; err is set only for database failures.
func (n *Notifier) chat(ctx context.Context, id string, want domain.ChatContext, lg zerolog.Logger) (*domain.Chat, bool, error) {
	c, err := repo.GetChatByID(ctx, n.DB, id)
	if err != nil {
		return nil, false, n.missing(err, lg.With().Str("lookup_chat_id", id).Logger(), "chat not found")
	}
	if c.Context != want {
		lg.Warn().Str("lookup_chat_id", id).Str("context", string(c.Context)).Str("want", string(want)).Msg("chat has unexpected context")
		return nil, false, nil
	}
	return c, true, nil
}

// missing logs a not-found lookup and swallows it; other errors are returned.
func (n *Notifier) missing(err error, lg zerolog.Logger, msg string) error {
	if errors.Is(err, repo.ErrNotFound) {
		lg.Warn().Msg(msg)
		return nil
	}
	return err
}
