package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/jobs"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
)

// UserService mirrors identities from the upstream identity provider.
type UserService struct {
	DB    *gorm.DB
	Relay Flusher
}

// Register records or refreshes a user and schedules consumption of the
// invitations waiting on the address.
func (s *UserService) Register(ctx context.Context, id, email, name string) (*domain.User, error) {
	id = strings.TrimSpace(id)
	email = repo.NormalizeEmail(email)
	if id == "" {
		return nil, ErrEmptyInput
	}
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}

	var u *domain.User
	err := repo.InTx(ctx, s.DB, func(tx *gorm.DB) error {
		var err error
		if u, err = repo.UpsertUser(ctx, tx, id, email, name); err != nil {
			return err
		}
		_, err = repo.EnqueueOutbox(ctx, tx, jobs.ProcessPendingInvitations, jobs.ProcessPendingInvitationsPayload{Email: email})
		return err
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", u.ID).Msg("user registered")
	if s.Relay != nil {
		s.Relay.FlushQuietly(context.WithoutCancel(ctx))
	}
	return u, nil
}
