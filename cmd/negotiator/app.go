package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/ai"
	"github.com/tbourn/go-negotiation-backend/internal/artifact"
	"github.com/tbourn/go-negotiation-backend/internal/config"
	"github.com/tbourn/go-negotiation-backend/internal/mail"
	"github.com/tbourn/go-negotiation-backend/internal/observability"
	"github.com/tbourn/go-negotiation-backend/internal/outbox"
	"github.com/tbourn/go-negotiation-backend/internal/queue"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
	"github.com/tbourn/go-negotiation-backend/internal/services"
	"github.com/tbourn/go-negotiation-backend/internal/storage"
	"github.com/tbourn/go-negotiation-backend/internal/worker"
)

// app is the object graph shared by serve and worker.
type app struct {
	cfg   config.Config
	db    *gorm.DB
	queue queue.Queue
	relay *outbox.Relay

	turns       *services.TurnProcessor
	invitations *services.InvitationService
	users       *services.UserService
	quota       services.QuotaChecker
	worker      *worker.Worker

	shutdownOTel func(context.Context) error
}

// newApp opens the database and the queue and builds every service.
// process tags traces ("api" or "worker").
func newApp(ctx context.Context, cfg config.Config, process string) (*app, error) {
	shutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version, process)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	a := &app{cfg: cfg, shutdownOTel: shutdown}

	a.db, err = repo.Open(repo.Options{
		Driver:     cfg.DB.Driver,
		SQLitePath: cfg.DB.Path,
		DSN:        cfg.DB.URL,
		Tracing:    cfg.OTEL.Enabled,
		Verbose:    cfg.LogLevel == "debug",
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open db: %w", err)
	}

	store, err := newStorage(ctx, cfg.Storage)
	if err != nil {
		a.close()
		return nil, err
	}

	a.queue, err = queue.New(ctx, queue.Options{
		Driver:     cfg.Queue.Driver,
		NATSURL:    cfg.Queue.NATSURL,
		MaxRetries: cfg.Queue.MaxRetries,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("queue: %w", err)
	}
	a.relay = outbox.NewRelay(a.db, a.queue, cfg.Queue.BatchSize)

	aiCfg := ai.OpenAIConfig{
		APIKey:  cfg.AI.APIKey,
		BaseURL: cfg.AI.BaseURL,
		Model:   cfg.AI.Model,
		Timeout: cfg.AI.Timeout,
	}
	assistant := ai.NewOpenAIClient(aiCfg)
	artifacts := artifact.NewBuilder(store)

	a.turns = &services.TurnProcessor{
		DB:                a.db,
		AI:                assistant,
		Transcriber:       ai.NewWhisperTranscriber(aiCfg, cfg.AI.TranscribeModel),
		Storage:           store,
		Relay:             a.relay,
		AITimeout:         cfg.AI.Timeout,
		AudioInEmailState: cfg.Workflow.AudioInEmailState,
		MaxTextRunes:      cfg.Workflow.MaxTextRunes,
		MaxAudioBytes:     cfg.Workflow.MaxAudioBytes,
		TitleLocale:       language.English,
	}
	a.invitations = &services.InvitationService{
		DB:           a.db,
		AI:           assistant,
		Artifacts:    artifacts,
		Relay:        a.relay,
		AppURL:       cfg.Mail.AppURL,
		ArtifactMode: cfg.Workflow.InviteArtifactMode,
		AITimeout:    cfg.AI.Timeout,
	}
	a.users = &services.UserService{DB: a.db, Relay: a.relay}
	if cfg.Workflow.DailyChatLimit > 0 {
		a.quota = &services.DailyQuota{DB: a.db, Limit: cfg.Workflow.DailyChatLimit}
	}

	var sender mail.Sender = mail.LogSender{}
	if cfg.Mail.SMTPHost != "" {
		sender = mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.Mail.SMTPHost,
			Port:     cfg.Mail.SMTPPort,
			Username: cfg.Mail.SMTPUsername,
			Password: cfg.Mail.SMTPPassword,
			From:     cfg.Mail.From,
		})
	} else {
		log.Warn().Msg("SMTP_HOST not set; invitation mail is logged, not sent")
	}
	a.worker = &worker.Worker{
		DB:          a.db,
		Artifacts:   artifacts,
		Notifier:    &services.Notifier{DB: a.db},
		Mail:        sender,
		Invitations: a.invitations,
	}
	return a, nil
}

func newStorage(ctx context.Context, cfg config.StorageConfig) (storage.Uploader, error) {
	if cfg.Driver == "s3" {
		s, err := storage.NewS3(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
			PublicBaseURL:   cfg.S3PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		return s, nil
	}
	s, err := storage.NewLocal(cfg.LocalDir, cfg.LocalBaseURL)
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	return s, nil
}

// ping reports whether the database answers.
func (a *app) ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (a *app) close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			log.Warn().Err(err).Msg("queue close")
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if a.shutdownOTel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.shutdownOTel(ctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}
}
