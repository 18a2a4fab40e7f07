// Package worker binds the background jobs to their handlers on a queue.
//
// Every handler decodes and validates its payload first. Payloads that fail to
// decode are logged and acknowledged since re-delivery cannot fix them; every
// other error is returned so the queue retries the job.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/artifact"
	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/jobs"
	"github.com/tbourn/go-negotiation-backend/internal/mail"
	"github.com/tbourn/go-negotiation-backend/internal/queue"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_jobs_total",
			Help: "Background jobs handled, by job and outcome.",
		},
		[]string{"job", "outcome"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "negotiation_job_duration_seconds",
			Help:    "Duration of background job handlers in seconds.",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration)
}

// ArtifactCreator builds the contract document of an assistant message.
type ArtifactCreator interface {
	CreateForMessage(ctx context.Context, db *gorm.DB, messageID string) (*domain.File, bool, error)
}

// CounterpartNotifier delivers notify_counterpart jobs.
type CounterpartNotifier interface {
	Handle(ctx context.Context, p jobs.NotifyCounterpartPayload) error
}

// Invitations runs the invitee side of the invitation pipeline.
type Invitations interface {
	CreateOffereeChat(ctx context.Context, p jobs.CreateOffereeChatPayload) error
	ProcessPendingInvitations(ctx context.Context, email string) error
}

// Worker holds the collaborators of every job handler.
type Worker struct {
	DB          *gorm.DB
	Artifacts   ArtifactCreator
	Notifier    CounterpartNotifier
	Mail        mail.Sender
	Invitations Invitations
}

// errBadPayload marks a payload that can never be processed.
var errBadPayload = errors.New("bad payload")

// Register installs a handler for every job in jobs.All on q.
func (w *Worker) Register(q queue.Queue) {
	q.Handle(jobs.BuildArtifact, w.instrument(jobs.BuildArtifact, w.buildArtifact))
	q.Handle(jobs.NotifyCounterpart, w.instrument(jobs.NotifyCounterpart, w.notifyCounterpart))
	q.Handle(jobs.SendEmail, w.instrument(jobs.SendEmail, w.sendEmail))
	q.Handle(jobs.CreateOffereeChat, w.instrument(jobs.CreateOffereeChat, w.createOffereeChat))
	q.Handle(jobs.ProcessPendingInvitations, w.instrument(jobs.ProcessPendingInvitations, w.processPending))
}

func (w *Worker) instrument(job string, h queue.Handler) queue.Handler {
	tr := otel.Tracer("worker")
	return func(ctx context.Context, payload []byte) error {
		ctx, span := tr.Start(ctx, "job."+job)
		defer span.End()
		span.SetAttributes(attribute.String("job.name", job), attribute.Int("job.payload_bytes", len(payload)))

		start := time.Now()
		err := h(ctx, payload)
		jobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())

		outcome := "ok"
		switch {
		case errors.Is(err, errBadPayload):
			outcome = "dropped"
			log.Error().Err(err).Str("job", job).Msg("job payload rejected")
			err = nil
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn().Err(err).Str("job", job).Msg("job failed")
		}
		jobsTotal.WithLabelValues(job, outcome).Inc()
		return err
	}
}

func decode(raw []byte, v any) error {
	if err := jobs.Decode(raw, v); err != nil {
		return errors.Join(errBadPayload, err)
	}
	return nil
}

func (w *Worker) buildArtifact(ctx context.Context, raw []byte) error {
	var p jobs.BuildArtifactPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	_, created, err := w.Artifacts.CreateForMessage(ctx, w.DB, p.MessageID)
	switch {
	case errors.Is(err, artifact.ErrNoContract), errors.Is(err, gorm.ErrRecordNotFound):
		log.Warn().Err(err).Str("message_id", p.MessageID).Msg("artifact skipped")
		return nil
	case err != nil:
		return err
	case !created:
		log.Debug().Str("message_id", p.MessageID).Msg("artifact already attached")
	}
	return nil
}

func (w *Worker) notifyCounterpart(ctx context.Context, raw []byte) error {
	var p jobs.NotifyCounterpartPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return w.Notifier.Handle(ctx, p)
}

func (w *Worker) sendEmail(ctx context.Context, raw []byte) error {
	var p jobs.SendEmailPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return w.Mail.Send(ctx, p.To, p.Subject, p.Body)
}

func (w *Worker) createOffereeChat(ctx context.Context, raw []byte) error {
	var p jobs.CreateOffereeChatPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return w.Invitations.CreateOffereeChat(ctx, p)
}

func (w *Worker) processPending(ctx context.Context, raw []byte) error {
	var p jobs.ProcessPendingInvitationsPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return w.Invitations.ProcessPendingInvitations(ctx, p.Email)
}
