// Package services – TurnProcessor
//
// This file implements TurnProcessor, which runs one user turn on a chat:
// an audio recording while the chat expects voice, or a prompt selection
// while it expects text. A turn is split around the AI call so that no
// transaction is held open across a network request:
//
//	pre-checks → (audio: upload + transcribe) → tx1: claim, user message
//	→ AI call → tx2: title, status + reply messages, outbox jobs, next state
//
// Losing the claim in tx1 surfaces as ErrConflict. An AI failure leaves the
// user message in place and the state untouched, which is the retry signal
// for the client.
//
// Observability: Process is OpenTelemetry-instrumented and counted in
// negotiation_turns_total by outcome.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/ai"
	"github.com/tbourn/go-negotiation-backend/internal/chatstate"
	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/jobs"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
	"github.com/tbourn/go-negotiation-backend/internal/storage"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// InvalidOptionMessage is posted when a prompt selection matches no option.
const InvalidOptionMessage = "The option you selected is invalid. Please respond with a valid choice."

const (
	defaultAITimeout     = 60 * time.Second
	defaultMaxTextRunes  = 1000
	defaultMaxAudioBytes = 25 << 20
	maxPromptRunes       = 100
)

var turnsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "negotiation_turns_total",
		Help: "Turns processed, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(turnsTotal)
}

// Flusher pushes committed outbox rows to the job queue. Failures are the
// flusher's to log; the sweeper retries them.
type Flusher interface {
	FlushQuietly(ctx context.Context)
}

// AudioInput is an uploaded recording.
type AudioInput struct {
	Data []byte
}

// TurnInput is one user turn. Exactly one of Audio or Text is set; a text
// turn answers the prompts of MessageID.
type TurnInput struct {
	ChatID    string
	UserID    string
	Audio     *AudioInput
	Text      string
	MessageID string
}

// TurnResult is what a turn produced. Noop marks an already-answered prompt
// (nothing written); Invalid marks an unknown option (only Status written).
type TurnResult struct {
	Status  *domain.Message
	Reply   *domain.Message
	State   domain.ChatState
	Noop    bool
	Invalid bool
}

// TurnProcessor coordinates a turn with its collaborators.
type TurnProcessor struct {
	DB          *gorm.DB
	AI          ai.Client
	Transcriber ai.Transcriber
	Storage     storage.Uploader
	Relay       Flusher

	AITimeout         time.Duration
	LeaseTTL          time.Duration // defaults to AITimeout + 30s
	AudioInEmailState bool
	MaxTextRunes      int
	MaxAudioBytes     int

	// Title generation config
	TitleLocale language.Tag
	TitleMaxLen int

	Now func() time.Time
}

// errNoopTurn rolls tx1 back when the prompt was answered concurrently.
var errNoopTurn = errors.New("prompt already answered")

// Process runs one turn end to end.
func (p *TurnProcessor) Process(ctx context.Context, in TurnInput) (*TurnResult, error) {
	tr := otel.Tracer("services/TurnProcessor")
	ctx, span := tr.Start(ctx, "Process",
		trace.WithAttributes(
			attribute.String("chat.id", in.ChatID),
			attribute.String("user.id", in.UserID),
			attribute.Bool("turn.audio", in.Audio != nil),
		),
	)
	defer span.End()

	res, err := p.process(ctx, in)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = outcomeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	case res.Noop:
		outcome = "noop"
	case res.Invalid:
		outcome = "invalid_option"
	}
	turnsTotal.WithLabelValues(outcome).Inc()
	return res, err
}

func (p *TurnProcessor) process(ctx context.Context, in TurnInput) (*TurnResult, error) {
	chat, err := repo.GetChat(ctx, p.DB, in.ChatID, in.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	lg := log.With().Str("chat_id", chat.ID).Str("user_id", in.UserID).Logger()

	var (
		userText string
		msgType  domain.MessageType
		audio    *repo.FileInput
		prompt   *domain.Prompt
		owner    *domain.Message
	)
	if in.Audio != nil {
		if !p.acceptsAudio(chat.CurrentState) {
			return nil, ErrTextRequired
		}
		text, file, err := p.ingestAudio(ctx, chat, in)
		if err != nil {
			return nil, err
		}
		userText, msgType, audio = text, domain.MessageMIC, file
	} else {
		if chat.CurrentState != domain.StateTEXT {
			return nil, ErrVoiceRequired
		}
		text := strings.TrimSpace(in.Text)
		if text == "" {
			return nil, ErrEmptyInput
		}
		if utf8.RuneCountInString(text) > p.maxTextRunes() {
			return nil, ErrTooLong
		}
		owner, err = repo.GetMessage(ctx, p.DB, chat.ID, in.MessageID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, ErrMessageNotFound
			}
			return nil, err
		}
		answered, err := repo.HasAnsweredPrompt(ctx, p.DB, owner.ID)
		if err != nil {
			return nil, err
		}
		if answered {
			return &TurnResult{State: chat.CurrentState, Noop: true}, nil
		}
		prompt, err = repo.FindUnansweredPrompt(ctx, p.DB, owner.ID, text)
		if errors.Is(err, repo.ErrNotFound) {
			status, err := repo.CreateMessage(ctx, p.DB, repo.MessageInput{
				ChatID:   chat.ID,
				IsStatus: true,
				Text:     InvalidOptionMessage,
			})
			if err != nil {
				return nil, err
			}
			lg.Info().Str("message_id", owner.ID).Msg("invalid prompt option")
			return &TurnResult{Status: status, State: chat.CurrentState, Invalid: true}, nil
		}
		if err != nil {
			return nil, err
		}
		userText, msgType = prompt.Value, domain.MessageTEXT
	}

	// tx1: claim the turn and record what the user said.
	now := p.now()
	err = repo.InTx(ctx, p.DB, func(tx *gorm.DB) error {
		ok, err := repo.ClaimTurn(ctx, tx, chat.ID, chat.StateVersion, now.Add(p.leaseTTL()), now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		uid := in.UserID
		msg, err := repo.CreateMessage(ctx, tx, repo.MessageInput{
			ChatID:    chat.ID,
			UserID:    &uid,
			Type:      msgType,
			Text:      userText,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		if audio != nil {
			audio.MessageID = &msg.ID
			_, err := repo.CreateFile(ctx, tx, *audio)
			return err
		}
		won, err := repo.MarkPromptAnswered(ctx, tx, prompt.ID, prompt.MessageID, now)
		if err != nil {
			return err
		}
		if !won {
			return errNoopTurn
		}
		return nil
	})
	switch {
	case errors.Is(err, errNoopTurn):
		return &TurnResult{State: chat.CurrentState, Noop: true}, nil
	case errors.Is(err, ErrConflict), repo.IsSerializationFailure(err):
		return nil, ErrConflict
	case err != nil:
		return nil, err
	}

	history, err := p.history(ctx, chat.ID)
	if err != nil {
		p.release(ctx, chat.ID)
		return nil, err
	}
	aiCtx, cancel := context.WithTimeout(ctx, p.aiTimeout())
	reply, err := p.AI.Chat(aiCtx, chat.Context, history)
	cancel()
	if err != nil {
		lg.Warn().Err(err).Msg("assistant turn failed")
		p.release(ctx, chat.ID)
		return nil, fmt.Errorf("%w: %v", ErrAIUnavailable, err)
	}

	override, err := p.override(ctx, chat, userText, owner)
	if err != nil {
		p.release(ctx, chat.ID)
		return nil, err
	}

	var out TurnResult
	err = repo.InTx(ctx, p.DB, func(tx *gorm.DB) error {
		r, err := p.commitReply(ctx, tx, chat, in.UserID, userText, reply, override)
		if err != nil {
			return err
		}
		out = *r
		return nil
	})
	if err != nil {
		p.release(ctx, chat.ID)
		return nil, err
	}

	if p.Relay != nil {
		p.Relay.FlushQuietly(context.WithoutCancel(ctx))
	}
	return &out, nil
}

// ingestAudio validates, uploads and transcribes a recording. Nothing is
// written to the database here.
func (p *TurnProcessor) ingestAudio(ctx context.Context, chat *domain.Chat, in TurnInput) (string, *repo.FileInput, error) {
	data := in.Audio.Data
	if len(data) == 0 {
		return "", nil, ErrEmptyInput
	}
	if len(data) > p.maxAudioBytes() {
		return "", nil, ErrTooLong
	}
	ct, ext, err := storage.DetectAudio(data)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUnsupportedAudio, err)
	}
	key := storage.AudioKey(ext, p.now())
	url, err := p.Storage.Upload(ctx, key, data, ct)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	text, err := p.Transcriber.Transcribe(ctx, url)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil, fmt.Errorf("%w: %v", ErrTranscriptionFailed, ai.ErrEmptyTranscript)
	}
	return text, &repo.FileInput{
		ChatID:      chat.ID,
		UserID:      in.UserID,
		Type:        domain.FileAudio,
		URL:         url,
		Key:         key,
		ContentType: ct,
	}, nil
}

// history replays every non-status message, tagged with how it was produced.
func (p *TurnProcessor) history(ctx context.Context, chatID string) ([]ai.HistoryMessage, error) {
	msgs, err := repo.ListHistory(ctx, p.DB, chatID)
	if err != nil {
		return nil, err
	}
	out := make([]ai.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		role := ai.RoleUser
		if m.IsAssistant() {
			role = ai.RoleAssistant
		}
		out = append(out, ai.HistoryMessage{Role: role, Content: "[" + string(m.Type) + "] " + m.Text})
	}
	return out, nil
}

// override decides whether this turn finalizes an accepted negotiation.
// Chats without a negotiation row finalize when the user agrees on the
// acceptance notice itself; the notifier then pairs the chats by document URL.
func (p *TurnProcessor) override(ctx context.Context, chat *domain.Chat, userText string, answered *domain.Message) (chatstate.Override, error) {
	if chat.Context != domain.ContextOfferor || !IsAgreement(userText) {
		return chatstate.NoOverride, nil
	}
	if chat.NegotiationID == nil {
		if answered != nil && answered.IsStatus && answered.Text == OffereeAcceptedMessage {
			log.Info().Str("chat_id", chat.ID).Msg("offeror finalized an unlinked contract")
			return chatstate.Finalize, nil
		}
		return chatstate.NoOverride, nil
	}
	neg, err := repo.GetNegotiation(ctx, p.DB, *chat.NegotiationID)
	if errors.Is(err, repo.ErrNotFound) {
		return chatstate.NoOverride, nil
	}
	if err != nil {
		return chatstate.NoOverride, err
	}
	if neg.Status != domain.NegotiationAccepted {
		return chatstate.NoOverride, nil
	}
	log.Info().Str("chat_id", chat.ID).Str("negotiation_id", neg.ID).Msg("offeror finalized the contract")
	return chatstate.Finalize, nil
}

// commitReply is tx2: everything the AI reply produces, written at once.
func (p *TurnProcessor) commitReply(ctx context.Context, tx *gorm.DB, chat *domain.Chat, userID, userText string,
	reply *ai.TurnResult, override chatstate.Override) (*TurnResult, error) {

	title := p.clipTitle(normalizeTitle(reply.Title))
	if title == "" {
		title = p.generateTitleFromPrompt(userText)
	}
	if title != "" {
		if _, err := repo.RenameIfPlaceholder(ctx, tx, chat.ID, PlaceholderTitles, title); err != nil {
			return nil, err
		}
	}

	base := p.now()
	var out TurnResult
	if status := strings.TrimSpace(reply.Status); status != "" {
		uid := userID
		m, err := repo.CreateMessage(ctx, tx, repo.MessageInput{
			ChatID:    chat.ID,
			UserID:    &uid,
			IsStatus:  true,
			Text:      status,
			CreatedAt: base,
		})
		if err != nil {
			return nil, err
		}
		out.Status = m
	}

	var contract *string
	if reply.HasContract() {
		c := *reply.Contract
		contract = &c
	}
	m, err := repo.CreateMessage(ctx, tx, repo.MessageInput{
		ChatID:       chat.ID,
		Text:         DisplayText(reply.Response),
		ContractText: contract,
		Prompts:      promptValues(reply.Texts),
		CreatedAt:    base.Add(time.Microsecond),
	})
	if err != nil {
		return nil, err
	}
	out.Reply = m

	if contract != nil {
		if _, err := repo.EnqueueOutbox(ctx, tx, jobs.BuildArtifact, jobs.BuildArtifactPayload{MessageID: m.ID}); err != nil {
			return nil, err
		}
	}
	switch {
	case chat.Context == domain.ContextOfferee && reply.Agreed != nil:
		agreed := *reply.Agreed
		if _, err := repo.EnqueueOutbox(ctx, tx, jobs.NotifyCounterpart, jobs.NotifyCounterpartPayload{
			ChatID: chat.ID, Kind: jobs.KindDecision, Agreed: &agreed,
		}); err != nil {
			return nil, err
		}
	case override == chatstate.Finalize:
		if _, err := repo.EnqueueOutbox(ctx, tx, jobs.NotifyCounterpart, jobs.NotifyCounterpartPayload{
			ChatID: chat.ID, Kind: jobs.KindFinalize,
		}); err != nil {
			return nil, err
		}
	}

	docs, err := repo.CountDocuments(ctx, tx, chat.ID)
	if err != nil {
		return nil, err
	}
	d := chatstate.Decide(chatstate.Input{
		Current:     chat.CurrentState,
		Proposed:    chatstate.Proposal(reply.Requires, reply.Email),
		Context:     chat.Context,
		HasDocument: docs > 0 || contract != nil,
		Override:    override,
	})
	if !d.Accepted {
		log.Warn().
			Str("chat_id", chat.ID).
			Str("current", string(chat.CurrentState)).
			Str("proposed", reply.Requires).
			Str("reason", d.Reason).
			Msg("refused proposed state transition")
	}
	if _, err := repo.AppendState(ctx, tx, chat.ID, d.Next); err != nil {
		return nil, err
	}
	if err := repo.ReleaseTurn(ctx, tx, chat.ID); err != nil {
		return nil, err
	}
	out.State = d.Next
	return &out, nil
}

func (p *TurnProcessor) release(ctx context.Context, chatID string) {
	if err := repo.ReleaseTurn(context.WithoutCancel(ctx), p.DB, chatID); err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Msg("release turn lease")
	}
}

func (p *TurnProcessor) acceptsAudio(s domain.ChatState) bool {
	return s == domain.StateMIC || (p.AudioInEmailState && s == domain.StateEMAIL)
}

func (p *TurnProcessor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *TurnProcessor) aiTimeout() time.Duration {
	if p.AITimeout > 0 {
		return p.AITimeout
	}
	return defaultAITimeout
}

func (p *TurnProcessor) leaseTTL() time.Duration {
	if p.LeaseTTL > 0 {
		return p.LeaseTTL
	}
	return p.aiTimeout() + 30*time.Second
}

func (p *TurnProcessor) maxTextRunes() int {
	if p.MaxTextRunes > 0 {
		return p.MaxTextRunes
	}
	return defaultMaxTextRunes
}

func (p *TurnProcessor) maxAudioBytes() int {
	if p.MaxAudioBytes > 0 {
		return p.MaxAudioBytes
	}
	return defaultMaxAudioBytes
}

// --- Reply rendering ---

var (
	micTokenRE  = regexp.MustCompile(`[\[(]?\bMIC\b[\])]?`)
	textTokenRE = regexp.MustCompile(`[\[(]?\bTEXT\b[\])]?`)
)

// DisplayText replaces input-mode tokens in assistant text with their
// display form: MIC becomes 🎤 and TEXT becomes "text".
func DisplayText(s string) string {
	s = micTokenRE.ReplaceAllString(s, "🎤")
	return textTokenRE.ReplaceAllString(s, "text")
}

// promptValues trims, drops blanks and duplicates, and clips each option.
func promptValues(texts []string) []string {
	out := make([]string, 0, len(texts))
	seen := make(map[string]struct{}, len(texts))
	for _, t := range texts {
		t = clipRunes(strings.TrimSpace(t), maxPromptRunes)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

var (
	agreeRE    = regexp.MustCompile(`(?i)\bagree(d|s)?\b`)
	negationRE = regexp.MustCompile(`(?i)\b(not|don't|do not|dont|never|won't|cannot|can't|no longer)\b`)
)

// IsAgreement reports whether s is an explicit "agree" acknowledgment.
func IsAgreement(s string) bool {
	return agreeRE.MatchString(s) && !negationRE.MatchString(s)
}

// --- Title generation helpers ---

// generateTitleFromPrompt derives a concise title from the user's words. It
// is the fallback when the assistant returns no title.
func (p *TurnProcessor) generateTitleFromPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ""
	}
	toks := titleWordRE.FindAllString(strings.ToLower(prompt), -1)
	if len(toks) == 0 {
		return ""
	}

	titleCaser := cases.Title(p.TitleLocaleOrDefault())
	out := make([]string, 0, 8)

	for _, w := range toks {
		if _, skip := titleStopWords[w]; skip {
			continue
		}
		out = append(out, titleCaser.String(w))
		if len(out) >= 8 {
			break
		}
	}
	if len(out) == 0 {
		return ""
	}
	return p.clipTitle(strings.Join(out, " "))
}

// clipTitle truncates a title to the configured maximum rune length.
func (p *TurnProcessor) clipTitle(title string) string {
	max := p.TitleMaxLen
	if max <= 0 {
		max = 60
	}
	return clipRunes(title, max)
}

// TitleLocaleOrDefault returns the configured locale for casing or English if unset.
func (p *TurnProcessor) TitleLocaleOrDefault() language.Tag {
	if p.TitleLocale == language.Und {
		return language.English
	}
	return p.TitleLocale
}

// Extract Unicode letters with optional trailing numbers (e.g., "nda2025").
var titleWordRE = regexp.MustCompile(`[\p{L}]+[\p{N}]*`)

// Minimal English stop-words set for compact titles.
var titleStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
	"i": {}, "want": {}, "my": {}, "me": {}, "we": {}, "need": {},
}

// outcomeOf labels an error for negotiation_turns_total.
func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrTextRequired), errors.Is(err, ErrVoiceRequired):
		return "wrong_input_mode"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrTranscriptionFailed):
		return "transcription_failed"
	case errors.Is(err, ErrAIUnavailable):
		return "ai_unavailable"
	case errors.Is(err, ErrChatNotFound), errors.Is(err, ErrMessageNotFound):
		return "not_found"
	case errors.Is(err, ErrEmptyInput), errors.Is(err, ErrTooLong), errors.Is(err, ErrUnsupportedAudio):
		return "bad_input"
	}
	return "error"
}
