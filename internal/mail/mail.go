// Package mail renders notification emails and delivers them over SMTP.
package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"
)

// Sender delivers one HTML email.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender sends through an SMTP relay. A new connection is dialed per
// message.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPSender builds a sender; it does not connect.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)
	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	log.Info().Str("to", to).Str("subject", subject).Msg("email sent")
	return nil
}

// LogSender only logs. It is used when no SMTP host is configured.
type LogSender struct{}

// Send implements Sender.
func (LogSender) Send(_ context.Context, to, subject, _ string) error {
	log.Warn().Str("to", to).Str("subject", subject).Msg("SMTP not configured; email dropped")
	return nil
}

//go:embed templates/*.html
var templateFS embed.FS

var layout = template.Must(template.ParseFS(templateFS, "templates/layout.html"))

// TemplateData fills the shared email layout.
type TemplateData struct {
	Subject     string
	Title       string
	Description string
	ButtonText  string
	URL         string
	PostText    string
}

// Render executes the layout with d.
func Render(d TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := layout.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}
	return buf.String(), nil
}

// Invitation builds the contract review invitation for email. Registered
// invitees are sent to their chats, others to registration with the address
// prefilled.
func Invitation(appURL, inviterName, email string, registered bool) (subject, body string, err error) {
	base := strings.TrimRight(appURL, "/")
	link := base + "/chats"
	button := "Review the contract"
	if !registered {
		link = base + "/register?email=" + url.QueryEscape(email)
		button = "Create your account"
	}
	who := strings.TrimSpace(inviterName)
	if who == "" {
		who = "Someone"
	}
	d := TemplateData{
		Subject:     "You have a contract to review",
		Title:       "A contract is waiting for you",
		Description: who + " drafted a contract and would like you to review it. Our assistant will walk you through the terms and record your decision.",
		ButtonText:  button,
		URL:         link,
		PostText:    "You are receiving this email because " + who + " entered your address. If you were not expecting it, you can ignore this message.",
	}
	body, err = Render(d)
	return d.Subject, body, err
}
