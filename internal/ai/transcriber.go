package ai

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	openai "github.com/sashabaranov/go-openai"
)

// WhisperTranscriber downloads the stored audio and sends it to the OpenAI
// transcription endpoint.
type WhisperTranscriber struct {
	client *openai.Client
	http   *resty.Client
	model  string
}

// NewWhisperTranscriber builds a transcriber sharing the OpenAI settings.
func NewWhisperTranscriber(cfg OpenAIConfig, model string) *WhisperTranscriber {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperTranscriber{
		client: openai.NewClientWithConfig(oc),
		http: resty.New().
			SetHeader("User-Agent", "go-negotiation-backend/1.0").
			SetTimeout(timeout),
		model: model,
	}
}

// Transcribe fetches audioURL and returns the recognised text.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, audioURL string) (string, error) {
	resp, err := w.http.R().SetContext(ctx).Get(audioURL)
	if err != nil {
		return "", fmt.Errorf("fetch audio: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("fetch audio (%d)", resp.StatusCode())
	}
	out, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: audioFileName(audioURL),
		Reader:   bytes.NewReader(resp.Body()),
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}

// audioFileName keeps the extension of the stored object so the API can detect
// the container format.
func audioFileName(audioURL string) string {
	u := audioURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := path.Ext(u)
	if ext == "" {
		ext = ".webm"
	}
	return "audio" + ext
}
