package ai

import (
	"embed"
	"fmt"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

//go:embed prompts/*.md
var promptFS embed.FS

// SystemPrompt returns the instructions for the given negotiating role.
func SystemPrompt(c domain.ChatContext) (string, error) {
	name := "prompts/offeror.md"
	if c == domain.ContextOfferee {
		name = "prompts/offeree.md"
	}
	b, err := promptFS.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(b), nil
}
