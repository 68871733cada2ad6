package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"specforge/internal/domain"
)

var errAPIKeyRequired = errors.New("API key required")

const defaultMaxTokens = 4096

// Anthropic generates phase content through the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	maxTokens int64
	haveKey   bool
}

// NewAnthropic creates the client. ANTHROPIC_API_KEY takes precedence over
// the explicit key. The key is checked on Execute, not here, so commands
// that never run a phase work without one.
func NewAnthropic(apiKey string) *Anthropic {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	return &Anthropic{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		maxTokens: defaultMaxTokens,
		haveKey:   apiKey != "",
	}
}

// Execute runs one phase prompt against the model named in the profile.
// The caller bounds the call with a context deadline. There is no retry:
// a failed generation aborts the workflow run.
func (a *Anthropic) Execute(ctx context.Context, phase domain.WorkflowPhase, taskDescription string, profile Profile) (string, error) {
	if !a.haveKey {
		return "", fmt.Errorf("%w: set ANTHROPIC_API_KEY or configure executor.api_key", errAPIKeyRequired)
	}
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(profile.Model),
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(profile)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(taskDescription)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("execute phase %s: %w", phase, err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	content := sb.String()
	if content == "" {
		return "", fmt.Errorf("execute phase %s: model returned no text content", phase)
	}
	return content, nil
}

func systemPrompt(p Profile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a %s.\n", p.Role)
	if p.Goal != "" {
		fmt.Fprintf(&sb, "Goal: %s\n", p.Goal)
	}
	if p.Backstory != "" {
		sb.WriteString(p.Backstory)
	}
	return sb.String()
}
