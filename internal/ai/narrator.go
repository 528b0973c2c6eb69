package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
)

// Narrator produces the free-text stage analyses.
type Narrator struct {
	client  Completer
	model   string
	timeout time.Duration
	logger  *logger.Logger
}

func NewNarrator(cfg *config.Config, client Completer, log *logger.Logger) *Narrator {
	return &Narrator{
		client:  client,
		model:   cfg.AI.NarrativeModel,
		timeout: cfg.NarrativeTimeout(),
		logger:  log,
	}
}

func (n *Narrator) Generate(ctx context.Context, prompt string) (string, error) {
	n.logger.Info("requesting narrative", "model", n.model, "prompt_length", len(prompt))

	text, err := n.client.Complete(ctx, Request{
		Kind:    "narrative",
		Model:   n.model,
		System:  systemPrompt,
		Prompt:  prompt,
		Timeout: n.timeout,
	})
	if err != nil {
		return "", fmt.Errorf("generate narrative: %w", err)
	}

	n.logger.Info("received narrative", "length", len(text))
	return text, nil
}
