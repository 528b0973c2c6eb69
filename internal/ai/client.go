package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/metrics"
)

// ErrBlocked marks a completion refused by the provider's safety filter.
// Retrying the same prompt does not help, so it is never retried.
var ErrBlocked = errors.New("completion blocked by provider safety filter")

// Request is one chat completion.
type Request struct {
	Kind      string // narrative or extraction; used in logs and metrics
	Model     string
	System    string
	Prompt    string
	Timeout   time.Duration
	MaxTokens int
}

// Client talks to an OpenAI-compatible endpoint through a round-robin pool
// of API keys, a shared rate limiter and bounded retries.
type Client struct {
	keys        []*openai.Client
	next        atomic.Uint64
	limiter     *rate.Limiter
	maxAttempts int
	backoff     Backoff
	temperature float32
	logger      *logger.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg config.AIConfig, log *logger.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	keys := make([]*openai.Client, 0, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		ocfg := openai.DefaultConfig(key)
		ocfg.BaseURL = baseURL
		keys = append(keys, openai.NewClientWithConfig(ocfg))
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 10
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	return &Client{
		keys:        keys,
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 2),
		maxAttempts: attempts,
		backoff:     DefaultBackoff,
		temperature: cfg.Temperature,
		logger:      log,
		sleep:       sleepContext,
	}
}

// Complete runs req, retrying transient failures with exponential backoff.
// Each attempt takes the next key of the pool.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if len(c.keys) == 0 {
		return "", fmt.Errorf("%s completion: no API keys configured", req.Kind)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff.Delay(attempt - 1)
			c.logger.Warn("retrying AI call",
				"kind", req.Kind,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return "", fmt.Errorf("%s completion: %w", req.Kind, err)
			}
		}

		text, err := c.once(ctx, req)
		metrics.AICalls.WithLabelValues(req.Kind, metrics.Result(err)).Inc()
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
	}
	return "", fmt.Errorf("%s completion: %w", req.Kind, lastErr)
}

func (c *Client) once(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	idx := int((c.next.Add(1) - 1) % uint64(len(c.keys)))
	client := c.keys[idx]

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("key #%d: %w", idx+1, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("key #%d: no choices returned", idx+1)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", ErrBlocked
	}
	text := StripThinkTags(choice.Message.Content)
	if text == "" {
		return "", fmt.Errorf("key #%d: empty completion (finish reason %q)", idx+1, choice.FinishReason)
	}

	c.logger.Debug("AI call completed",
		"kind", req.Kind,
		"model", req.Model,
		"key", idx+1,
		"length", len(text),
		"tokens", resp.Usage.TotalTokens,
		"duration", time.Since(start))
	return text, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, ErrBlocked) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return !strings.Contains(msg, "safety") && !strings.Contains(msg, "blocked")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
