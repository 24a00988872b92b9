// Package executor performs stage work through the Gemini API. The engine
// treats the output as opaque; everything here is about getting a completion
// back reliably and classifying what went wrong when we cannot.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/missionctl/api/schemas"
)

// Options configures the Gemini executor.
type Options struct {
	APIKey string
	// DefaultModel is used for roles without an explicit mapping.
	DefaultModel string
	// RoleModels routes a worker role to a specific model.
	RoleModels map[string]string
	// Timeout bounds one Execute call including retries. Zero means 5m.
	Timeout time.Duration
	// MaxElapsedRetry caps the retry window inside one call. Zero means 2m.
	MaxElapsedRetry time.Duration
	// MaxRetries caps retry attempts inside one call. Zero means the retry
	// window alone bounds the attempts.
	MaxRetries  uint64
	Temperature float32
}

// Gemini implements schemas.Executor.
type Gemini struct {
	client *genai.Client
	opts   Options
	log    *zap.Logger
}

var _ schemas.Executor = (*Gemini)(nil)

// NewGemini builds the client. The API key is required.
func NewGemini(ctx context.Context, opts Options, logger *zap.Logger) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = "gemini-2.5-flash"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxElapsedRetry <= 0 {
		opts.MaxElapsedRetry = 2 * time.Minute
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{
		client: client,
		opts:   opts,
		log:    logger.Named("executor.gemini"),
	}, nil
}

// Execute sends the rendered prompt to the model mapped for role. Transient
// API errors retry with exponential backoff inside the call's hard timeout;
// the returned error is always a classified ExecutorError.
func (g *Gemini) Execute(ctx context.Context, role, prompt string) (string, error) {
	model := g.modelFor(role)
	log := g.log.With(zap.String("role", role), zap.String("model", model))

	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.opts.Temperature),
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = g.opts.MaxElapsedRetry
	b.MaxInterval = 30 * time.Second

	var output string
	operation := func() error {
		start := time.Now()
		resp, err := g.client.Models.GenerateContent(callCtx, model, genai.Text(prompt), cfg)
		if err != nil {
			if isTransient(err) {
				log.Warn("transient gemini error, retrying", zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		text := resp.Text()
		if text == "" {
			return backoff.Permanent(fmt.Errorf("gemini returned no content"))
		}
		fields := []zap.Field{zap.Duration("duration", time.Since(start))}
		if resp.UsageMetadata != nil {
			fields = append(fields, zap.Int32("total_tokens", resp.UsageMetadata.TotalTokenCount))
		}
		log.Info("generation complete", fields...)
		output = text
		return nil
	}

	var policy backoff.BackOff = backoff.WithContext(b, callCtx)
	if g.opts.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, g.opts.MaxRetries)
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return "", classify(err, callCtx)
	}
	return output, nil
}

func (g *Gemini) modelFor(role string) string {
	if m, ok := g.opts.RoleModels[role]; ok && m != "" {
		return m
	}
	return g.opts.DefaultModel
}

func isTransient(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
			return true
		}
		return false
	}
	// Network-level failures are worth a retry.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// classify maps a final failure onto the executor error taxonomy the engine
// and recovery layer act on.
func classify(err error, ctx context.Context) error {
	kind := "toolFailure"
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = "timeout"
	default:
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
				kind = "unavailable"
			}
		}
	}
	return &schemas.ExecutorError{Kind: kind, Err: err}
}
