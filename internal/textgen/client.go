// Package textgen wraps report text generation with bounded retries,
// per-attempt timeouts and an optional fallback answer.
package textgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	ariaotel "github.com/ariaaba/ariasync/internal/otel"
)

const (
	DefaultMaxRetries   = 3
	DefaultTimeout      = 45 * time.Second
	DefaultLargeTimeout = 90 * time.Second
)

// LargeSections need longer to generate than the default timeout allows.
var LargeSections = []string{"medicalNecessity", "goals", "interventions", "fullReport"}

var ErrEmptyResponse = errors.New("empty generation response")

type AIResult struct {
	Success      bool   `json:"success"`
	Content      string `json:"content"`
	Error        string `json:"error,omitempty"`
	UsedFallback bool   `json:"usedFallback,omitempty"`
}

type Client struct {
	Provider   Provider
	MaxRetries int
	Timeout    time.Duration
	// SectionTimeouts override Timeout for individual sections.
	SectionTimeouts map[string]time.Duration
	// Sleep waits between attempts; tests replace it.
	Sleep   func(ctx context.Context, d time.Duration) error
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *ariaotel.Metrics
}

func NewClient(provider Provider, logger *slog.Logger) *Client {
	timeouts := make(map[string]time.Duration, len(LargeSections))
	for _, section := range LargeSections {
		timeouts[section] = DefaultLargeTimeout
	}
	return &Client{
		Provider:        provider,
		MaxRetries:      DefaultMaxRetries,
		Timeout:         DefaultTimeout,
		SectionTimeouts: timeouts,
		Logger:          logger,
	}
}

// TimeoutFor returns the per-attempt bound for a section.
func (c *Client) TimeoutFor(section string) time.Duration {
	if d, ok := c.SectionTimeouts[section]; ok && d > 0 {
		return d
	}
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Generate runs req through the provider. Rate-limited attempts wait
// 2^attempt seconds before retrying; other transient failures retry at
// once. It never reports an empty success.
func (c *Client) Generate(ctx context.Context, req Request) AIResult {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("section", req.Section)
	if c.Provider == nil {
		return c.finish(ctx, req, errors.New("no generation provider configured"), logger)
	}

	ctx, span := ariaotel.StartClientSpan(ctx, c.Tracer, "textgen.generate",
		ariaotel.AttrSection.String(req.Section),
		ariaotel.AttrModel.String(c.Provider.Name()),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		if c.Metrics != nil {
			c.Metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("section", req.Section)))
		}
	}()

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	timeout := c.TimeoutFor(req.Section)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if c.Metrics != nil {
			c.Metrics.GenerationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("section", req.Section)))
		}
		span.AddEvent("attempt", trace.WithAttributes(ariaotel.AttrAttempt.Int(attempt)))

		content, err := c.attempt(ctx, req, timeout)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return AIResult{Success: true, Content: content}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}

		class := Classify(err)
		logger.Warn("generation attempt failed", "attempt", attempt, "class", string(class), "error", err)
		if !retryable(class) || attempt == maxRetries {
			break
		}
		if class == ClassRateLimit {
			if err := c.sleep(ctx, backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return c.finish(ctx, req, lastErr, logger)
}

func (c *Client) attempt(ctx context.Context, req Request, timeout time.Duration) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	content, err := c.Provider.Generate(attemptCtx, req)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("generation timed out after %s: %w", timeout, context.DeadlineExceeded)
		}
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

func (c *Client) finish(ctx context.Context, req Request, err error, logger *slog.Logger) AIResult {
	if req.Fallback != nil {
		if c.Metrics != nil {
			c.Metrics.GenerationFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("section", req.Section)))
		}
		logger.Warn("generation failed; using fallback text", "error", err)
		return AIResult{Success: true, Content: *req.Fallback, UsedFallback: true}
	}
	logger.Error("generation failed", "error", err)
	return AIResult{Success: false, Error: err.Error()}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}
