// Package generation drives text generation against an ordered list of
// candidate models.
//
// Client.Generate tries each candidate in turn, waiting a fixed backoff
// between failures, and returns the first non-empty text. When every
// candidate fails it returns a deterministic JSON fallback document instead
// of an error, so callers always receive usable content.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kobo/internal/telemetry"
)

// Backend performs a single generation call with one model.
type Backend interface {
	GenerateText(ctx context.Context, model, prompt string, temperature float64) (string, error)
}

const (
	// maxDetailLen bounds the per-candidate error detail.
	maxDetailLen = 220
	// maxReportedErrors bounds model_errors in the fallback document.
	maxReportedErrors = 5

	fallbackSummary = "Local fallback used because Ollama was unavailable."
)

var fallbackNextSteps = []string{
	"Validate evidence links.",
	"Run critic and verifier passes.",
	"Request approval if action writes external state.",
}

var errEmptyResponse = errors.New("empty response")

// Config controls candidate selection and timing.
type Config struct {
	PrimaryModel   string
	FallbackModels []string
	Temperature    float64
	// AttemptTimeout bounds each candidate call.
	AttemptTimeout time.Duration
	// Budget bounds a whole Generate call. Zero means unbounded.
	Budget time.Duration
	// Backoff is the wait between a failed candidate and the next.
	Backoff time.Duration
}

// Result is the outcome of Generate. Model is empty when Fallback is set.
type Result struct {
	Text     string
	Model    string
	Fallback bool
	Errors   []string
}

// Attempt is the outcome of trying one candidate.
type Attempt struct {
	Model    string
	Text     string
	Err      error
	Duration time.Duration
}

// OK reports whether the attempt produced usable text.
func (a Attempt) OK() bool { return a.Err == nil }

// Detail formats a failed attempt as "<model>: <detail>" with the detail
// whitespace-collapsed and truncated.
func (a Attempt) Detail() string {
	if a.Err == nil {
		return ""
	}
	var httpErr *HTTPError
	if errors.As(a.Err, &httpErr) {
		return fmt.Sprintf("%s: HTTP %d %s", a.Model, httpErr.StatusCode, truncate(collapse(httpErr.Detail), maxDetailLen))
	}
	detail := truncate(collapse(a.Err.Error()), maxDetailLen)
	if detail == "" {
		detail = fmt.Sprintf("%T", a.Err)
	}
	return a.Model + ": " + detail
}

// Client generates text with candidate fallback.
type Client struct {
	backend    Backend
	cfg        Config
	candidates []string
	logger     *slog.Logger

	// sleep waits between candidates; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	tracer   trace.Tracer
	attempts metric.Int64Counter
}

// New creates a client.
func New(backend Backend, cfg Config, logger *slog.Logger) *Client {
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	meter := telemetry.Meter("kobo/generation")
	attempts, _ := meter.Int64Counter("kobo.generation.attempts",
		metric.WithDescription("Generation attempts by model and outcome"),
	)
	return &Client{
		backend:    backend,
		cfg:        cfg,
		candidates: Candidates(cfg.PrimaryModel, cfg.FallbackModels),
		logger:     logger,
		sleep:      sleepCtx,
		now:        func() time.Time { return time.Now().UTC() },
		tracer:     otel.Tracer("kobo/generation"),
		attempts:   attempts,
	}
}

// Candidates returns primary followed by fallbacks, trimmed, without blanks
// or duplicates, preserving first occurrence order.
func Candidates(primary string, fallbacks []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range append([]string{primary}, fallbacks...) {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// Candidates returns the configured candidate list.
func (c *Client) Candidates() []string {
	return append([]string(nil), c.candidates...)
}

// DefaultTemperature returns the configured sampling temperature.
func (c *Client) DefaultTemperature() float64 {
	return c.cfg.Temperature
}

// Generate returns the first candidate's non-empty text, or a fallback
// document when all candidates fail. It never returns an error.
func (c *Client) Generate(ctx context.Context, prompt string, temperature float64) Result {
	ctx, span := c.tracer.Start(ctx, "generation.generate",
		trace.WithAttributes(attribute.Int("generation.candidates", len(c.candidates))))
	defer span.End()

	if c.cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Budget)
		defer cancel()
	}

	var errs []string
	for a := range c.Attempts(ctx, prompt, temperature) {
		if a.OK() {
			span.SetAttributes(attribute.String("generation.model", a.Model))
			return Result{Text: a.Text, Model: a.Model, Errors: errs}
		}
		errs = append(errs, a.Detail())
	}

	span.SetAttributes(attribute.Bool("generation.fallback", true))
	span.SetStatus(codes.Error, "all candidates failed")
	c.logger.Warn("generation: all candidates failed, using fallback", "errors", len(errs))
	return Result{Text: c.fallback(errs), Fallback: true, Errors: errs}
}

// Attempts yields one Attempt per candidate in order, waiting the configured
// backoff after each failure except the last. Iteration stops early when the
// consumer breaks or ctx ends.
func (c *Client) Attempts(ctx context.Context, prompt string, temperature float64) iter.Seq[Attempt] {
	return func(yield func(Attempt) bool) {
		for i, model := range c.candidates {
			a := c.try(ctx, model, prompt, temperature)
			if !yield(a) {
				return
			}
			if a.OK() || i == len(c.candidates)-1 {
				return
			}
			if err := c.sleep(ctx, c.cfg.Backoff); err != nil {
				// Budget exhausted: report the candidates never tried.
				for _, rest := range c.candidates[i+1:] {
					if !yield(Attempt{Model: rest, Err: fmt.Errorf("not attempted: %w", err)}) {
						return
					}
				}
				return
			}
		}
	}
}

func (c *Client) try(ctx context.Context, model, prompt string, temperature float64) Attempt {
	ctx, span := c.tracer.Start(ctx, "generation.attempt",
		trace.WithAttributes(attribute.String("generation.model", model)))
	defer span.End()

	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
	}

	start := time.Now()
	text, err := c.backend.GenerateText(ctx, model, prompt, temperature)
	a := Attempt{Model: model, Duration: time.Since(start)}
	if err == nil {
		text = strings.TrimSpace(text)
		if text == "" {
			err = errEmptyResponse
		}
	}

	outcome := "ok"
	if err != nil {
		a.Err = err
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("generation: model request failed", "model", model, "detail", a.Detail())
	} else {
		a.Text = text
	}
	if c.attempts != nil {
		c.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("outcome", outcome),
		))
	}
	return a
}

type fallbackDocument struct {
	GeneratedAt string   `json:"generated_at"`
	Summary     string   `json:"summary"`
	ModelErrors []string `json:"model_errors"`
	NextSteps   []string `json:"next_steps"`
}

func (c *Client) fallback(errs []string) string {
	reported := errs
	if len(reported) > maxReportedErrors {
		reported = reported[:maxReportedErrors]
	}
	if reported == nil {
		reported = []string{}
	}
	doc := fallbackDocument{
		GeneratedAt: c.now().Format(time.RFC3339Nano),
		Summary:     fallbackSummary,
		ModelErrors: reported,
		NextSteps:   fallbackNextSteps,
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		// Only string fields; cannot fail.
		return fallbackSummary
	}
	return string(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
