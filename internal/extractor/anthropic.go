package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/axiomme/axiomme/internal/telemetry"
)

const maxLLMRetries = 3

// Anthropic is the opt-in LLM-backed oracle. It is constructed only when
// an API key is configured; every caller also holds a Heuristic fallback
// and audits any failure, so Anthropic errors are never user-visible.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropic returns an LLM oracle, or an error when no API key is
// available.
func NewAnthropic(apiKey, model string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no API key configured", ErrUnavailable)
	}
	llmMetricsOnce.Do(initLLMMetrics)
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}, nil
}

var llmMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var llmMetricsOnce sync.Once

func initLLMMetrics() {
	m := telemetry.Meter("github.com/axiomme/axiomme/extractor")
	llmMetrics.inputTokens, _ = m.Int64Counter("axiomme.llm.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"))
	llmMetrics.outputTokens, _ = m.Int64Counter("axiomme.llm.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"))
	llmMetrics.duration, _ = m.Float64Histogram("axiomme.llm.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"))
}

const extractPrompt = `Extract durable memories from this conversation.
Return a JSON array of objects {"category": one of profile|preferences|entities|events|cases|patterns, "text": string, "source_ids": [message ids]}.
Return only the JSON array, no prose.

Conversation:
%s`

// Extract asks the model for memory candidates and parses its JSON
// reply. Any transport, API, or parse failure is returned to the caller,
// who falls back to the Heuristic.
func (a *Anthropic) Extract(ctx context.Context, messages []Message) (Extraction, error) {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.ID, m.Role, m.Text)
	}
	reply, err := a.callWithRetry(ctx, "extract", fmt.Sprintf(extractPrompt, b.String()))
	if err != nil {
		return Extraction{}, err
	}

	var raw []struct {
		Category  string   `json:"category"`
		Text      string   `json:"text"`
		SourceIDs []string `json:"source_ids"`
	}
	if err := json.Unmarshal([]byte(extractJSONArray(reply)), &raw); err != nil {
		return Extraction{}, fmt.Errorf("parse extraction reply: %w", err)
	}
	var out Extraction
	for _, r := range raw {
		c := Category(r.Category)
		if !ValidCategory(c) || strings.TrimSpace(r.Text) == "" {
			continue
		}
		out.Candidates = append(out.Candidates, Candidate{Category: c, Text: r.Text, SourceIDs: r.SourceIDs})
	}
	return out, nil
}

const dedupPrompt = `Does the candidate memory duplicate any existing memory?
Reply with only a JSON object {"duplicate": bool, "match_index": int} where match_index is the zero-based index of the duplicated memory, or -1.

Candidate: %s
Existing:
%s`

// Dedup asks the model whether candidate duplicates one of matches.
func (a *Anthropic) Dedup(ctx context.Context, candidate string, matches []string) (Decision, error) {
	var b strings.Builder
	for i, m := range matches {
		fmt.Fprintf(&b, "%d: %s\n", i, m)
	}
	reply, err := a.callWithRetry(ctx, "dedup", fmt.Sprintf(dedupPrompt, candidate, b.String()))
	if err != nil {
		return Decision{}, err
	}
	var raw struct {
		Duplicate  bool `json:"duplicate"`
		MatchIndex int  `json:"match_index"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(reply)), &raw); err != nil {
		return Decision{}, fmt.Errorf("parse dedup reply: %w", err)
	}
	if raw.Duplicate && (raw.MatchIndex < 0 || raw.MatchIndex >= len(matches)) {
		return Decision{}, fmt.Errorf("dedup reply match_index %d out of range", raw.MatchIndex)
	}
	return Decision{Duplicate: raw.Duplicate, MatchIndex: raw.MatchIndex}, nil
}

func (a *Anthropic) callWithRetry(ctx context.Context, operation, prompt string) (string, error) {
	tracer := telemetry.Tracer("github.com/axiomme/axiomme/extractor")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("axiomme.llm.model", string(a.model)),
		attribute.String("axiomme.llm.operation", operation),
	)

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.Multiplier = 2
	eb.RandomizationFactor = 0

	var lastErr error
	for attempt := 0; attempt <= maxLLMRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(eb.NextBackOff()):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		t0 := time.Now()
		message, err := a.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())

		if err == nil {
			modelAttr := attribute.String("axiomme.llm.model", string(a.model))
			if llmMetrics.inputTokens != nil {
				llmMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
				llmMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
				llmMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
			}
			if len(message.Content) > 0 && message.Content[0].Type == "text" {
				return message.Content[0].Text, nil
			}
			return "", fmt.Errorf("unexpected response format: no text block")
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return "", fmt.Errorf("%w: failed after %d attempts: %v", ErrUnavailable, maxLLMRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// extractJSONArray and extractJSONObject trim any prose a model wraps
// around its JSON reply.
func extractJSONArray(s string) string {
	start, end := strings.Index(s, "["), strings.LastIndex(s, "]")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func extractJSONObject(s string) string {
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
