// Package enrich calls the LLM completion service that supplies name
// meanings and origins, and classifies its failures for the retry controller.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/calunde/nameforge/internal/config"
	"github.com/calunde/nameforge/internal/metrics"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// RecordResult is the per-record outcome of one batch call, in input order.
type RecordResult struct {
	ID     string
	Fields map[string]any
	OK     bool
	Reason string
}

// Client submits a batch of items for enrichment. Implementations are
// stateless between calls; every invocation is exactly one outbound request.
type Client interface {
	Enrich(ctx context.Context, items []string, instructions string) ([]RecordResult, error)
}

// LLMClient is the live Client backed by langchaingo.
type LLMClient struct {
	llm       llms.Model
	modelName string
	stats     *metrics.Collector
}

// ClientOption configures an LLMClient.
type ClientOption func(*LLMClient)

// WithMetrics records call timings and token usage into the collector.
func WithMetrics(stats *metrics.Collector) ClientOption {
	return func(c *LLMClient) { c.stats = stats }
}

// NewLLMClient creates an LLM client based on configuration.
func NewLLMClient(cfg config.Config, opts ...ClientOption) (*LLMClient, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, Errorf(KindFatal, "OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, Errorf(KindFatal, "Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	default:
		return nil, Errorf(KindFatal, "unsupported LLM provider: %s", cfg.LLMProvider)
	}

	c := &LLMClient{
		llm:       model,
		modelName: cfg.LLMModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model returns the configured model name.
func (c *LLMClient) Model() string {
	return c.modelName
}

// Enrich sends one batch to the service and parses the structured response.
func (c *LLMClient) Enrich(ctx context.Context, items []string, instructions string) ([]RecordResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, BuildPrompt(items, instructions)),
	}

	start := time.Now()
	response, err := c.llm.GenerateContent(ctx, messages,
		llms.WithTemperature(0.3),
		llms.WithMaxTokens(2000),
	)
	if err != nil {
		if c.stats != nil {
			c.stats.RecordTiming(metrics.OpEnrich, time.Since(start))
		}
		return nil, classify(err)
	}
	if len(response.Choices) == 0 {
		return nil, Errorf(KindMalformed, "response has no choices")
	}

	choice := response.Choices[0]
	if c.stats != nil {
		in, out := tokenUsage(choice.GenerationInfo)
		c.stats.RecordLLMUsage(metrics.OpEnrich, time.Since(start), in, out)
	}

	return ParseResults(choice.Content, items)
}

// tokenUsage pulls token counts out of a provider's generation info. OpenAI
// reports PromptTokens/CompletionTokens, Anthropic InputTokens/OutputTokens.
func tokenUsage(info map[string]any) (in, out int64) {
	for _, key := range []string{"PromptTokens", "InputTokens"} {
		if v, ok := info[key].(int); ok {
			in = int64(v)
			break
		}
	}
	for _, key := range []string{"CompletionTokens", "OutputTokens"} {
		if v, ok := info[key].(int); ok {
			out = int64(v)
			break
		}
	}
	return in, out
}

// ParseResults extracts the JSON array from a completion and aligns it with
// the submitted items. Any shape problem is Malformed: partially applying a
// misaligned response would attach meanings to the wrong names.
func ParseResults(content string, items []string) ([]RecordResult, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, Errorf(KindMalformed, "no JSON array in response")
	}

	var parsed []map[string]any
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return nil, Wrap(KindMalformed, err, "invalid JSON in response")
	}

	if len(parsed) != len(items) {
		return nil, Errorf(KindMalformed, "response has %d entries for %d items", len(parsed), len(items))
	}

	results := make([]RecordResult, len(items))
	for i, entry := range parsed {
		name, _ := entry["name"].(string)
		if !strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(items[i])) {
			return nil, Errorf(KindMalformed, "response entry %d is %q, expected %q", i, name, items[i])
		}
		fields := make(map[string]any, len(entry))
		for k, v := range entry {
			if k == "name" {
				continue
			}
			fields[k] = v
		}
		results[i] = RecordResult{
			ID:     items[i],
			Fields: fields,
			OK:     true,
		}
	}
	return results, nil
}

// classify maps a transport/provider error onto the retry taxonomy.
func classify(err error) error {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"):
		return Wrap(KindRateLimited, err, "rate limited")

	case strings.Contains(msg, "401"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "incorrect api key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "unauthorized"):
		return Wrap(KindFatal, err, "authentication failed")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTransient, err, "request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindTransient, err, "network error")
	}

	return Wrap(KindTransient, err, "enrichment request failed")
}
