package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spigell/mentor-matcher/internal/ai"
	"github.com/spigell/mentor-matcher/internal/logger"
	"github.com/spigell/mentor-matcher/internal/utils"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	Name = "gemini"

	defaultModel        = "gemini-2.5-flash"
	defaultMaxLogLength = 200
	// quota errors asking for a longer wait than this are not worth retrying
	defaultMaxRetryAfter = 30 * time.Second
)

type Config struct {
	APIKey        string
	Model         string
	Temperature   float32
	MaxLogLength  int
	MaxRetryAfter time.Duration
}

// models is the subset of genai.Models used by the provider.
type models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	Get(ctx context.Context, model string, config *genai.GetModelConfig) (*genai.Model, error)
}

// Provider calls the Gemini API through the Google GenAI SDK.
type Provider struct {
	models        models
	model         string
	temperature   float32
	maxLogLen     int
	maxRetryAfter time.Duration
	logger        *zap.Logger
}

// New creates a Provider configured for the Gemini API backend.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newProvider(client.Models, cfg, log), nil
}

func newProvider(m models, cfg Config, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	if cfg.MaxLogLength <= 0 {
		cfg.MaxLogLength = defaultMaxLogLength
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = defaultMaxRetryAfter
	}

	return &Provider{
		models:        m,
		model:         model,
		temperature:   cfg.Temperature,
		maxLogLen:     cfg.MaxLogLength,
		maxRetryAfter: cfg.MaxRetryAfter,
		logger:        logger.WithCommonFields(log, Name, model),
	}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Model() string { return p.model }

func (p *Provider) Analyze(ctx context.Context, req ai.Request) (*ai.Analysis, error) {
	prompt, err := ai.BuildPrompt(req)
	if err != nil {
		return nil, ai.Permanent(Name, err)
	}

	log := p.logger.With(logger.PairFields(req.Applicant.Ref(), req.Mentor.Ref())...)
	log.Debug("gemini generate content request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, p.maxLogLen)),
	)

	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: ai.SystemInstruction}}},
		ResponseMIMEType:  "application/json",
	}
	if p.temperature > 0 {
		config.Temperature = genai.Ptr(p.temperature)
	}

	start := time.Now()
	resp, err := p.models.GenerateContent(ctx, p.model, genai.Text(prompt), config)
	latency := time.Since(start)
	if err != nil {
		return nil, p.classify(err)
	}

	raw := responseText(resp)
	log.Debug("gemini generate content response",
		zap.Duration("latency", latency),
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.TruncateForLog(raw, p.maxLogLen)),
	)

	analysis, err := ai.ParseResponse(Name, raw)
	if err != nil {
		return nil, err
	}
	analysis.Model = p.model
	analysis.Latency = latency
	return analysis, nil
}

// Probe fetches the configured model's metadata.
func (p *Provider) Probe(ctx context.Context) error {
	if _, err := p.models.Get(ctx, p.model, nil); err != nil {
		return p.classify(err)
	}
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}
	return strings.TrimSpace(builder.String())
}

func (p *Provider) classify(err error) error {
	apiErr, ok := asAPIError(err)
	if !ok {
		if errors.Is(err, context.Canceled) {
			return ai.Transient(Name, err)
		}
		pe := &ai.Error{Provider: Name, Kind: ai.KindOf(err), Err: err}
		if pe.Kind == ai.KindPermanent {
			// SDK transport failures are not typed, treat them as retryable
			pe.Kind = ai.KindTransient
		}
		return pe
	}

	pe := &ai.Error{
		Provider:   Name,
		Kind:       ai.KindForStatus(apiErr.Code),
		StatusCode: apiErr.Code,
		Err:        fmt.Errorf("generate content: %w", err),
	}

	if apiErr.Code == http.StatusTooManyRequests {
		delay := retryDelay(apiErr)
		if isQuotaExhausted(apiErr) && (delay == 0 || delay > p.maxRetryAfter) {
			pe.Kind = ai.KindPermanent
			return pe
		}
		pe.RetryAfter = delay
	}

	return pe
}

func asAPIError(err error) (genai.APIError, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return *apiErrPtr, true
	}
	return genai.APIError{}, false
}

func isQuotaExhausted(apiErr genai.APIError) bool {
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "quota") && (strings.Contains(msg, "exhausted") || strings.Contains(msg, "exceeded"))
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry (?:after|in) ([0-9]+(?:\.[0-9]+)?)\s*s`)

// retryDelay reads google.rpc.RetryInfo from the error details, falling back
// to a "retry after N seconds" hint in the message.
func retryDelay(apiErr genai.APIError) time.Duration {
	for _, detail := range apiErr.Details {
		typ, _ := detail["@type"].(string)
		if !strings.HasSuffix(typ, "google.rpc.RetryInfo") {
			continue
		}
		if raw, ok := detail["retryDelay"].(string); ok {
			if d, err := time.ParseDuration(raw); err == nil && d > 0 {
				return d
			}
		}
	}

	if m := retryAfterPattern.FindStringSubmatch(apiErr.Message); len(m) == 2 {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}
