package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/spigell/mentor-matcher/internal/ai"
	"github.com/spigell/mentor-matcher/internal/logger"
	"github.com/spigell/mentor-matcher/internal/utils"
)

const (
	Name = "openai"

	defaultBaseURL      = "https://api.openai.com/v1"
	defaultModel        = "gpt-4o-mini"
	defaultMaxLogLength = 200
	// longer Retry-After hints fail over instead of holding the match
	defaultMaxRetryAfter = 30 * time.Second
)

type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	MaxLogLength int
	// MaxRetryAfter is the longest rate-limit delay worth waiting for.
	MaxRetryAfter time.Duration
	// HTTPClient defaults to a client without its own timeout; callers bound
	// each request with a context deadline.
	HTTPClient *http.Client
}

// Provider talks to any OpenAI-compatible chat completions endpoint.
type Provider struct {
	baseURL       string
	apiKey        string
	model         string
	temperature   float64
	maxLogLen     int
	maxRetryAfter time.Duration
	httpClient    *http.Client
	logger        *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
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
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Provider{
		baseURL:       baseURL,
		apiKey:        apiKey,
		model:         model,
		temperature:   cfg.Temperature,
		maxLogLen:     cfg.MaxLogLength,
		maxRetryAfter: cfg.MaxRetryAfter,
		httpClient:    httpClient,
		logger:        logger.WithCommonFields(log, Name, model),
	}, nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Model() string { return p.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Param   string `json:"param"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (p *Provider) Analyze(ctx context.Context, req ai.Request) (*ai.Analysis, error) {
	prompt, err := ai.BuildPrompt(req)
	if err != nil {
		return nil, ai.Permanent(Name, err)
	}

	log := p.logger.With(logger.PairFields(req.Applicant.Ref(), req.Mentor.Ref())...)
	log.Debug("openai chat completion request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, p.maxLogLen)),
	)

	body := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: ai.SystemInstruction},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	}
	if p.temperature > 0 {
		t := p.temperature
		body.Temperature = &t
	}

	start := time.Now()
	raw, err := p.doOnce(ctx, http.MethodPost, "/chat/completions", body)
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, ai.InvalidResponse(Name, fmt.Errorf("decode chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, ai.InvalidResponse(Name, errors.New("chat completion has no choices"))
	}
	content := resp.Choices[0].Message.Content

	log.Debug("openai chat completion response",
		zap.Duration("latency", latency),
		zap.Int("response_length", utf8.RuneCountInString(content)),
		zap.String("response_preview", utils.TruncateForLog(content, p.maxLogLen)),
	)

	analysis, err := ai.ParseResponse(Name, content)
	if err != nil {
		return nil, err
	}
	analysis.Model = p.model
	analysis.Latency = latency
	return analysis, nil
}

// Probe lists models, which needs a valid key but no tokens.
func (p *Provider) Probe(ctx context.Context) error {
	_, err := p.doOnce(ctx, http.MethodGet, "/models", nil)
	return err
}

// doOnce performs a single request and maps every failure to *ai.Error.
func (p *Provider) doOnce(ctx context.Context, method, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, ai.Permanent(Name, fmt.Errorf("encode request: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, &buf)
	if err != nil {
		return nil, ai.Permanent(Name, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, ai.Transient(Name, fmt.Errorf("%s %s: %w", method, path, err))
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, ai.Transient(Name, fmt.Errorf("read response: %w", readErr))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.statusError(resp, raw)
	}
	return raw, nil
}

func (p *Provider) statusError(resp *http.Response, raw []byte) *ai.Error {
	pe := &ai.Error{
		Provider:   Name,
		Kind:       ai.KindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
	}

	msg := strings.TrimSpace(string(raw))
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		msg = env.Error.Message
		if code, _ := env.Error.Code.(string); code == "insufficient_quota" || env.Error.Type == "insufficient_quota" {
			pe.Kind = ai.KindPermanent
		}
	}
	pe.Err = fmt.Errorf("http %d: %s", resp.StatusCode, utils.TruncateForLog(msg, 500))

	if pe.Kind == ai.KindTransient {
		pe.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), time.Now())
		if pe.RetryAfter > p.maxRetryAfter {
			pe.Kind = ai.KindPermanent
		}
	}
	return pe
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
