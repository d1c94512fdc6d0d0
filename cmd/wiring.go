package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/spigell/mentor-matcher/internal/ai"
	"github.com/spigell/mentor-matcher/internal/ai/gemini"
	"github.com/spigell/mentor-matcher/internal/ai/openai"
	"github.com/spigell/mentor-matcher/internal/health"
	"github.com/spigell/mentor-matcher/internal/merge"
	"github.com/spigell/mentor-matcher/internal/metrics"
	"github.com/spigell/mentor-matcher/internal/orchestrator"
	"github.com/spigell/mentor-matcher/internal/pipeline"
	"github.com/spigell/mentor-matcher/internal/profile"
	"github.com/spigell/mentor-matcher/internal/record"
	"github.com/spigell/mentor-matcher/internal/scoring"
	"github.com/spigell/mentor-matcher/internal/secrets"
	"github.com/spigell/mentor-matcher/internal/store"
	"github.com/spigell/mentor-matcher/internal/telemetry"
)

// application holds everything a command may need. Optional parts stay nil
// when they are not configured or not requested.
type application struct {
	config    *Config
	logger    *zap.Logger
	providers []ai.Provider
	cache     *health.Cache
	prober    *health.Prober
	store     *store.Store
	publisher *telemetry.RedisPublisher
	pipeline  *pipeline.Pipeline
}

type wiring struct {
	store bool
	redis bool
	// disable lists optional pipeline stages switched off for this run.
	disable []string
}

func newApplication(ctx context.Context, config *Config, logger *zap.Logger, w wiring) (*application, error) {
	a := &application{config: config, logger: logger, cache: health.NewCache()}

	schema, err := profile.NewSchema(config.Questionnaire)
	if err != nil {
		return nil, fmt.Errorf("questionnaire: %w", err)
	}

	table, err := scoring.NewWeightTable(config.Scoring.Weights)
	if err != nil {
		return nil, err
	}
	if err := table.Validate(schema); err != nil {
		return nil, err
	}

	a.providers, err = newProviders(ctx, config.Providers, logger)
	if err != nil {
		return nil, err
	}

	sinks := []health.Sink{metrics.HealthSink{}}

	if w.redis && config.Redis.Enabled {
		a.publisher = telemetry.NewRedisPublisher(telemetry.NewClient(config.Redis), config.Redis.Prefix, logger)
		if err := a.publisher.Ping(ctx); err != nil {
			logger.Warn("redis is unreachable, telemetry will be retried on every publish", zap.Error(err))
		}
		sinks = append(sinks, a.publisher)
	}

	a.prober = health.NewProber(a.cache, a.providers,
		health.WithTimeout(config.Health.Timeout),
		health.WithSinks(sinks...),
		health.WithLogger(logger),
	)

	deps := pipeline.Deps{
		Normalizer: profile.NewNormalizer(schema, logger),
		Scorer:     scoring.NewScorer(table),
		Enhancer:   orchestrator.New(a.providers, a.cache, config.Orchestrator, orchestrator.WithLogger(logger)),
		Merger:     merge.New(config.Merge, logger),
		Builder:    record.NewBuilder(),
		Logger:     logger,
	}

	if w.store {
		a.store, err = store.Open(config.Store.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Store = a.store
	}
	if a.publisher != nil {
		deps.Notifier = a.publisher
	}

	a.pipeline, err = pipeline.New(deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	for _, name := range w.disable {
		if err := a.pipeline.DisableByName(name, "disabled by flag"); err != nil {
			a.Close()
			return nil, err
		}
	}

	for _, s := range a.pipeline.Describe() {
		logger.Debug("pipeline stage",
			zap.String("name", s.Name),
			zap.Bool("enabled", s.Enabled),
			zap.String("reason", s.Reason),
			zap.Any("details", s.Details),
		)
	}

	return a, nil
}

func (a *application) Close() {
	if a.prober != nil {
		a.prober.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing store", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("closing redis client", zap.Error(err))
		}
	}
}

// newProviders builds the configured providers in priority order. A provider
// without credentials is skipped with a warning so scoring still works.
func newProviders(ctx context.Context, configs []ProviderConfig, logger *zap.Logger) ([]ai.Provider, error) {
	providers := make([]ai.Provider, 0, len(configs))

	for _, cfg := range configs {
		name := strings.TrimSpace(strings.ToLower(cfg.Name))
		if cfg.Disabled {
			logger.Info("provider disabled", zap.String("provider", name))
			continue
		}

		env := cfg.APIKeyEnv
		if env == "" {
			env = strings.ToUpper(name) + "_API_KEY"
		}

		apiKey, err := secrets.Load(secrets.Source{
			Name:  name + " api key",
			Value: cfg.APIKey,
			File:  cfg.APIKeyFile,
			Env:   env,
		})
		if errors.Is(err, secrets.ErrNotConfigured) {
			logger.Warn("skipping provider without api key",
				zap.String("provider", name),
				zap.String("hint", fmt.Sprintf("set api-key-file for the provider or the %s environment variable", env)),
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		var provider ai.Provider
		switch name {
		case gemini.Name:
			provider, err = gemini.New(ctx, gemini.Config{
				APIKey:        apiKey,
				Model:         cfg.Model,
				Temperature:   float32(cfg.Temperature),
				MaxLogLength:  cfg.MaxLogLength,
				MaxRetryAfter: cfg.MaxRetryAfter,
			}, logger)
		case openai.Name:
			provider, err = openai.New(openai.Config{
				BaseURL:       cfg.BaseURL,
				APIKey:        apiKey,
				Model:         cfg.Model,
				Temperature:   cfg.Temperature,
				MaxLogLength:  cfg.MaxLogLength,
				MaxRetryAfter: cfg.MaxRetryAfter,
			}, logger)
		default:
			return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("%s provider: %w", name, err)
		}

		providers = append(providers, provider)
	}

	return providers, nil
}

// loadSubmission reads a YAML or JSON questionnaire submission.
func loadSubmission(path string) (profile.Submission, error) {
	var sub profile.Submission

	data, err := os.ReadFile(path)
	if err != nil {
		return sub, fmt.Errorf("reading submission: %w", err)
	}
	if err := yaml.Unmarshal(data, &sub); err != nil {
		return sub, fmt.Errorf("parsing submission %s: %w", path, err)
	}
	return sub, nil
}

// loadPairs reads a YAML or JSON list of applicant/mentor pairs.
func loadPairs(path string) ([]pipeline.Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}

	var pairs []pipeline.Pair
	if err := yaml.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("parsing batch file %s: %w", path, err)
	}
	return pairs, nil
}
