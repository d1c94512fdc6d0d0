package health

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/mentor-matcher/internal/ai"
)

const (
	DefaultSchedule = "@every 1m"
	defaultTimeout  = 10 * time.Second
)

// Sink receives every status the prober publishes.
type Sink interface {
	PublishHealth(ctx context.Context, s Status) error
}

type Prober struct {
	cache     *Cache
	providers []ai.Provider
	sinks     []Sink
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger

	cron *cron.Cron
}

type Option func(*Prober)

func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithSinks(sinks ...Sink) Option {
	return func(p *Prober) { p.sinks = append(p.sinks, sinks...) }
}

func WithClock(now func() time.Time) Option {
	return func(p *Prober) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProber builds the only writer of cache.
func NewProber(cache *Cache, providers []ai.Provider, opts ...Option) *Prober {
	p := &Prober{
		cache:     cache,
		providers: providers,
		timeout:   defaultTimeout,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProbeOnce probes all providers concurrently, publishes the results and
// returns them in provider order.
func (p *Prober) ProbeOnce(ctx context.Context) []Status {
	results := make([]Status, len(p.providers))

	var g errgroup.Group
	for i, provider := range p.providers {
		g.Go(func() error {
			results[i] = p.probe(ctx, provider)
			return nil
		})
	}
	_ = g.Wait()

	// an aborted round would publish misleading failures
	if ctx.Err() != nil {
		return results
	}

	for _, s := range results {
		p.cache.Publish(s)
		for _, sink := range p.sinks {
			if err := sink.PublishHealth(ctx, s); err != nil {
				p.logger.Warn("failed to forward provider health", zap.String("provider", s.Provider), zap.Error(err))
			}
		}
	}
	return results
}

func (p *Prober) probe(ctx context.Context, provider ai.Provider) Status {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := provider.Probe(callCtx)
	latency := time.Since(start)

	s := Status{
		Provider:    provider.Name(),
		Healthy:     err == nil,
		LastChecked: p.now().UTC(),
		LastLatency: latency,
	}
	if err != nil {
		s.LastError = err.Error()
		p.logger.Warn("provider probe failed",
			zap.String("provider", s.Provider),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	} else {
		p.logger.Debug("provider probe succeeded", zap.String("provider", s.Provider), zap.Duration("latency", latency))
	}
	return s
}

// Start runs ProbeOnce on the given cron schedule until Stop is called.
func (p *Prober) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if p.cron != nil {
		return fmt.Errorf("prober already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { p.ProbeOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule health probe %q: %w", schedule, err)
	}
	p.cron = c
	c.Start()

	p.logger.Info("health prober started", zap.String("schedule", schedule), zap.Int("providers", len(p.providers)))
	return nil
}

// Stop halts scheduling and waits for a running probe round to finish.
func (p *Prober) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
	p.cron = nil
}
