package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/mentor-matcher/internal/ai"
	"github.com/spigell/mentor-matcher/internal/health"
	"github.com/spigell/mentor-matcher/internal/logger"
	"github.com/spigell/mentor-matcher/internal/metrics"
	"github.com/spigell/mentor-matcher/internal/utils"
)

// ErrAllProvidersFailed is wrapped by Outcome.Err when no provider produced
// an analysis.
var ErrAllProvidersFailed = errors.New("all providers failed")

const OutcomeSuccess = "success"

// Attempt is one provider call in the audit trail.
type Attempt struct {
	Provider   string        `json:"provider"`
	Number     int           `json:"number"`
	Outcome    string        `json:"outcome"`
	StatusCode int           `json:"statusCode,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	Latency    time.Duration `json:"latency"`
}

// Outcome is the result of one enhancement request. It never carries a panic
// or a bare provider error: Err is nil, cancelled, or wraps
// ErrAllProvidersFailed.
type Outcome struct {
	Analysis     *ai.Analysis
	Provider     string
	Attempts     []Attempt
	TotalLatency time.Duration
	Cancelled    bool
	Err          error
}

// AttemptsFor counts the calls made to one provider.
func (o Outcome) AttemptsFor(provider string) int {
	n := 0
	for _, a := range o.Attempts {
		if a.Provider == provider {
			n++
		}
	}
	return n
}

// Orchestrator runs providers in priority order under the retry machine.
type Orchestrator struct {
	providers []ai.Provider
	cfg       Config
	cache     *health.Cache
	wait      func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Orchestrator)

// WithWait replaces the backoff wait, mainly for tests.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if wait != nil {
			o.wait = wait
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New builds an orchestrator. cache may be nil; it is only read.
func New(providers []ai.Provider, cache *health.Cache, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		providers: providers,
		cfg:       cfg.normalized(),
		cache:     cache,
		wait:      utils.WaitFor,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enabled reports whether any provider is configured.
func (o *Orchestrator) Enabled() bool { return o != nil && len(o.providers) > 0 }

func (o *Orchestrator) Providers() []string {
	names := make([]string, len(o.providers))
	for i, p := range o.providers {
		names[i] = p.Name()
	}
	return names
}

// Analyze asks providers for an analysis until one succeeds, all are
// exhausted or ctx is done.
func (o *Orchestrator) Analyze(ctx context.Context, req ai.Request) (out Outcome) {
	begin := time.Now()
	defer func() { out.TotalLatency = time.Since(begin) }()

	log := o.logger
	if req.Applicant != nil && req.Mentor != nil {
		log = logger.WithFields(log, logger.PairFields(req.Applicant.Ref(), req.Mentor.Ref())...)
	}

	step := Next(Step{State: StateIdle, Providers: len(o.providers)}, nil, o.cfg)

	for {
		switch step.State {
		case StateAttempting:
			provider := o.providers[step.Provider]
			if ctx.Err() != nil {
				step = Next(step, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()), o.cfg)
				continue
			}
			if step.Attempt == 1 {
				o.warnIfUnhealthy(log, provider.Name())
			}

			attempt, analysis, err := o.call(ctx, provider, step.Attempt, req)
			out.Attempts = append(out.Attempts, attempt)

			if err == nil {
				out.Analysis = analysis
				out.Provider = provider.Name()
				log.Info("enhancement succeeded",
					zap.String("provider", provider.Name()),
					zap.Int("attempt", step.Attempt),
					zap.Duration("latency", attempt.Latency),
				)
			}
			step = Next(step, err, o.cfg)

		case StateRetrying:
			provider := o.providers[step.Provider].Name()
			log.Warn("retrying provider",
				zap.String("provider", provider),
				zap.Int("next_attempt", step.Attempt),
				zap.Duration("wait", step.Wait),
			)
			if err := o.wait(ctx, step.Wait); err != nil {
				step.State = StateCancelled
				continue
			}
			step = Next(step, nil, o.cfg)

		case StateFailover:
			log.Warn("failing over to next provider", zap.String("provider", o.providers[step.Provider].Name()))
			step = Next(step, nil, o.cfg)

		case StateSuccess:
			return out

		case StateCancelled:
			out.Cancelled = true
			out.Err = fmt.Errorf("enhancement cancelled: %w", ErrCancelled)
			log.Warn("enhancement cancelled", zap.Int("attempts", len(out.Attempts)))
			return out

		case StateExhausted:
			out.Err = o.exhausted(out.Attempts)
			log.Warn("all providers failed", zap.Error(out.Err))
			return out

		default:
			out.Err = fmt.Errorf("%w: unexpected state %q", ErrAllProvidersFailed, step.State)
			return out
		}
	}
}

func (o *Orchestrator) call(ctx context.Context, provider ai.Provider, number int, req ai.Request) (Attempt, *ai.Analysis, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	attempt := Attempt{Provider: provider.Name(), Number: number, StartedAt: o.now().UTC()}
	start := time.Now()
	analysis, err := provider.Analyze(callCtx, req)
	attempt.Latency = time.Since(start)

	metrics.ProviderCallDuration.WithLabelValues(attempt.Provider).Observe(attempt.Latency.Seconds())

	if err == nil && analysis == nil {
		err = ai.InvalidResponse(provider.Name(), errors.New("provider returned no analysis"))
	}

	switch {
	case err == nil:
		attempt.Outcome = OutcomeSuccess
	case ctx.Err() != nil:
		err = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		attempt.Outcome = string(StateCancelled)
		attempt.Error = ctx.Err().Error()
	default:
		var pe *ai.Error
		if errors.As(err, &pe) {
			attempt.StatusCode = pe.StatusCode
		}
		attempt.Outcome = string(ai.KindOf(err))
		attempt.Error = err.Error()
	}

	metrics.ProviderAttempts.WithLabelValues(attempt.Provider, attempt.Outcome).Inc()
	return attempt, analysis, err
}

func (o *Orchestrator) warnIfUnhealthy(log *zap.Logger, provider string) {
	if o.cache == nil {
		return
	}
	if s, ok := o.cache.Get(provider); ok && !s.Healthy {
		log.Warn("calling provider marked unhealthy",
			zap.String("provider", provider),
			zap.Time("last_checked", s.LastChecked),
			zap.String("last_error", s.LastError),
		)
	}
}

func (o *Orchestrator) exhausted(attempts []Attempt) error {
	if len(o.providers) == 0 {
		return fmt.Errorf("%w: no providers configured", ErrAllProvidersFailed)
	}

	summaries := make([]string, 0, len(o.providers))
	for _, p := range o.providers {
		var last *Attempt
		count := 0
		for i := range attempts {
			if attempts[i].Provider == p.Name() {
				count++
				last = &attempts[i]
			}
		}
		if last == nil {
			summaries = append(summaries, fmt.Sprintf("%s: not attempted", p.Name()))
			continue
		}
		summaries = append(summaries, fmt.Sprintf("%s: %d attempt(s), last %s: %s", p.Name(), count, last.Outcome, last.Error))
	}
	return fmt.Errorf("%w: %s", ErrAllProvidersFailed, strings.Join(summaries, "; "))
}
