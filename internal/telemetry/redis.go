package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spigell/mentor-matcher/internal/health"
	"github.com/spigell/mentor-matcher/internal/merge"
)

const (
	DefaultPrefix = "mentor-matcher"

	healthChannel = "health"
	statusChannel = "match-status"
)

type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// Transition is a change of a match record's status.
type Transition struct {
	Record string       `json:"record"`
	From   merge.Status `json:"from,omitempty"`
	To     merge.Status `json:"to"`
	At     time.Time    `json:"at"`
}

// RedisPublisher pushes health statuses and status transitions to Redis. Health
// is kept as one hash per provider and also broadcast, transitions are only
// broadcast.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewClient builds a client from configuration.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func NewRedisPublisher(client *redis.Client, prefix string, logger *zap.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, prefix: prefix, logger: logger}
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (p *RedisPublisher) HealthKey(provider string) string {
	return p.prefix + ":health:" + provider
}

func (p *RedisPublisher) HealthChannel() string { return p.prefix + ":" + healthChannel }

func (p *RedisPublisher) StatusChannel() string { return p.prefix + ":" + statusChannel }

// PublishHealth implements health.Sink.
func (p *RedisPublisher) PublishHealth(ctx context.Context, s health.Status) error {
	fields := map[string]any{
		"healthy":      strconv.FormatBool(s.Healthy),
		"last_checked": s.LastChecked.UTC().Format(time.RFC3339Nano),
		"latency_ms":   s.LastLatency.Milliseconds(),
		"last_error":   s.LastError,
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode health status: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, p.HealthKey(s.Provider), fields)
	pipe.Publish(ctx, p.HealthChannel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish health for %s: %w", s.Provider, err)
	}

	p.logger.Debug("health published",
		zap.String("provider", s.Provider),
		zap.Bool("healthy", s.Healthy),
	)
	return nil
}

// PublishTransition broadcasts a status change. Unchanged statuses are skipped.
func (p *RedisPublisher) PublishTransition(ctx context.Context, t Transition) error {
	if t.From == t.To {
		return nil
	}
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}

	if err := p.client.Publish(ctx, p.StatusChannel(), payload).Err(); err != nil {
		return fmt.Errorf("publish transition for %s: %w", t.Record, err)
	}

	p.logger.Debug("status transition published",
		zap.String("record", t.Record),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
	)
	return nil
}

// ProviderHealth reads back the stored hash for one provider.
func (p *RedisPublisher) ProviderHealth(ctx context.Context, provider string) (map[string]string, error) {
	res, err := p.client.HGetAll(ctx, p.HealthKey(provider)).Result()
	if err != nil {
		return nil, fmt.Errorf("read health for %s: %w", provider, err)
	}
	return res, nil
}

func (p *RedisPublisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
