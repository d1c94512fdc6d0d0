package cmd

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spigell/mentor-matcher/internal/health"
	"github.com/spigell/mentor-matcher/internal/merge"
	"github.com/spigell/mentor-matcher/internal/orchestrator"
	"github.com/spigell/mentor-matcher/internal/profile"
	"github.com/spigell/mentor-matcher/internal/scoring"
	"github.com/spigell/mentor-matcher/internal/server"
	"github.com/spigell/mentor-matcher/internal/telemetry"
)

const (
	app       = "mentor-matcher"
	envPrefix = "MENTOR_MATCHER"

	defaultStorePath = "data/mentor-matcher.db"
)

type Config struct {
	Questionnaire []profile.DimensionSpec `mapstructure:"questionnaire"`
	Scoring       ScoringConfig           `mapstructure:"scoring"`
	Providers     []ProviderConfig        `mapstructure:"providers"`
	Orchestrator  orchestrator.Config     `mapstructure:"orchestrator"`
	Merge         merge.Config            `mapstructure:"merge"`
	Health        HealthConfig            `mapstructure:"health"`
	Store         StoreConfig             `mapstructure:"store"`
	Redis         telemetry.Config        `mapstructure:"redis"`
	Server        server.Config           `mapstructure:"server"`
	Batch         BatchConfig             `mapstructure:"batch"`
}

type ScoringConfig struct {
	Weights []scoring.DimensionWeight `mapstructure:"weights"`
}

// ProviderConfig describes one AI provider. Providers are tried in the order
// they are listed.
type ProviderConfig struct {
	Name          string        `mapstructure:"name"`
	Disabled      bool          `mapstructure:"disabled"`
	Model         string        `mapstructure:"model"`
	BaseURL       string        `mapstructure:"base-url"`
	APIKey        string        `mapstructure:"api-key"`
	APIKeyFile    string        `mapstructure:"api-key-file"`
	APIKeyEnv     string        `mapstructure:"api-key-env"`
	Temperature   float64       `mapstructure:"temperature"`
	MaxLogLength  int           `mapstructure:"max-log-length"`
	MaxRetryAfter time.Duration `mapstructure:"max-retry-after"`
}

type HealthConfig struct {
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "mentor-matcher scores applicant/mentor compatibility and enhances it with AI providers",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initEnv)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is mentor-matcher.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		log.Fatalf("binding debug flag: %v", err)
	}
	if err := viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json")); err != nil {
		log.Fatalf("binding json flag: %v", err)
	}
}

// initEnv loads an optional .env file so that secrets and overrides can live
// next to the config.
func initEnv() {
	_ = godotenv.Load()

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()
}

// loadConfig reads the config file, applies MENTOR_MATCHER_* overrides and
// fills defaults.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.path", defaultStorePath)
	v.SetDefault("server.addr", server.DefaultAddr)
	v.SetDefault("health.schedule", health.DefaultSchedule)
	v.SetDefault("redis.prefix", telemetry.DefaultPrefix)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName(app)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	config := &Config{
		Orchestrator: orchestrator.DefaultConfig(),
		Merge:        merge.DefaultConfig(),
	}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if len(config.Questionnaire) == 0 {
		return nil, fmt.Errorf("questionnaire dimensions are required")
	}
	if len(config.Scoring.Weights) == 0 {
		return nil, fmt.Errorf("scoring.weights is required")
	}

	return config, nil
}
