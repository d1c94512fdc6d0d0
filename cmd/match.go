package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/mentor-matcher/internal/logger"
	"github.com/spigell/mentor-matcher/internal/pipeline"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Compute the compatibility record for an applicant and a mentor",
	Run: func(cmd *cobra.Command, _ []string) {
		match(cmd)
	},
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().StringP("applicant", "a", "", "applicant submission file (yaml or json)")
	matchCmd.Flags().StringP("mentor", "m", "", "mentor submission file (yaml or json)")
	matchCmd.Flags().StringP("batch", "b", "", "file with a list of applicant/mentor pairs to match concurrently")
	matchCmd.Flags().IntP("concurrency", "c", 0, "number of pairs matched at once in batch mode (default from config)")
	matchCmd.Flags().BoolP("save", "s", false, "persist records to the store and publish status transitions")
	matchCmd.Flags().StringSlice("disable-stage", nil, "optional pipeline stages to skip (enhance, persist, notify)")
}

type matchOptions struct {
	applicant   string
	mentor      string
	batch       string
	concurrency int
	save        bool
	disable     []string
}

func match(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, config := setup()

	var opts matchOptions
	opts.applicant, _ = cmd.Flags().GetString("applicant")
	opts.mentor, _ = cmd.Flags().GetString("mentor")
	opts.batch, _ = cmd.Flags().GetString("batch")
	opts.concurrency, _ = cmd.Flags().GetInt("concurrency")
	opts.save, _ = cmd.Flags().GetBool("save")
	opts.disable, _ = cmd.Flags().GetStringSlice("disable-stage")

	// runMatch releases the store and redis client before we exit
	if err := runMatch(ctx, opts, log, config); err != nil {
		stop()
		log.Fatal("matching failed", zap.Error(err))
	}
}

func runMatch(ctx context.Context, opts matchOptions, log *zap.Logger, config *Config) error {
	a, err := newApplication(ctx, config, log, wiring{store: opts.save, redis: opts.save, disable: opts.disable})
	if err != nil {
		return fmt.Errorf("preparing the pipeline: %w", err)
	}
	defer a.Close()

	if opts.batch != "" {
		return matchBatch(ctx, a, opts.batch, opts.concurrency)
	}

	if opts.applicant == "" || opts.mentor == "" {
		return errors.New("both --applicant and --mentor are required (or --batch)")
	}

	applicant, err := loadSubmission(opts.applicant)
	if err != nil {
		return fmt.Errorf("loading applicant: %w", err)
	}
	mentor, err := loadSubmission(opts.mentor)
	if err != nil {
		return fmt.Errorf("loading mentor: %w", err)
	}

	rec, err := a.pipeline.MatchSubmissions(ctx, applicant, mentor)
	if err != nil {
		return err
	}

	printJSON(rec)
	return nil
}

func matchBatch(ctx context.Context, a *application, path string, concurrency int) error {
	pairs, err := loadPairs(path)
	if err != nil {
		return fmt.Errorf("loading batch: %w", err)
	}

	if concurrency <= 0 {
		concurrency = a.config.Batch.Concurrency
	}

	a.logger.Info("matching batch", zap.Int("pairs", len(pairs)), zap.Int("concurrency", concurrency))

	results := a.pipeline.MatchBatch(ctx, pairs, concurrency)

	type output struct {
		pipeline.BatchResult
		Error string `json:"error,omitempty"`
	}

	out := make([]output, len(results))
	failed := 0
	for i, res := range results {
		out[i] = output{BatchResult: res}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
			failed++
		}
	}

	printJSON(out)

	if failed > 0 {
		a.logger.Warn("some pairs failed", zap.Int("failed", failed), zap.Int("total", len(results)))
	}
	return nil
}

// setup builds the logger and reads the config. Failures stop the process.
func setup() (*zap.Logger, *Config) {
	zl, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := loadConfig(cfgFile)
	if err != nil {
		zl.Fatal("getting a config", zap.Error(err))
	}

	zl.Debug("starting", zap.String("app", app), zap.String("version", version))
	return zl, config
}

func printJSON(v any) {
	// do not bother error since records are plain data
	pretty, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(pretty))
}
