package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/mentor-matcher/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the background provider health prober",
	Run: func(cmd *cobra.Command, _ []string) {
		serve(cmd)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default from config, :8080)")
	serveCmd.Flags().StringSlice("disable-stage", nil, "optional pipeline stages to skip (enhance, persist, notify)")
}

func serve(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, config := setup()

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		config.Server.Addr = addr
	}
	disable, _ := cmd.Flags().GetStringSlice("disable-stage")

	if err := runServe(ctx, config, log, disable); err != nil {
		stop()
		log.Fatal("server stopped", zap.Error(err))
	}
}

func runServe(ctx context.Context, config *Config, log *zap.Logger, disable []string) error {
	a, err := newApplication(ctx, config, log, wiring{store: true, redis: true, disable: disable})
	if err != nil {
		return fmt.Errorf("preparing the pipeline: %w", err)
	}
	defer a.Close()

	if len(a.providers) > 0 {
		// first round runs before serving so the health endpoint is populated
		a.prober.ProbeOnce(ctx)
		if err := a.prober.Start(ctx, config.Health.Schedule); err != nil {
			return fmt.Errorf("starting the health prober: %w", err)
		}
	}

	if !viper.GetBool("debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := server.NewHandler(a.pipeline, a.store, a.cache, log)
	router := server.NewRouter(handler)

	log.Info("starting the mentor-matcher server",
		zap.String("version", version),
		zap.Strings("providers", providerNames(a)),
	)

	return server.Serve(ctx, config.Server, router, log)
}

func providerNames(a *application) []string {
	names := make([]string, len(a.providers))
	for i, p := range a.providers {
		names[i] = p.Name()
	}
	return names
}
