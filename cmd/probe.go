package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check every configured AI provider once and print its health",
	Run: func(_ *cobra.Command, _ []string) {
		probe()
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func probe() {
	ctx := context.Background()

	log, config := setup()

	a, err := newApplication(ctx, config, log, wiring{redis: true})
	if err != nil {
		log.Fatal("preparing providers", zap.Error(err))
	}
	defer a.Close()

	if len(a.providers) == 0 {
		log.Info("exiting", zap.String("reason", "no providers configured"))
		return
	}

	statuses := a.prober.ProbeOnce(ctx)
	printJSON(statuses)

	for _, s := range statuses {
		if !s.Healthy {
			log.Warn("provider is unhealthy", zap.String("provider", s.Provider), zap.String("error", s.LastError))
		}
	}
}
