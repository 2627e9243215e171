package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/fleetlive/infra/logger"
	"github.com/kilianp07/fleetlive/infra/mqtt"
	"github.com/kilianp07/fleetlive/simulator"
)

var (
	simVehicles int
	simInterval time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Publish synthetic telemetry to the configured broker",
	Args:  cobra.NoArgs,
	RunE:  runSimulate,
}

func init() {
	simulateCmd.Flags().IntVarP(&simVehicles, "vehicles", "n", 0, "number of vehicles (overrides config)")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 0, "publish interval, e.g. 2s (overrides config)")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	simCfg := cfg.Simulator
	if simVehicles > 0 {
		simCfg.Vehicles = simVehicles
	}
	if simInterval > 0 {
		simCfg.Interval = simInterval
	}
	pub, err := mqtt.NewPublisher(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("mqtt publisher: %w", err)
	}
	defer pub.Close()
	return simulator.Run(ctx, simCfg, pub, logger.New("simulator"))
}
