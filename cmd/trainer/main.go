// Package main is the bundled training worker. It receives all parameters as
// a single JSON argument, reports progress as JSON lines on stdout and
// writes the result and model artifacts to the paths it was given.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/qtrainer/internal/modules/training"
	"github.com/aristath/qtrainer/internal/modules/training/protocol"
	"github.com/aristath/qtrainer/internal/qlearning"
	"github.com/aristath/qtrainer/pkg/logger"
)

var (
	flagSeed     int64  // value of --seed
	flagLogLevel string // value of --log-level
)

func main() {
	rootCmd.Flags().Int64Var(&flagSeed, "seed", 0, "random seed for exploration, 0 picks one from the clock")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "warn", "log level for stderr diagnostics")

	// the orchestrator reads stderr; never print usage or cobra errors there
	rootCmd.SilenceErrors = true

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		_ = protocol.NewEncoder(os.Stderr).Error(err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "trainer '<json parameters>'",
	Short:        "Q-learning trading agent trainer",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         doTrain,
}

func doTrain(cmd *cobra.Command, args []string) error {
	var workerArgs training.WorkerArgs
	if err := json.Unmarshal([]byte(args[0]), &workerArgs); err != nil {
		return fmt.Errorf("invalid parameters argument: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  flagLogLevel,
		Output: os.Stderr,
	})

	seed := flagSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	_, err := qlearning.NewTrainer(workerArgs, seed, cmd.OutOrStdout(), log).Run(cmd.Context())
	return err
}
