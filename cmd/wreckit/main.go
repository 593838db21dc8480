// Command wreckit drives backlog items from raw idea to merged pull
// request by running an AI coding agent through research, plan,
// implement, pr and complete phases, with durable per-item state under
// the repository's .wreckit directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	flagDir     string
	flagVerbose bool
	flagJSON    bool

	logger *zap.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	err := root.ExecuteContext(ctx)
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		// Operator interrupt is a clean stop: state is consistent and
		// nothing was lost.
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "wreckit:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wreckit",
		Short:         "Backlog-to-pull-request automation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = newLogger(flagVerbose)
			return err
		},
	}
	root.PersistentFlags().StringVarP(&flagDir, "dir", "C", ".", "repository working copy to operate on")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable output")

	root.AddCommand(
		newInitCmd(),
		newIdeasCmd(),
		newListCmd(),
		newShowCmd(),
		newStatusCmd(),
		newRunCmd(),
		newPhaseCmd(),
		newNextCmd(),
		newAllCmd(),
		newRollbackCmd(),
		newDoctorCmd(),
	)
	return root
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return cfg.Build()
}
