// exoctl trains, inspects and queries exoplanet model artifacts offline.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"exodetect/logging"
	"exodetect/ml"
)

var classes = []string{ml.LabelConfirmed, ml.LabelFalsePositive}

// cli holds state shared by every subcommand.
type cli struct {
	logLevel string
	logger   *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:          "exoctl",
		Short:        "Offline tooling for the exoplanet classifier",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Config{Level: c.logLevel})
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newTrainCmd(c),
		newInspectCmd(c),
		newPredictCmd(c),
	)
	return root
}
