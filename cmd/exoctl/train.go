package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"exodetect/db"
	"exodetect/ml"
)

type trainOptions struct {
	csvPath   string
	out       string
	trees     int
	maxDepth  int
	minSplit  int
	seed      int64
	testRatio float64
	history   string
}

func newTrainCmd(c *cli) *cobra.Command {
	defaults := ml.DefaultForestParams()
	opts := trainOptions{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a random forest from a Kepler KOI cumulative CSV export",
		Long:  `Reads the KOI cumulative table, keeps CONFIRMED and FALSE POSITIVE rows
with all 18 feature columns present, trains a random forest, reports hold-out
metrics and writes the model artifact.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, c, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.csvPath, "csv", "", "KOI cumulative CSV file")
	flags.StringVar(&opts.out, "out", "exoplanet_model.json", "model artifact output path")
	flags.IntVar(&opts.trees, "trees", defaults.Trees, "number of trees")
	flags.IntVar(&opts.maxDepth, "max-depth", defaults.MaxDepth, "max tree depth")
	flags.IntVar(&opts.minSplit, "min-samples-split", defaults.MinSamplesSplit, "minimum samples to split a node")
	flags.Int64Var(&opts.seed, "seed", defaults.Seed, "random seed")
	flags.Float64Var(&opts.testRatio, "test-ratio", 0.2, "hold-out ratio")
	flags.StringVar(&opts.history, "history", "", "SQLite database to record the training run in")
	cmd.MarkFlagRequired("csv")
	return cmd
}

func runTrain(cmd *cobra.Command, c *cli, opts trainOptions) error {
	file, err := os.Open(opts.csvPath)
	if err != nil {
		return err
	}
	defer file.Close()

	dataset, err := ml.LoadKOIDataset(file, classes)
	if err != nil {
		return fmt.Errorf("load %s: %w", opts.csvPath, err)
	}
	c.logger.Info("dataset loaded",
		zap.String("path", opts.csvPath),
		zap.Int("rows", len(dataset.Features)),
		zap.Int("skipped", dataset.Skipped))

	trainX, trainY, testX, testY := ml.SplitDataset(dataset.Features, dataset.Labels, opts.testRatio, opts.seed)

	start := time.Now()
	forest, err := ml.TrainForest(trainX, trainY, classes, ml.ForestParams{
		Trees:           opts.trees,
		MaxDepth:        opts.maxDepth,
		MinSamplesSplit: opts.minSplit,
		Seed:            opts.seed,
	})
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	c.logger.Info("forest trained", zap.Int("trees", forest.NumTrees()), zap.Duration("elapsed", time.Since(start)))

	metrics, err := ml.Evaluate(forest, testX, testY, ml.LabelConfirmed)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	if dir := filepath.Dir(opts.out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create model dir: %w", err)
		}
	}
	if err := forest.Save(opts.out); err != nil {
		return fmt.Errorf("save model: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "rows: train=%d test=%d skipped=%d\n", len(trainX), len(testX), dataset.Skipped)
	fmt.Fprintf(out, "accuracy=%.4f precision=%.4f recall=%.4f\n", metrics.Accuracy, metrics.Precision, metrics.Recall)
	fmt.Fprintf(out, "model saved to %s\n", opts.out)

	if opts.history == "" {
		return nil
	}
	store, err := db.Open(opts.history)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()
	if err := store.SaveTrainingLog(cmd.Context(), filepath.Base(opts.out), metrics, len(trainX)); err != nil {
		return fmt.Errorf("record training run: %w", err)
	}
	return nil
}
