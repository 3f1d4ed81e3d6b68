package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"exodetect/inference"
	"exodetect/ml"
)

func newPredictCmd(c *cli) *cobra.Command {
	var (
		sets   []string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "predict <model>",
		Short:   "Classify one candidate, starting from the default feature values",
		Example: `  exoctl predict exoplanet_model.json --set koi_period=3.5 --set koi_fpflag_co=1`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := parseSets(sets)
			if err != nil {
				return err
			}
			forest, err := ml.LoadModel(args[0])
			if err != nil {
				return err
			}
			invoker, err := inference.NewInvoker(forest, inference.Config{}, c.logger)
			if err != nil {
				return err
			}
			prediction, err := invoker.Analyze(cmd.Context(), record)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(prediction)
			}
			fmt.Fprintf(out, "Prediction: %s\n", prediction.Label)
			fmt.Fprintf(out, "Confidence: %.2f%%\n", prediction.Confidence*100)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "override a feature, as name=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full prediction as JSON")
	return cmd
}

func parseSets(sets []string) (ml.FeatureRecord, error) {
	record := ml.DefaultRecord()
	for _, s := range sets {
		name, raw, ok := strings.Cut(s, "=")
		if !ok {
			return record, fmt.Errorf("--set %q: want name=value", s)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return record, fmt.Errorf("--set %q: %w", s, err)
		}
		if err := record.Set(strings.TrimSpace(name), value); err != nil {
			return record, err
		}
	}
	return record, nil
}
