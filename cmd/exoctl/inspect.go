package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"exodetect/ml"
)

func newInspectCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <model>",
		Short: "Print classes, tree count and feature importances of a model artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			forest, err := ml.LoadModel(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "format:  %s\n", ml.ArtifactFormat)
			fmt.Fprintf(out, "classes: %s\n", strings.Join(forest.Classes(), ", "))
			fmt.Fprintf(out, "trees:   %d\n\n", forest.NumTrees())

			names := ml.FeatureNames()
			importances := forest.FeatureImportances()
			order := make([]int, len(names))
			for i := range order {
				order[i] = i
			}
			sort.SliceStable(order, func(a, b int) bool {
				return importances[order[a]] > importances[order[b]]
			})

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FEATURE\tIMPORTANCE")
			for _, i := range order {
				fmt.Fprintf(w, "%s\t%.4f\n", names[i], importances[i])
			}
			return w.Flush()
		},
	}
}
