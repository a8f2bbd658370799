package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raaihank/pii-tokenizer/internal/platform"
	"github.com/raaihank/pii-tokenizer/internal/privacy"
	"github.com/raaihank/pii-tokenizer/internal/report"
	"github.com/raaihank/pii-tokenizer/internal/run"
)

func newClassifyCmd(load loader) *cobra.Command {
	var emit bool

	cmd := &cobra.Command{
		Use:   "classify <dataset>",
		Short: "Score the columns of a dataset for PII",
		Long: `Run one classification pass. The dataset is a dataset URN, a dotted table name
on the default platform, or a path to a Parquet file. With --emit, tagged
columns are written back to the metadata service as field tags; --emit needs a
dataset URN.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset := args[0]
			// Tags can only be written to a dataset the metadata service knows
			if emit {
				if _, err := platform.ParseDatasetURN(dataset); err != nil {
					return err
				}
			}

			cfg, log, err := load(false)
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := newApp(cmd.Context(), cfg, log, false)
			if err != nil {
				return err
			}
			defer a.Close()

			profiles, err := a.classifier.Classify(cmd.Context(), dataset)
			if err != nil {
				return err
			}

			out := struct {
				Dataset   string                  `json:"dataset"`
				Profiles  []privacy.ColumnProfile `json:"profiles"`
				Emissions []privacy.Emission      `json:"emissions,omitempty"`
			}{Dataset: dataset, Profiles: profiles}

			if emit {
				if a.emitter == nil {
					return fmt.Errorf("tag emission is disabled (classifier.emit_tags)")
				}
				out.Emissions = a.emitter.Emit(cmd.Context(), dataset, profiles)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&emit, "emit", false, "write tags for tagged columns to the metadata service")
	return cmd
}

func newRunCmd(load loader) *cobra.Command {
	var req run.Request

	cmd := &cobra.Command{
		Use:   "run <dataset urn>",
		Short: "Tokenize a dataset now and wait for the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(false)
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := newApp(cmd.Context(), cfg, log, false)
			if err != nil {
				return err
			}
			defer a.Close()

			req.Dataset = args[0]
			req.Source = "cli"
			r, err := a.orch.Execute(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report.NewPayload(r)); err != nil {
				return err
			}
			if r.State == run.StateFailure {
				return fmt.Errorf("run %s failed: %s", r.ID, r.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&req.Columns, "columns", nil, "columns to tokenize (default: resolve from PII tags)")
	cmd.Flags().StringVar(&req.FieldPath, "field", "", "restrict tag resolution to one field path")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "maximum rows to update (default: tokenization.default_limit)")
	cmd.Flags().StringVar(&req.Tenant, "tenant", "", "tenant login to use (default: from the dataset name)")
	cmd.Flags().StringVar(&req.Namespace, "namespace", "", "token namespace")
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "count pending rows without writing")
	return cmd
}
