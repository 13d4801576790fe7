package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kyleseneker/gradlink/internal/pipeline"
)

func newLinkCmd() *cobra.Command {
	var o pipelineOptions
	cmd := &cobra.Command{
		Use:   "link [flags]",
		Short: "Differentiate the unit's existing bitcode and write lib<unit>.a",
		Long: `Merge the unit's bitcode found under the search root (or given with
--input), differentiate every declared function and package the
derivatives as a static archive.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := o.resolve(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := requireUnit(cfg); err != nil {
				return err
			}
			return runPipelineAndReport(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	o.register(cmd.Flags())
	return cmd
}

// runPipelineAndReport runs the pipeline and prints the result.
func runPipelineAndReport(ctx context.Context, cfg pipeline.Config, stdout io.Writer) error {
	cfg.Log.Debug("starting pipeline", "run", describe(cfg))
	artifacts, err := pipeline.Run(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.Log.Verbose() || cfg.KeepTemp || cfg.TempDir != "" {
		fmt.Fprintf(stdout, "intermediates: %s\n", artifacts.TempDir)
	}
	if !cfg.Log.Verbose() {
		for _, r := range artifacts.Reports {
			cfg.Log.Info(r.String())
		}
	}
	fmt.Fprintf(stdout, "wrote %s\n", artifacts.Archive)
	return nil
}
