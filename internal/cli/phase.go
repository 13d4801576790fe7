package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"

	"github.com/kyleseneker/gradlink/internal/manifest"
	"github.com/kyleseneker/gradlink/internal/marker"
)

func newPhaseCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "phase [flags]",
		Short: "Print and advance the two-phase build marker",
		Long: `Print "first" or "second" for build scripts that run twice: once to
compile the unit to bitcode, once to link the derivative archive. The
` + marker.Name + ` marker in the output directory is created by the
first phase and consumed by the second.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = env.Str(manifest.EnvOutDir)
			}
			if dir == "" {
				return usageErrorf("no output directory; pass --out-dir or set %s", manifest.EnvOutDir)
			}
			p, err := marker.Advance(dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "out-dir", "", "Directory holding the marker (default $"+manifest.EnvOutDir+").")
	return cmd
}
