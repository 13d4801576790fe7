package cli

import (
	"github.com/spf13/cobra"

	"github.com/kyleseneker/gradlink/internal/scaffold"
)

func newInitCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "init <unit>",
		Short: "Scaffold a new gradlink project",
		Long:  "Write a starter gradlink.toml, src/<unit>.c and a Makefile.",
		Args:  exactArgs(1, "unit name"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return scaffold.Run(scaffold.Config{Dir: dir, Unit: args[0], Stdout: cmd.OutOrStdout()})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "Directory to scaffold into.")
	return cmd
}
