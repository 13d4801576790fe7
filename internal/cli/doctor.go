package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/kyleseneker/gradlink/internal/doctor"
	"github.com/kyleseneker/gradlink/internal/manifest"
)

func newDoctorCmd() *cobra.Command {
	var manifestPath string
	cfg := doctor.Config{}
	cmd := &cobra.Command{
		Use:   "doctor [flags]",
		Short: "Check toolchain installation and version compatibility",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}
			m.ApplyEnv()
			if cfg.Plugin == "" {
				cfg.Plugin = m.Engine.Plugin
			}
			tools := m.Tools.Overrides()
			setString(&tools.LLVMLink, cfg.Tools.LLVMLink)
			setString(&tools.Opt, cfg.Tools.Opt)
			setString(&tools.LLC, cfg.Tools.LLC)
			setString(&tools.LLVMAr, cfg.Tools.LLVMAr)
			setString(&tools.Objcopy, cfg.Tools.Objcopy)
			setString(&tools.Clang, cfg.Tools.Clang)
			cfg.Tools = tools
			cfg.Stdout = cmd.OutOrStdout()
			cfg.Stderr = cmd.ErrOrStderr()
			return doctor.Run(cmd.Context(), cfg)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&manifestPath, "manifest", "", "Path to "+manifest.DefaultPath+" supplying the plugin and tool paths.")
	fs.StringVar(&cfg.Plugin, "plugin", "", "Path to the LLVMEnzyme opt plugin.")
	fs.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "Timeout for each version check.")
	registerToolFlags(fs, &cfg.Tools)
	return cmd
}
