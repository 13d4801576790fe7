// Package cli implements the gradlink command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kyleseneker/gradlink/internal/diag"
)

// Version is set at build time via ldflags:
//
//	go build -ldflags "-X github.com/kyleseneker/gradlink/internal/cli.Version=v0.1.0"
var Version = "(dev)"

var errorPrefix = color.New(color.FgRed, color.Bold)

// usageError marks a command-line mistake; Run exits 2 for it.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// Run is the top-level entrypoint. It returns 0 on success, 1 when a
// command fails and 2 for usage errors.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if stderr == nil {
		stderr = io.Discard
	}
	root := newRootCmd(stdout, stderr)
	if len(args) == 0 {
		root.SetOut(stderr)
		_ = root.Usage()
		return 2
	}
	// The bare-flag form is an alias for link.
	if strings.HasPrefix(args[0], "-") && !isRootFlag(args[0]) {
		args = append([]string{"link"}, args...)
	}
	root.SetArgs(args)

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}
	printError(stderr, err)
	var u *usageError
	if errors.As(err, &u) || strings.HasPrefix(err.Error(), "unknown command") {
		if cmd != nil {
			fmt.Fprintln(stderr)
			cmd.SetOut(stderr)
			_ = cmd.Usage()
		}
		return 2
	}
	return 1
}

func isRootFlag(arg string) bool {
	switch arg {
	case "-h", "--help", "--version":
		return true
	}
	return false
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "gradlink",
		Short: "Differentiate native functions with Enzyme and link the derivatives back in",
		Long: `gradlink merges a unit's LLVM bitcode, asks the Enzyme engine for the
derivative of every function declared in gradlink.toml, adapts each
derivative to the signature its callers declare, and packages the result
as a static archive exposing only the derivatives.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("gradlink {{.Version}}\n")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newLinkCmd(),
		newBuildCmd(),
		newDoctorCmd(),
		newInitCmd(),
		newPhaseCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "gradlink %s\n", Version)
			return nil
		},
	}
}

func printError(w io.Writer, err error) {
	errorPrefix.Fprint(w, "error: ")
	fmt.Fprintln(w, err.Error())
	switch diag.CodeOf(err) {
	case diag.CodeToolNotFound:
		fmt.Fprintln(w, "run `gradlink doctor` to see which tools were found")
	case diag.CodeTimeout:
		fmt.Fprintln(w, "raise --timeout if the module is large")
	}
}

func noArgs(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageErrorf("unexpected argument %q", args[0])
	}
	return nil
}

func exactArgs(n int, what string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErrorf("exactly %d %s argument is required", n, what)
		}
		return nil
	}
}

func maxArgs(n int, what string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) > n {
			return usageErrorf("at most %d %s argument is accepted", n, what)
		}
		return nil
	}
}
