package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kyleseneker/gradlink/internal/diag"
	"github.com/kyleseneker/gradlink/internal/llvm"
	"github.com/kyleseneker/gradlink/internal/manifest"
	"github.com/kyleseneker/gradlink/internal/pipeline"
)

func newBuildCmd() *cobra.Command {
	var o pipelineOptions
	var command []string
	cmd := &cobra.Command{
		Use:   "build [flags] [source]",
		Short: "Compile a source file to bitcode, then link its derivatives",
		Long: `Compile the unit's source file to LLVM bitcode with debug info using the
[build] command of gradlink.toml (clang by default) and run link on the
result.`,
		Args: maxArgs(1, "source"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, m, err := o.resolve(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := requireUnit(cfg); err != nil {
				return err
			}
			src := m.Build.Source
			if len(args) == 1 {
				src = args[0]
			}
			if src == "" {
				return usageErrorf("no source file; set [build] source in gradlink.toml or pass it as an argument")
			}
			if len(command) == 0 {
				command = m.Build.Command
			}
			bc, err := compileBitcode(cmd.Context(), cfg, src, command)
			if err != nil {
				return err
			}
			cfg.Inputs = append([]string{bc}, cfg.Inputs...)
			return runPipelineAndReport(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	o.register(cmd.Flags())
	cmd.Flags().StringArrayVar(&command, "compile-arg", nil,
		"Compiler command word, repeated in order; {src} and {out} are substituted (default: clang -c -emit-llvm -g -O0 {src} -o {out}).")
	return cmd
}

// compileBitcode compiles src to <search root>/<unit>.bc and returns the
// path.
func compileBitcode(ctx context.Context, cfg pipeline.Config, src string, command []string) (string, error) {
	if len(command) == 0 {
		command = manifest.DefaultCompileCommand
	}
	dir := cfg.SearchRoot
	if dir == "" {
		dir = filepath.Join(cfg.OutputDir, "deps")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &diag.Error{Stage: diag.StageCompile, Err: err, Hint: "failed to create the bitcode directory"}
	}
	out := filepath.Join(dir, cfg.Unit+".bc")

	bin, err := findCompiler(command[0], cfg.Tools)
	if err != nil {
		return "", &diag.Error{Stage: diag.StageCompile, Code: diag.CodeToolNotFound, Err: err,
			Hint: "install clang or set [build] command in gradlink.toml"}
	}
	args := expandCommand(command[1:], src, out)

	cfg.Log.Stage(diag.StageCompile, "%s %s", bin, strings.Join(args, " "))
	res, err := runCompiler(ctx, cfg.Timeout, bin, args...)
	if err != nil {
		cmd := bin + " " + strings.Join(args, " ")
		return "", diag.New(diag.StageCompile, err, cmd, res.stderr,
			"ensure the source compiles with: "+cmd)
	}
	if s := strings.TrimSpace(res.stderr); s != "" {
		cfg.Log.Debug(s)
	}
	return out, nil
}

func expandCommand(words []string, src, out string) []string {
	r := strings.NewReplacer("{src}", src, "{out}", out)
	args := make([]string, len(words))
	for i, w := range words {
		args[i] = r.Replace(w)
	}
	return args
}

// findCompiler resolves the compiler named by the build command. A bare
// "clang" honors the --clang override.
func findCompiler(name string, tools llvm.ToolOverrides) (string, error) {
	if name == "clang" && tools.Clang != "" {
		name = tools.Clang
	}
	path := name
	if !strings.ContainsRune(name, filepath.Separator) {
		p, err := exec.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("%s not found on PATH", name)
		}
		path = p
	} else if _, err := os.Stat(name); err != nil {
		return "", fmt.Errorf("compiler not found at %q: %w", name, err)
	}
	if err := llvm.ValidateBinary(path); err != nil {
		return "", err
	}
	return path, nil
}

type compilerResult struct{ stderr string }

// runCompiler executes the compiler with the full process environment so it
// can find its sysroot, sccache and similar settings.
var runCompiler = func(ctx context.Context, timeout time.Duration, bin string, args ...string) (compilerResult, error) {
	if timeout <= 0 {
		timeout = llvm.DefaultTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, bin, args...)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	return compilerResult{stderr: stderrBuf.String()}, err
}
