// Package llvm discovers and runs the LLVM toolchain binaries gradlink
// drives (llvm-link, opt, llc, llvm-ar, llvm-objcopy, clang).
package llvm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// allowedTools are the binaries gradlink may execute, by basename.
var allowedTools = map[string]bool{
	"llvm-link":    true,
	"opt":          true,
	"llc":          true,
	"llvm-ar":      true,
	"llvm-objcopy": true,
	"clang":        true,
	"rustc":        true,
}

// versionSuffixRE matches the "-14" or "-13.0.1" suffix of distro packages.
var versionSuffixRE = regexp.MustCompile(`^(.+)-(\d+(?:\.\d+)*)$`)

// ValidateBinary rejects paths with shell metacharacters and binaries whose
// basename, minus a version suffix, is not an allowed tool.
func ValidateBinary(binPath string) error {
	if strings.ContainsAny(binPath, ";|&$`\n") {
		return fmt.Errorf("binary path %q contains prohibited characters", binPath)
	}
	base := filepath.Base(binPath)
	if allowedTools[base] {
		return nil
	}
	if m := versionSuffixRE.FindStringSubmatch(base); m != nil && allowedTools[m[1]] {
		return nil
	}
	return fmt.Errorf("binary %q (basename %q) is not in the allowed tool set", binPath, base)
}

// passthroughEnv are the variables tools inherit. LD_LIBRARY_PATH lets opt
// find the Enzyme plugin's LLVM libraries.
var passthroughEnv = []string{"PATH", "HOME", "TMPDIR", "LD_LIBRARY_PATH", "DYLD_LIBRARY_PATH"}

func toolEnv() []string {
	env := []string{"LC_ALL=C", "TZ=UTC"}
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// Result is the outcome of one tool invocation.
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
}

// DefaultTimeout bounds a tool run when no timeout is given.
const DefaultTimeout = 60 * time.Second

// Run executes bin with a minimal environment and a timeout. A nonzero exit
// is returned as an error together with the captured output.
func Run(ctx context.Context, timeout time.Duration, bin string, args ...string) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = toolEnv()
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := Result{Command: formatCommand(bin, args), Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	switch {
	case err == nil:
		return res, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("command timed out after %s: %w", timeout, err)
	}
	return res, err
}

// formatCommand renders bin and args as a shell-pasteable line.
func formatCommand(bin string, args []string) string {
	words := make([]string, 0, len(args)+1)
	for _, w := range append([]string{bin}, args...) {
		words = append(words, shellQuote(w))
	}
	return strings.Join(words, " ")
}

func shellQuote(v string) string {
	switch {
	case v == "":
		return "''"
	case !strings.ContainsAny(v, " \t\n\"'\\"):
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", `'"'"'`) + "'"
}
