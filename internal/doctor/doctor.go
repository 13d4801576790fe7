// Package doctor implements `gradlink doctor`: it resolves the LLVM
// toolchain and the Enzyme plugin, prints what it found and warns about
// combinations that cannot work together.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/kyleseneker/gradlink/internal/llvm"
)

// maxTypedPointerMajor is the newest LLVM whose tools emit typed pointers
// by default.
const maxTypedPointerMajor = 14

// lookPath locates binaries that are not part of the LLVM tool set.
var lookPath = exec.LookPath

var (
	okMark   = color.New(color.FgGreen).Sprint("[OK]  ")
	failMark = color.New(color.FgRed, color.Bold).Sprint("[FAIL]")
)

var (
	llvmMajorRE   = regexp.MustCompile(`LLVM version (\d+)`)
	pluginMajorRE = regexp.MustCompile(`-(\d+)\.(so|dylib|dll)$`)
)

// Config holds settings for the doctor check.
type Config struct {
	Tools llvm.ToolOverrides
	// Plugin is the Enzyme plugin path, if configured.
	Plugin  string
	Stdout  io.Writer
	Stderr  io.Writer
	Timeout time.Duration
}

// checker accumulates the report of one doctor run.
type checker struct {
	ctx      context.Context
	cfg      Config
	warnings []string
	major    int // first LLVM major seen, 0 if none
}

func (c *checker) warn(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

func (c *checker) row(label, value string) {
	fmt.Fprintf(c.cfg.Stdout, "  %-14s %s\n", label+":", value)
}

// Run resolves the tools, prints each with its version and reports
// warnings. Only a missing required tool is an error.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	tools, err := llvm.DiscoverTools(cfg.Tools)
	if err != nil {
		return err
	}

	c := &checker{ctx: ctx, cfg: cfg}
	fmt.Fprintln(cfg.Stdout, "gradlink doctor")
	for _, t := range tools.List() {
		c.tool(t)
	}
	if c.major > maxTypedPointerMajor {
		c.warn("LLVM %d detected; gradlink reads typed-pointer IR, which LLVM %d and older emit by default. "+
			"Use an LLVM %d toolchain matching your Enzyme build.", c.major, maxTypedPointerMajor, maxTypedPointerMajor)
	}
	c.plugin()
	c.rustc()
	c.summary()
	return nil
}

func (c *checker) tool(t llvm.NamedTool) {
	if t.Path == "" {
		c.row(t.Name, "(not found, "+t.Note+")")
		return
	}
	c.row(t.Name, t.Path)
	line := c.version(t.Path, t.Name)
	fmt.Fprintf(c.cfg.Stdout, "  %s %s: %s\n", okMark, t.Name, line)
	if c.major == 0 {
		c.major = parseLLVMMajor(line)
	}
}

// plugin checks that the Enzyme plugin exists and, when its file name
// carries an LLVM major, that it matches the tools.
func (c *checker) plugin() {
	path := strings.TrimSpace(c.cfg.Plugin)
	if path == "" {
		c.row("enzyme", "(not configured)")
		c.warn("no Enzyme plugin configured; set [engine] plugin in gradlink.toml or GRADLINK_ENZYME_PLUGIN")
		return
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		c.row("enzyme", path+" (missing)")
		c.warn("Enzyme plugin %s does not exist", path)
		return
	}
	c.row("enzyme", path)

	m := pluginMajorRE.FindStringSubmatch(filepath.Base(path))
	if m == nil || c.major == 0 {
		return
	}
	built, _ := strconv.Atoi(m[1])
	if built != c.major {
		c.warn("Enzyme plugin was built for LLVM %d but the tools are LLVM %d", built, c.major)
		return
	}
	fmt.Fprintf(c.cfg.Stdout, "  %s enzyme: built for LLVM %d\n", okMark, built)
}

// rustc reports the Rust compiler, which only Rust units need.
func (c *checker) rustc() {
	path, _ := lookPath("rustc")
	if path == "" {
		c.row("rustc", "(not found)")
		c.warn("rustc is not installed; needed only for Rust units compiled with rustc --emit=llvm-bc")
		return
	}
	c.row("rustc", path)
	fmt.Fprintf(c.cfg.Stdout, "  %s rustc: %s\n", okMark, c.version(path, "rustc"))
}

// version returns the first line a tool prints for --version.
func (c *checker) version(path, name string) string {
	res, err := llvm.Run(c.ctx, c.cfg.Timeout, path, "--version")
	if err != nil {
		fmt.Fprintf(c.cfg.Stderr, "  %s %s --version: %v\n", failMark, name, err)
		return "(version check failed)"
	}
	for _, out := range []string{res.Stdout, res.Stderr} {
		if line := firstNonEmptyLine(out); line != "" {
			return line
		}
	}
	return "(no version output)"
}

func (c *checker) summary() {
	w := c.cfg.Stdout
	if len(c.warnings) == 0 {
		fmt.Fprintln(w, "\nall checks passed")
		return
	}
	fmt.Fprintln(w, "\nwarnings:")
	for _, msg := range c.warnings {
		fmt.Fprintf(w, "  - %s\n", msg)
	}
	fmt.Fprintf(w, "\n%d warning(s); see above\n", len(c.warnings))
}

// parseLLVMMajor extracts the major from "... LLVM version 14.0.6", or 0.
func parseLLVMMajor(s string) int {
	m := llvmMajorRE.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return major
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}
