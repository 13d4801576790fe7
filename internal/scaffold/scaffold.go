// Package scaffold generates the file structure for a new gradlink project.
package scaffold

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config holds settings for project scaffolding.
type Config struct {
	Dir    string
	Unit   string
	Stdout io.Writer
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Run writes a starter manifest, a C source with one function and the
// caller of its derivative, and a Makefile driving gradlink build.
func Run(cfg Config) error {
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	unit := strings.TrimSpace(cfg.Unit)
	if unit == "" {
		return fmt.Errorf("unit name is required")
	}
	if !identRE.MatchString(unit) {
		return fmt.Errorf("unit name %q must be a C identifier", unit)
	}

	srcDir := filepath.Join(cfg.Dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return fmt.Errorf("creating src directory: %w", err)
	}

	files := []struct {
		path    string
		content string
	}{
		{filepath.Join(cfg.Dir, "gradlink.toml"), manifestTOML(unit)},
		{filepath.Join(srcDir, unit+".c"), sourceC()},
		{filepath.Join(cfg.Dir, "Makefile"), makefile(unit)},
	}

	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil {
			return fmt.Errorf("%s already exists; refusing to overwrite", f.path)
		}
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, []byte(f.content), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", f.path, err)
		}
		rel, _ := filepath.Rel(cfg.Dir, f.path)
		if rel == "" {
			rel = f.path
		}
		fmt.Fprintf(cfg.Stdout, "  create %s\n", rel)
	}
	return nil
}

func manifestTOML(unit string) string {
	return `[unit]
name = "` + unit + `"
output_dir = "build"

[build]
source = "src/` + unit + `.c"

# One table per function to differentiate. Activities are dup, out or
# const, one per parameter; return is active, gradient, constant, ignore
# or none.
[[function]]
source = "square"
derivative = "d_square"
activities = ["out"]
return = "gradient"

[engine]
# Path to LLVMEnzyme-<major>.so; GRADLINK_ENZYME_PLUGIN is used when unset.
plugin = ""
`
}

func sourceC() string {
	return `double square(double x) { return x * x; }

/* Defined by gradlink: the derivative of square with respect to x. */
double d_square(double x);

double slope_at(double x) { return d_square(x); }
`
}

func makefile(unit string) string {
	return `.PHONY: build clean

BUILD_DIR := build
ARCHIVE   := $(BUILD_DIR)/lib` + unit + `.a

build: $(ARCHIVE)

$(ARCHIVE): src/` + unit + `.c gradlink.toml
	gradlink build --verbose

clean:
	rm -rf $(BUILD_DIR)
`
}
