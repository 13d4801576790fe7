// Package emit lowers the curated module to a relocatable object and
// packages it as a static archive.
package emit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kyleseneker/gradlink/internal/diag"
	"github.com/kyleseneker/gradlink/internal/irmod"
	"github.com/kyleseneker/gradlink/internal/llvm"
)

// ErrEmitFailed is matched by every code generation failure.
var ErrEmitFailed = errors.New("emit failed")

// DefaultLocalize lists helper symbols the Rust toolchain injects into
// every object; exporting them clashes with the final link.
var DefaultLocalize = []string{"__rust_probestack"}

// Options configures Emit and Archive.
type Options struct {
	Tools   llvm.Tools
	Runner  llvm.Runner
	WorkDir string
	Release bool
	// Localize lists symbols made local before archiving.
	Localize []string
}

// Emit writes mod to the work directory and compiles it with llc. It
// returns the object path.
func Emit(ctx context.Context, mod *irmod.Module, target Target, opts Options) (string, error) {
	final := filepath.Join(opts.WorkDir, "04-final.ll")
	obj := filepath.Join(opts.WorkDir, "05-codegen.o")
	if err := mod.WriteFile(final); err != nil {
		return "", &diag.Error{Stage: diag.StageCodegen, Err: fmt.Errorf("%w: %w", ErrEmitFailed, err),
			Hint: "failed to write the final module"}
	}
	args := llvm.BuildLLCArgs(final, obj, llvm.CodegenFlags{
		Triple:   target.Triple,
		CPU:      target.CPU,
		Features: target.Features,
		Release:  opts.Release,
	})
	if _, err := opts.Runner.Stage(ctx, diag.StageCodegen, opts.Tools.LLC, args,
		"check that llc supports the target "+target.Triple+" and inspect "+final); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEmitFailed, err)
	}
	return obj, nil
}

// Archive localizes opts.Localize in obj and packages it into a fresh
// static archive at archivePath.
func Archive(ctx context.Context, obj, archivePath string, opts Options) error {
	if len(opts.Localize) > 0 {
		if opts.Tools.Objcopy == "" {
			return &diag.Error{Stage: diag.StageArchive, Code: diag.CodeToolNotFound,
				Err:  errors.New("llvm-objcopy is required to localize toolchain helper symbols"),
				Hint: "install llvm-objcopy or pass --llvm-objcopy"}
		}
		if _, err := opts.Runner.Stage(ctx, diag.StageArchive, opts.Tools.Objcopy,
			llvm.BuildLocalizeArgs(obj, opts.Localize), "llvm-objcopy could not rewrite "+obj); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return &diag.Error{Stage: diag.StageArchive, Err: err, Hint: "failed to create output directory"}
	}
	// llvm-ar rcs adds to an existing archive.
	if err := os.Remove(archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &diag.Error{Stage: diag.StageArchive, Err: err, Hint: "failed to replace the previous archive"}
	}
	_, err := opts.Runner.Stage(ctx, diag.StageArchive, opts.Tools.LLVMAr,
		llvm.BuildArchiveArgs(archivePath, []string{obj}), "llvm-ar could not create "+archivePath)
	return err
}

// ArchiveName returns the conventional static library file name for unit.
func ArchiveName(unit string) string {
	return "lib" + unit + ".a"
}
