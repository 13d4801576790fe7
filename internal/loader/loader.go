// Package loader locates the bitcode produced by the native build, merges
// the code reachable from the requested functions into one module, and
// verifies it.
package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kyleseneker/gradlink/internal/diag"
	"github.com/kyleseneker/gradlink/internal/irmod"
	"github.com/kyleseneker/gradlink/internal/llvm"
)

// DefaultPattern matches the bitcode emitted next to each build unit.
const DefaultPattern = "*.bc"

var (
	// ErrNoPrimaryArtifact means no artifact belongs to the current unit.
	ErrNoPrimaryArtifact = errors.New("no primary artifact")
	// ErrAmbiguousPrimaryArtifact means several artifacts claim the unit.
	ErrAmbiguousPrimaryArtifact = errors.New("ambiguous primary artifact")
	// ErrMalformedModule means the merged module failed verification.
	ErrMalformedModule = errors.New("malformed module")
)

// MalformedModuleError carries the verifier diagnostic for a merged module.
type MalformedModuleError struct {
	Path       string
	Diagnostic string
}

func (e *MalformedModuleError) Error() string {
	return fmt.Sprintf("malformed module %s: %s", e.Path, e.Diagnostic)
}

func (e *MalformedModuleError) Unwrap() error { return ErrMalformedModule }

// Config locates the artifacts and tools for one merge.
type Config struct {
	// Unit is the name of the build unit whose artifact is primary.
	Unit string
	// SearchRoot is the dependency output directory holding the artifacts.
	SearchRoot string
	// Patterns are globs relative to SearchRoot. Defaults to *.bc.
	Patterns []string
	// Inputs are explicit artifact paths used instead of globbing.
	Inputs  []string
	WorkDir string
	Tools   llvm.Tools
	Runner  llvm.Runner
}

// Artifacts records which files took part in the merge.
type Artifacts struct {
	Primary   string
	Auxiliary []string
	Merged    string
}

// Discover returns the primary artifact for cfg.Unit and every auxiliary
// artifact, both in sorted order.
func Discover(cfg Config) (string, []string, error) {
	candidates, err := candidates(cfg)
	if err != nil {
		return "", nil, err
	}
	var primaries, aux []string
	for _, path := range candidates {
		if isPrimary(cfg.Unit, path) {
			primaries = append(primaries, path)
		} else {
			aux = append(aux, path)
		}
	}
	switch len(primaries) {
	case 0:
		return "", nil, &diag.Error{Stage: diag.StageInput, Code: diag.CodeInvalidInput,
			Err:  fmt.Errorf("unit %q among %d artifacts: %w", cfg.Unit, len(candidates), ErrNoPrimaryArtifact),
			Hint: fmt.Sprintf("expected %s.bc or %s-<hash>.bc under %s", cfg.Unit, cfg.Unit, cfg.SearchRoot)}
	case 1:
		return primaries[0], aux, nil
	default:
		return "", nil, &diag.Error{Stage: diag.StageInput, Code: diag.CodeInvalidInput,
			Err:  fmt.Errorf("unit %q matches %s: %w", cfg.Unit, strings.Join(primaries, ", "), ErrAmbiguousPrimaryArtifact),
			Hint: "remove stale artifacts (e.g. cargo clean) or pass --input explicitly"}
	}
}

func candidates(cfg Config) ([]string, error) {
	if len(cfg.Inputs) > 0 {
		out := slices.Clone(cfg.Inputs)
		slices.Sort(out)
		return out, nil
	}
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = []string{DefaultPattern}
	}
	seen := map[string]bool{}
	var out []string
	for _, p := range patterns {
		matches, err := filepath.Glob(filepath.Join(cfg.SearchRoot, p))
		if err != nil {
			return nil, &diag.Error{Stage: diag.StageInput, Err: fmt.Errorf("pattern %q: %w", p, err),
				Hint: "check the [unit] patterns in gradlink.toml"}
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

// isPrimary reports whether the artifact's stem is the unit name, optionally
// followed by a "-<hash>" suffix. Dashes in the unit name also match the
// underscores that cargo uses in artifact names.
func isPrimary(unit, path string) bool {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	for _, name := range []string{unit, strings.ReplaceAll(unit, "-", "_")} {
		if stem == name || strings.HasPrefix(stem, name+"-") {
			return true
		}
	}
	return false
}

// MergeAndLoad links the primary artifact, importing each requested function,
// with only the needed parts of the auxiliary artifacts. The merged module is
// verified with opt and again in-process after parsing.
func MergeAndLoad(ctx context.Context, cfg Config, names []string) (*irmod.Module, *Artifacts, error) {
	if len(names) == 0 {
		return nil, nil, &diag.Error{Stage: diag.StageInput, Code: diag.CodeConfiguration,
			Err: errors.New("no functions requested"), Hint: "declare at least one [[function]] in gradlink.toml"}
	}
	primary, aux, err := Discover(cfg)
	if err != nil {
		return nil, nil, err
	}

	primary, aux, err = normalize(ctx, cfg, primary, aux)
	if err != nil {
		return nil, nil, err
	}

	a := &Artifacts{Primary: primary, Auxiliary: aux, Merged: filepath.Join(cfg.WorkDir, "01-merged.ll")}
	if _, err := cfg.Runner.Stage(ctx, diag.StageLink, cfg.Tools.LLVMLink,
		llvm.BuildLinkArgs(primary, names, aux, a.Merged),
		"check that every requested function is defined in the primary artifact"); err != nil {
		return nil, a, err
	}

	res, err := llvm.Run(ctx, cfg.Runner.Timeout, cfg.Tools.Opt, llvm.BuildVerifyArgs(a.Merged)...)
	cfg.Runner.Log.Stage(diag.StageVerify, "%s", res.Command)
	if err != nil {
		return nil, a, malformed(a.Merged, strings.TrimSpace(res.Stderr), res.Command, err)
	}

	mod, err := irmod.Load(a.Merged)
	if err != nil {
		return nil, a, malformed(a.Merged, err.Error(), "", err)
	}
	if err := mod.Verify(); err != nil {
		mod.Dispose()
		return nil, a, malformed(a.Merged, err.Error(), "", err)
	}
	if err := checkBodies(mod, names); err != nil {
		mod.Dispose()
		return nil, a, malformed(a.Merged, err.Error(), "", err)
	}
	return mod, a, nil
}

// checkBodies rejects a merge that carries no code: a module without any
// function definition, or one where a requested function lost its body.
// Names absent from the module are left to the registry checks.
func checkBodies(mod *irmod.Module, names []string) error {
	funcs, err := mod.Funcs()
	if err != nil {
		return err
	}
	defined := 0
	for _, f := range funcs {
		decl, err := mod.IsDeclaration(f)
		if err != nil {
			return err
		}
		if !decl {
			defined++
		}
	}
	if defined == 0 {
		return errors.New("module defines no functions")
	}
	for _, name := range names {
		f, err := mod.Func(name)
		if err != nil {
			continue
		}
		if decl, err := mod.IsDeclaration(f); err != nil {
			return err
		} else if decl {
			return fmt.Errorf("requested function %q is only declared", name)
		}
	}
	return nil
}

func malformed(path, diagnostic, command string, cause error) error {
	if diagnostic == "" {
		diagnostic = cause.Error()
	}
	return &diag.Error{
		Stage:   diag.StageVerify,
		Code:    diag.CodeVerification,
		Command: command,
		Err:     errors.Join(&MalformedModuleError{Path: path, Diagnostic: diagnostic}, cause),
		Hint:    "the merged module is invalid; this points at a toolchain mismatch (LLVM versions of the compiler, llvm-link and the engine must agree)",
	}
}
