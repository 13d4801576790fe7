// Package pipeline orchestrates one gradlink run: merge the unit's bitcode,
// differentiate every declared function, reconcile the derivative ABIs,
// curate linkage and package the result as a static archive.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kyleseneker/gradlink/internal/abi"
	"github.com/kyleseneker/gradlink/internal/diag"
	"github.com/kyleseneker/gradlink/internal/driver"
	"github.com/kyleseneker/gradlink/internal/elfcheck"
	"github.com/kyleseneker/gradlink/internal/emit"
	"github.com/kyleseneker/gradlink/internal/enzyme"
	"github.com/kyleseneker/gradlink/internal/fninfo"
	"github.com/kyleseneker/gradlink/internal/irmod"
	"github.com/kyleseneker/gradlink/internal/linkage"
	"github.com/kyleseneker/gradlink/internal/llvm"
	"github.com/kyleseneker/gradlink/internal/loader"
	"github.com/kyleseneker/gradlink/internal/logx"
)

// Config holds all settings for a pipeline run.
type Config struct {
	Unit       string
	SearchRoot string
	Patterns   []string
	Inputs     []string
	Functions  []fninfo.FunctionInfo
	// Expect maps a derivative name to the signature calling code expects,
	// for derivatives without a placeholder declaration in the module.
	Expect    map[string]string
	OutputDir string
	Release   bool
	Target    emit.Target

	// Engine defaults to the Enzyme opt plugin at Plugin.
	Engine      enzyme.Engine
	Plugin      string
	EngineExtra []string
	Debug       enzyme.Debug
	// Localize overrides emit.DefaultLocalize when non-nil.
	Localize []string

	Tools    llvm.ToolOverrides
	Timeout  time.Duration
	TempDir  string
	KeepTemp bool
	DumpIR   bool
	Log      *logx.Logger
}

// Artifacts records the paths of intermediate and final build products.
type Artifacts struct {
	TempDir   string
	Merged    string
	Final     string
	Object    string
	Archive   string
	DumpIRDir string
	Reports   []*abi.Report
}

// Run executes the full pipeline and returns the produced artifacts.
func Run(ctx context.Context, cfg Config) (*Artifacts, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	if err := fninfo.ValidateDeclarations(cfg.Functions); err != nil {
		return nil, &diag.Error{Stage: diag.StageRegistry, Code: diag.CodeConfiguration, Err: err,
			Hint: "fix the [[function]] entries in gradlink.toml"}
	}

	tools, err := llvm.DiscoverTools(cfg.Tools)
	if err != nil {
		return nil, err
	}

	workDir, cleanup, err := makeWorkDir(cfg.TempDir, cfg.KeepTemp)
	if err != nil {
		return nil, &diag.Error{Stage: diag.StageInput, Err: err, Hint: "failed to create temporary workspace"}
	}
	defer cleanup()

	runner := llvm.Runner{Timeout: cfg.Timeout, Log: cfg.Log}
	a := &Artifacts{
		TempDir: workDir,
		Archive: filepath.Join(cfg.OutputDir, emit.ArchiveName(cfg.Unit)),
	}

	names := sourceNames(cfg.Functions)
	mod, la, err := loader.MergeAndLoad(ctx, loader.Config{
		Unit:       cfg.Unit,
		SearchRoot: cfg.SearchRoot,
		Patterns:   cfg.Patterns,
		Inputs:     cfg.Inputs,
		WorkDir:    workDir,
		Tools:      tools,
		Runner:     runner,
	}, names)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !mod.Dispose() {
			cfg.Log.Debug("module already disposed")
		}
	}()
	a.Merged = la.Merged

	dumpDir, err := setupDumpIR(cfg, workDir)
	if err != nil {
		return nil, err
	}
	a.DumpIRDir = dumpDir

	if err := checkSignatures(mod, cfg.Functions); err != nil {
		return nil, err
	}
	expected, err := expectedSignatures(mod, cfg.Functions, cfg.Expect)
	if err != nil {
		return nil, err
	}

	engine := cfg.Engine
	if engine == nil {
		engine = &enzyme.PluginEngine{
			Plugin:  cfg.Plugin,
			Opt:     tools.Opt,
			WorkDir: workDir,
			Runner:  runner,
			Extra:   cfg.EngineExtra,
		}
	}
	results, err := driver.New(engine, driver.Options{
		Release: cfg.Release,
		Triple:  cfg.Target.Triple,
		Debug:   cfg.Debug,
		Log:     cfg.Log,
	}).Differentiate(ctx, mod, cfg.Functions)
	if err != nil {
		return nil, err
	}
	if err := dumpStage(mod, dumpDir, "02-differentiated.ll"); err != nil {
		return nil, err
	}

	bindings, err := reconcileAll(mod, results, expected, cfg.Log, a)
	if err != nil {
		return nil, err
	}
	if err := dumpStage(mod, dumpDir, "03-reconciled.ll"); err != nil {
		return nil, err
	}

	if err := linkage.FinalizeVisibility(mod, bindings); err != nil {
		return nil, &diag.Error{Stage: diag.StageLinkage, Err: err,
			Hint: "every derivative must be generated and named in gradlink.toml"}
	}
	if err := mod.Verify(); err != nil {
		return nil, &diag.Error{Stage: diag.StageLinkage, Code: diag.CodeVerification, Err: err,
			Hint: "the curated module no longer verifies; rerun with --dump-ir"}
	}
	cfg.Log.Stage(diag.StageLinkage, "exported %s", strings.Join(derivativeNames(cfg.Functions), ", "))
	if err := dumpStage(mod, dumpDir, "04-curated.ll"); err != nil {
		return nil, err
	}

	opts := emit.Options{
		Tools:    tools,
		Runner:   runner,
		WorkDir:  workDir,
		Release:  cfg.Release,
		Localize: mentioned(mod, cfg.Localize, cfg.Log),
	}
	obj, err := emit.Emit(ctx, mod, cfg.Target, opts)
	if err != nil {
		return nil, err
	}
	a.Final = filepath.Join(workDir, "04-final.ll")
	a.Object = obj

	if err := emit.Archive(ctx, obj, a.Archive, opts); err != nil {
		return nil, err
	}

	if elfcheck.IsELFTarget(cfg.Target.Triple) {
		if err := elfcheck.Validate(obj, derivativeNames(cfg.Functions)); err != nil {
			return nil, err
		}
	} else {
		cfg.Log.Debug("skipping ELF validation", "triple", cfg.Target.Triple)
	}
	cfg.Log.Stage(diag.StageFinalize, "wrote %s", a.Archive)
	return a, nil
}

// checkSignatures validates every declaration against its source function.
func checkSignatures(mod *irmod.Module, infos []fninfo.FunctionInfo) error {
	sigs := make([]irmod.Signature, 0, len(infos))
	for _, fi := range infos {
		f, err := mod.Func(fi.SourceName())
		if err != nil {
			return &diag.Error{Stage: diag.StageRegistry, Code: diag.CodeConfiguration,
				Err:  fmt.Errorf("source function %q: %w", fi.SourceName(), err),
				Hint: "check the source names in gradlink.toml"}
		}
		sig, err := mod.Signature(f)
		if err != nil {
			return err
		}
		sigs = append(sigs, sig)
	}
	if err := fninfo.Validate(infos, sigs); err != nil {
		return &diag.Error{Stage: diag.StageRegistry, Code: diag.CodeConfiguration, Err: err,
			Hint: registryHint(err)}
	}
	return nil
}

// mentioned returns the names the module defines, declares or uses in
// module-level assembly. Only those can reach the object.
func mentioned(mod *irmod.Module, names []string, log *logx.Logger) []string {
	var out []string
	for _, name := range names {
		if mod.Mentions(name) {
			out = append(out, name)
		} else {
			log.Debug("nothing to localize", "symbol", name)
		}
	}
	return out
}

// registryHint points at the manifest field behind the first violation.
func registryHint(err error) string {
	var list *fninfo.ErrorList
	if errors.As(err, &list) {
		for _, kind := range list.Kinds() {
			switch kind {
			case fninfo.CountMismatch, fninfo.ArityMismatch:
				return "give one activity per parameter of the source function"
			case fninfo.ReturnModeMismatch:
				return "void functions take return = \"none\"; others need a return mode other than none"
			case fninfo.DuplicateName:
				return "every source and derivative name must be unique"
			}
		}
	}
	return "activities and return modes must match each source signature"
}

// expectedSignatures returns the signature calling code expects for each
// derivative. It comes from the placeholder declaration the module already
// carries or, failing that, from expect, in which case the placeholder is
// declared.
func expectedSignatures(mod *irmod.Module, infos []fninfo.FunctionInfo, expect map[string]string) ([]irmod.Signature, error) {
	out := make([]irmod.Signature, 0, len(infos))
	for _, fi := range infos {
		name := fi.DerivativeName()
		var fromManifest *irmod.Signature
		if text, ok := expect[name]; ok {
			sig, err := mod.ParseSignature(text)
			if err != nil {
				return nil, configError(fmt.Errorf("expect for %s: %w", name, err),
					`write expect as "ret (param, ...)" in LLVM type syntax`)
			}
			fromManifest = &sig
		}

		f, err := mod.Func(name)
		switch {
		case errors.Is(err, irmod.ErrNotFound):
			if fromManifest == nil {
				return nil, configError(&linkage.NotFoundError{Name: name},
					"declare "+name+" in the calling code or set expect for it in gradlink.toml")
			}
			if _, err := mod.Declare(name, *fromManifest); err != nil {
				return nil, err
			}
			out = append(out, *fromManifest)
			continue
		case err != nil:
			return nil, err
		}

		decl, err := mod.IsDeclaration(f)
		if err != nil {
			return nil, err
		}
		if !decl {
			return nil, configError(fmt.Errorf("derivative name %q is already defined in the module", name),
				"choose a derivative name that the calling code only declares")
		}
		sig, err := mod.Signature(f)
		if err != nil {
			return nil, err
		}
		if fromManifest != nil && !fromManifest.Equal(sig) {
			return nil, configError(fmt.Errorf("expect for %s is %s but the module declares %s", name, *fromManifest, sig),
				"remove expect or make it match the declaration")
		}
		out = append(out, sig)
	}
	return out, nil
}

func reconcileAll(mod *irmod.Module, results []driver.Result, expected []irmod.Signature, log *logx.Logger, a *Artifacts) ([]linkage.Binding, error) {
	bindings := make([]linkage.Binding, 0, len(results))
	for i, res := range results {
		name := res.Info.DerivativeName()
		fn, report, err := abi.Reconcile(mod, res.Func, expected[i], name)
		if err != nil {
			return nil, diag.New(diag.StageReconcile, err, "", "",
				"declare "+name+" with a signature the engine output can be adapted to")
		}
		log.Stage(diag.StageReconcile, "%s", report)
		a.Reports = append(a.Reports, report)
		bindings = append(bindings, linkage.Binding{Name: name, Reconciled: fn})
	}
	return bindings, nil
}

func configError(err error, hint string) error {
	return &diag.Error{Stage: diag.StageRegistry, Code: diag.CodeConfiguration, Err: err, Hint: hint}
}

func sourceNames(infos []fninfo.FunctionInfo) []string {
	out := make([]string, len(infos))
	for i, fi := range infos {
		out[i] = fi.SourceName()
	}
	return out
}

func derivativeNames(infos []fninfo.FunctionInfo) []string {
	out := make([]string, len(infos))
	for i, fi := range infos {
		out[i] = fi.DerivativeName()
	}
	return out
}

// setupDumpIR creates the dump-ir directory when enabled and returns its
// path, or "" when disabled.
func setupDumpIR(cfg Config, workDir string) (string, error) {
	if !cfg.DumpIR {
		return "", nil
	}
	dir := filepath.Join(workDir, "dump-ir")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", &diag.Error{Stage: diag.StageFinalize, Err: err, Hint: "failed to create dump-ir directory"}
	}
	cfg.Log.Info("writing stage snapshots", "dir", dir)
	return dir, nil
}

func dumpStage(mod *irmod.Module, dir, name string) error {
	if dir == "" {
		return nil
	}
	if err := mod.WriteFile(filepath.Join(dir, name)); err != nil {
		return &diag.Error{Stage: diag.StageFinalize, Err: err, Hint: "failed to write IR snapshot " + name}
	}
	return nil
}

// validateConfig applies defaults and checks required fields.
func validateConfig(cfg *Config) error {
	if strings.TrimSpace(cfg.Unit) == "" {
		return &diag.Error{Stage: diag.StageManifest, Err: errors.New("no unit name"),
			Hint: "set [unit] name in gradlink.toml or pass --unit"}
	}
	if len(cfg.Functions) == 0 {
		return &diag.Error{Stage: diag.StageManifest, Err: errors.New("no functions declared"),
			Hint: "add a [[function]] entry or pass --function"}
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return &diag.Error{Stage: diag.StageManifest, Err: errors.New("no output directory"),
			Hint: "set [unit] output_dir, OUT_DIR, or pass --output-dir"}
	}
	if cfg.SearchRoot == "" && len(cfg.Inputs) == 0 {
		cfg.SearchRoot = filepath.Join(cfg.OutputDir, "deps")
	}
	if cfg.Localize == nil {
		cfg.Localize = emit.DefaultLocalize
	}
	cfg.Target = cfg.Target.Resolve()
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return nil
}

// makeWorkDir creates or reuses a directory for intermediate artifacts.
func makeWorkDir(baseDir string, keepTemp bool) (string, func(), error) {
	noop := func() {}
	if strings.TrimSpace(baseDir) != "" {
		if err := os.MkdirAll(baseDir, 0o700); err != nil {
			return "", noop, err
		}
		if err := os.Chmod(baseDir, 0o700); err != nil { //nolint:gosec
			return "", noop, err
		}
		return baseDir, noop, nil
	}
	dir, err := os.MkdirTemp("", "gradlink-")
	if err != nil {
		return "", noop, err
	}
	if keepTemp {
		return dir, noop, nil
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}
