package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/kyleseneker/gradlink/internal/emit"
	"github.com/kyleseneker/gradlink/internal/enzyme"
	"github.com/kyleseneker/gradlink/internal/llvm"
	"github.com/kyleseneker/gradlink/internal/logx"
	"github.com/kyleseneker/gradlink/internal/manifest"
	"github.com/kyleseneker/gradlink/internal/pipeline"
)

// pipelineOptions are the flags shared by build and link. Set flags win over
// gradlink.toml, which wins over the build environment.
type pipelineOptions struct {
	manifestPath string
	functions    []string
	expect       []string

	unit       string
	searchRoot string
	patterns   []string
	inputs     []string
	outputDir  string
	release    bool

	triple   string
	cpu      string
	features string

	plugin         string
	printActivity  bool
	printType      bool
	printFunctions bool
	engineFlags    []string
	localize       []string
	noLocalize     bool

	keepTemp bool
	tmpDir   string
	dumpIR   bool
	timeout  time.Duration
	verbose  bool
	quiet    bool

	tools llvm.ToolOverrides
}

func (o *pipelineOptions) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.manifestPath, "manifest", "", "Path to gradlink.toml (default: ./gradlink.toml when present).")
	fs.StringArrayVar(&o.functions, "function", nil,
		"Function to differentiate as source:derivative:activities:return, e.g. square:d_square:out:gradient. Repeatable; replaces the manifest's functions.")
	fs.StringArrayVar(&o.expect, "expect", nil,
		`Expected derivative signature as name=signature, e.g. "d_square=double (double)". Repeatable.`)

	fs.StringVar(&o.unit, "unit", "", "Build unit whose artifact is primary.")
	fs.StringVar(&o.searchRoot, "search-root", "", "Directory searched for the unit's bitcode artifacts.")
	fs.StringArrayVar(&o.patterns, "pattern", nil, "Artifact glob relative to the search root (default *.bc). Repeatable.")
	fs.StringArrayVar(&o.inputs, "input", nil, "Explicit artifact (.bc, .ll, .o, .a). Repeatable; disables searching.")
	fs.StringVarP(&o.outputDir, "output-dir", "o", "", "Directory receiving lib<unit>.a.")
	fs.BoolVar(&o.release, "release", false, "Optimize the derivatives and the emitted object.")

	fs.StringVar(&o.triple, "target", "", "Target triple (default: host).")
	fs.StringVar(&o.cpu, "cpu", "", "Target CPU passed to llc as -mcpu.")
	fs.StringVar(&o.features, "features", "", "Target features passed to llc as -mattr.")

	fs.StringVar(&o.plugin, "plugin", "", "Path to the LLVMEnzyme opt plugin.")
	fs.BoolVar(&o.printActivity, "print-activity", false, "Print Enzyme's activity analysis.")
	fs.BoolVar(&o.printType, "print-type", false, "Print Enzyme's type analysis.")
	fs.BoolVar(&o.printFunctions, "print-functions", false, "Print the functions Enzyme generates.")
	fs.StringArrayVar(&o.engineFlags, "engine-flag", nil, "Extra flag passed to opt with the Enzyme pass. Repeatable.")
	fs.StringArrayVar(&o.localize, "localize", nil, "Symbol made local before archiving (default __rust_probestack). Repeatable.")
	fs.BoolVar(&o.noLocalize, "no-localize", false, "Do not localize any symbol before archiving.")

	fs.BoolVar(&o.keepTemp, "keep-temp", false, "Keep temporary intermediate files after run.")
	fs.StringVar(&o.tmpDir, "tmpdir", "", "Directory for intermediate artifacts (kept after run).")
	fs.BoolVar(&o.dumpIR, "dump-ir", false, "Write the module after each stage to <tmpdir>/dump-ir.")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Second, "Per-stage command timeout.")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "Enable verbose stage logging.")
	fs.BoolVarP(&o.quiet, "quiet", "q", false, "Only print warnings and errors.")
	registerToolFlags(fs, &o.tools)
}

// registerToolFlags binds the standard LLVM tool path flags to a ToolOverrides.
func registerToolFlags(fs *pflag.FlagSet, tools *llvm.ToolOverrides) {
	fs.StringVar(&tools.LLVMLink, "llvm-link", "", "Path to llvm-link binary.")
	fs.StringVar(&tools.Opt, "opt", "", "Path to opt binary.")
	fs.StringVar(&tools.LLC, "llc", "", "Path to llc binary.")
	fs.StringVar(&tools.LLVMAr, "llvm-ar", "", "Path to llvm-ar binary.")
	fs.StringVar(&tools.Objcopy, "llvm-objcopy", "", "Path to llvm-objcopy binary.")
	fs.StringVar(&tools.Clang, "clang", "", "Path to clang binary (used by build).")
}

// loadManifest reads the manifest named by path, or ./gradlink.toml when
// path is empty and the file exists. Without either it returns an empty
// manifest and false.
func loadManifest(path string) (*manifest.Manifest, bool, error) {
	if path == "" {
		if _, err := os.Stat(manifest.DefaultPath); err != nil {
			return &manifest.Manifest{}, false, nil
		}
		path = manifest.DefaultPath
	}
	m, err := manifest.Load(path)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// resolve merges the manifest, the environment and the flags into a
// pipeline configuration.
func (o *pipelineOptions) resolve(log io.Writer) (pipeline.Config, *manifest.Manifest, error) {
	if o.verbose && o.quiet {
		return pipeline.Config{}, nil, usageErrorf("--verbose and --quiet are mutually exclusive")
	}
	m, found, err := loadManifest(o.manifestPath)
	if err != nil {
		return pipeline.Config{}, nil, err
	}
	if !found && len(o.functions) == 0 {
		return pipeline.Config{}, nil, usageErrorf("no %s found and no --function given", manifest.DefaultPath)
	}
	if err := o.applyTo(m); err != nil {
		return pipeline.Config{}, nil, err
	}
	m.ApplyEnv()

	infos, err := m.FunctionInfos()
	if err != nil {
		return pipeline.Config{}, nil, err
	}
	expect, err := o.expectations(m)
	if err != nil {
		return pipeline.Config{}, nil, err
	}

	level := logx.Normal
	switch {
	case o.verbose:
		level = logx.Verbose
	case o.quiet:
		level = logx.Quiet
	}

	return pipeline.Config{
		Unit:       m.Unit.Name,
		SearchRoot: m.Unit.SearchRoot,
		Patterns:   m.Unit.Patterns,
		Inputs:     m.Unit.Inputs,
		Functions:  infos,
		Expect:     expect,
		OutputDir:  m.Unit.OutputDir,
		Release:    m.Unit.Release,
		Target: emit.Target{
			Triple:   m.Target.Triple,
			CPU:      m.Target.CPU,
			Features: m.Target.Features,
		},
		Plugin:      m.Engine.Plugin,
		EngineExtra: m.Engine.ExtraFlags,
		Debug: enzyme.Debug{
			PrintActivity:  m.Engine.PrintActivity,
			PrintType:      m.Engine.PrintType,
			PrintFunctions: m.Engine.PrintFunctions,
		},
		Localize: m.Archive.Localize,
		Tools:    m.Tools.Overrides(),
		Timeout:  o.timeout,
		TempDir:  o.tmpDir,
		KeepTemp: o.keepTemp,
		DumpIR:   o.dumpIR,
		Log:      logx.New(log, level),
	}, m, nil
}

// applyTo overwrites manifest settings with every flag that was given.
func (o *pipelineOptions) applyTo(m *manifest.Manifest) error {
	if len(o.functions) > 0 {
		fns := make([]manifest.Function, 0, len(o.functions))
		for _, s := range o.functions {
			f, err := manifest.ParseFunctionFlag(s)
			if err != nil {
				return &usageError{err: err}
			}
			fns = append(fns, f)
		}
		m.Functions = fns
	}
	setString(&m.Unit.Name, o.unit)
	setString(&m.Unit.SearchRoot, o.searchRoot)
	setString(&m.Unit.OutputDir, o.outputDir)
	if len(o.patterns) > 0 {
		m.Unit.Patterns = o.patterns
	}
	if len(o.inputs) > 0 {
		m.Unit.Inputs = o.inputs
	}
	if o.release {
		m.Unit.Release = true
	}
	setString(&m.Target.Triple, o.triple)
	setString(&m.Target.CPU, o.cpu)
	setString(&m.Target.Features, o.features)
	setString(&m.Engine.Plugin, o.plugin)
	m.Engine.PrintActivity = m.Engine.PrintActivity || o.printActivity
	m.Engine.PrintType = m.Engine.PrintType || o.printType
	m.Engine.PrintFunctions = m.Engine.PrintFunctions || o.printFunctions
	m.Engine.ExtraFlags = append(m.Engine.ExtraFlags, o.engineFlags...)
	switch {
	case o.noLocalize:
		m.Archive.Localize = []string{}
	case len(o.localize) > 0:
		m.Archive.Localize = o.localize
	}
	setString(&m.Tools.LLVMLink, o.tools.LLVMLink)
	setString(&m.Tools.Opt, o.tools.Opt)
	setString(&m.Tools.LLC, o.tools.LLC)
	setString(&m.Tools.LLVMAr, o.tools.LLVMAr)
	setString(&m.Tools.Objcopy, o.tools.Objcopy)
	setString(&m.Tools.Clang, o.tools.Clang)
	return nil
}

// expectations collects the expected derivative signatures from the
// manifest and the --expect flags.
func (o *pipelineOptions) expectations(m *manifest.Manifest) (map[string]string, error) {
	out := map[string]string{}
	for _, f := range m.Functions {
		if f.Expect != "" {
			out[f.Derivative] = f.Expect
		}
	}
	for _, e := range o.expect {
		name, sig, ok := strings.Cut(e, "=")
		name, sig = strings.TrimSpace(name), strings.TrimSpace(sig)
		if !ok || name == "" || sig == "" {
			return nil, usageErrorf("invalid --expect %q: expected format name=signature", e)
		}
		out[name] = sig
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// errNoUnit is returned when neither the manifest nor the flags name a unit.
var errNoUnit = errors.New("no unit name; set [unit] name in gradlink.toml or pass --unit")

func requireUnit(cfg pipeline.Config) error {
	if strings.TrimSpace(cfg.Unit) == "" {
		return &usageError{err: errNoUnit}
	}
	return nil
}

func describe(cfg pipeline.Config) string {
	return fmt.Sprintf("unit %s, %d function(s)", cfg.Unit, len(cfg.Functions))
}
