// Package manifest loads gradlink.toml, the per-unit description of which
// functions to differentiate and how to build them.
package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/xyproto/env/v2"

	"github.com/kyleseneker/gradlink/internal/diag"
	"github.com/kyleseneker/gradlink/internal/fninfo"
	"github.com/kyleseneker/gradlink/internal/llvm"
)

// DefaultPath is the manifest file name looked up in the working directory.
const DefaultPath = "gradlink.toml"

// Manifest is the decoded gradlink.toml.
type Manifest struct {
	Unit      Unit       `toml:"unit"`
	Functions []Function `toml:"function"`
	Engine    Engine     `toml:"engine"`
	Target    Target     `toml:"target"`
	Archive   Archive    `toml:"archive"`
	Tools     Tools      `toml:"tools"`
	Build     Build      `toml:"build"`
}

// Unit names the compilation unit and where its bitcode lives.
type Unit struct {
	Name       string   `toml:"name"`
	SearchRoot string   `toml:"search_root"`
	Patterns   []string `toml:"patterns"`
	Inputs     []string `toml:"inputs"`
	OutputDir  string   `toml:"output_dir"`
	Release    bool     `toml:"release"`
}

// Function is one [[function]] table.
type Function struct {
	Source     string   `toml:"source"`
	Derivative string   `toml:"derivative"`
	Activities []string `toml:"activities"`
	Return     string   `toml:"return"`
	// Expect is the derivative's signature, "ret (params)", for modules
	// that do not declare it themselves.
	Expect string `toml:"expect"`
}

// Engine configures the Enzyme plugin.
type Engine struct {
	Plugin         string   `toml:"plugin"`
	PrintActivity  bool     `toml:"print_activity"`
	PrintType      bool     `toml:"print_type"`
	PrintFunctions bool     `toml:"print_functions"`
	ExtraFlags     []string `toml:"extra_flags"`
}

// Target overrides the host code generation target.
type Target struct {
	Triple   string `toml:"triple"`
	CPU      string `toml:"cpu"`
	Features string `toml:"features"`
}

// Archive configures static library packaging.
type Archive struct {
	// Localize lists symbols made local before archiving. Nil keeps the
	// default; an empty list disables localization.
	Localize []string `toml:"localize"`
}

// Tools holds explicit tool paths.
type Tools struct {
	LLVMLink string `toml:"llvm_link"`
	Opt      string `toml:"opt"`
	LLC      string `toml:"llc"`
	LLVMAr   string `toml:"llvm_ar"`
	Objcopy  string `toml:"llvm_objcopy"`
	Clang    string `toml:"clang"`
}

// Overrides converts the tool table to discovery overrides.
func (t Tools) Overrides() llvm.ToolOverrides {
	return llvm.ToolOverrides{
		LLVMLink: t.LLVMLink,
		Opt:      t.Opt,
		LLC:      t.LLC,
		LLVMAr:   t.LLVMAr,
		Objcopy:  t.Objcopy,
		Clang:    t.Clang,
	}
}

// Build configures the compile step of `gradlink build`.
type Build struct {
	Source string `toml:"source"`
	// Command is the compiler invocation; {src} and {out} are substituted.
	Command []string `toml:"command"`
}

// DefaultCompileCommand compiles C to bitcode with debug info.
var DefaultCompileCommand = []string{"clang", "-c", "-emit-llvm", "-g", "-O0", "{src}", "-o", "{out}"}

// Load decodes and checks the manifest at path.
func Load(path string) (*Manifest, error) {
	var m Manifest
	meta, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, manifestError(path, err, "check the TOML syntax")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, manifestError(path, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", ")),
			"remove or correct the listed keys")
	}
	if !meta.IsDefined("unit") {
		return nil, manifestError(path, errors.New("missing [unit] table"), "add a [unit] table with a name")
	}
	if !meta.IsDefined("unit", "name") || strings.TrimSpace(m.Unit.Name) == "" {
		return nil, manifestError(path, errors.New("missing unit.name"), "set [unit] name to the crate or library name")
	}
	if !meta.IsDefined("function") || len(m.Functions) == 0 {
		return nil, manifestError(path, errors.New("no [[function]] entries"),
			"declare at least one function to differentiate")
	}
	return &m, nil
}

func manifestError(path string, err error, hint string) error {
	return &diag.Error{Stage: diag.StageManifest, Code: diag.CodeConfiguration,
		Err: fmt.Errorf("%s: %w", path, err), Hint: hint}
}

// Environment variables read by ApplyEnv.
const (
	EnvOutDir  = "OUT_DIR"
	EnvTarget  = "TARGET"
	EnvProfile = "PROFILE"
	EnvPlugin  = "GRADLINK_ENZYME_PLUGIN"
)

// ApplyEnv fills settings the manifest leaves empty from the build
// environment.
func (m *Manifest) ApplyEnv() {
	if m.Unit.SearchRoot == "" {
		m.Unit.SearchRoot = env.Str(EnvOutDir)
	}
	if m.Unit.OutputDir == "" {
		m.Unit.OutputDir = env.Str(EnvOutDir)
	}
	if m.Target.Triple == "" {
		m.Target.Triple = env.Str(EnvTarget)
	}
	if !m.Unit.Release {
		m.Unit.Release = env.Str(EnvProfile) == "release"
	}
	if m.Engine.Plugin == "" {
		m.Engine.Plugin = env.Str(EnvPlugin)
	}
}

// FunctionInfos converts the [[function]] tables. Every malformed entry is
// reported.
func (m *Manifest) FunctionInfos() ([]fninfo.FunctionInfo, error) {
	infos := make([]fninfo.FunctionInfo, 0, len(m.Functions))
	var errs []error
	for i, f := range m.Functions {
		info, err := f.Info()
		if err != nil {
			errs = append(errs, fmt.Errorf("function[%d]: %w", i, err))
			continue
		}
		infos = append(infos, info)
	}
	if len(errs) > 0 {
		return nil, &diag.Error{Stage: diag.StageManifest, Code: diag.CodeConfiguration,
			Err: errors.Join(errs...), Hint: "activities are dup, out or const; see gradlink.toml"}
	}
	return infos, nil
}

// Info converts one function table.
func (f Function) Info() (fninfo.FunctionInfo, error) {
	acts := make([]fninfo.Activity, len(f.Activities))
	for i, s := range f.Activities {
		a, err := fninfo.ParseActivity(s)
		if err != nil {
			return fninfo.FunctionInfo{}, err
		}
		acts[i] = a
	}
	ret := fninfo.ReturnNone
	if f.Return != "" {
		r, err := fninfo.ParseReturnMode(f.Return)
		if err != nil {
			return fninfo.FunctionInfo{}, err
		}
		ret = r
	}
	return fninfo.New(f.Source, f.Derivative, acts, ret), nil
}

// ParseFunctionFlag parses the command-line form
// "source:derivative:act,act:return", e.g. "square:d_square:out:active".
// An empty activity list is written "source:derivative::none".
func ParseFunctionFlag(s string) (Function, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Function{}, fmt.Errorf("function %q: want source:derivative:activities:return", s)
	}
	f := Function{Source: parts[0], Derivative: parts[1], Return: parts[3]}
	if parts[2] != "" {
		f.Activities = strings.Split(parts[2], ",")
	}
	return f, nil
}
