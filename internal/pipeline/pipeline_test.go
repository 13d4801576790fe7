package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleseneker/gradlink/internal/abi"
	"github.com/kyleseneker/gradlink/internal/diag"
	"github.com/kyleseneker/gradlink/internal/driver"
	"github.com/kyleseneker/gradlink/internal/emit"
	"github.com/kyleseneker/gradlink/internal/enzyme/enzymetest"
	"github.com/kyleseneker/gradlink/internal/fninfo"
	"github.com/kyleseneker/gradlink/internal/linkage"
	"github.com/kyleseneker/gradlink/internal/llvm"
	"github.com/kyleseneker/gradlink/internal/logx"
)

// mergedIR is what the fake llvm-link produces: two sources, a caller of
// one derivative and placeholders for both.
const mergedIR = `
%Out = type { double, double, double }

define double @square(double %x) {
entry:
  %y = fmul double %x, %x
  ret double %y
}

define double @dot3(double %a, double %b, double %c) {
entry:
  ret double %a
}

define double @caller(double %x) {
entry:
  %r = call double @d_square(double %x)
  ret double %r
}

declare double @d_square(double)

declare void @d_dot3(%Out*, double, double, double)
`

const noPlaceholderIR = `
define double @square(double %x) {
entry:
  %y = fmul double %x, %x
  ret double %y
}
`

const darwin = "arm64-apple-darwin"

// makeFakeTool creates a shell script in dir and returns its absolute path.
func makeFakeTool(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

// copyFixtureScript copies fixture to the -o output.
func copyFixtureScript(fixture string) string {
	return fmt.Sprintf(`out=""
for arg in "$@"; do case "$arg" in -o) n=1;; *) if [ "${n:-}" = 1 ]; then out="$arg"; n=0; fi;; esac; done
cp %q "$out"
`, fixture)
}

// pipelineEnv holds a fake toolchain, an artifact directory and a config
// wired to both.
type pipelineEnv struct {
	dir     string
	objcopy string
	fake    *enzymetest.Fake
	log     *bytes.Buffer
	cfg     Config
}

func newPipelineEnv(t *testing.T, ir string) *pipelineEnv {
	t.Helper()
	dir := t.TempDir()
	tools := filepath.Join(dir, "tools")
	deps := filepath.Join(dir, "out", "deps")
	require.NoError(t, os.MkdirAll(tools, 0o755))
	require.NoError(t, os.MkdirAll(deps, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(deps, "example-abc.bc"), []byte("BC"), 0o644))

	merged := filepath.Join(dir, "merged.ll")
	require.NoError(t, os.WriteFile(merged, []byte(ir), 0o644))
	object := filepath.Join(dir, "object.o")
	require.NoError(t, os.WriteFile(object, []byte("OBJ"), 0o644))
	objcopyArgs := filepath.Join(dir, "objcopy-args.txt")

	fake := &enzymetest.Fake{}
	var buf bytes.Buffer
	return &pipelineEnv{
		dir:     dir,
		objcopy: objcopyArgs,
		fake:    fake,
		log:     &buf,
		cfg: Config{
			Unit:      "example",
			OutputDir: filepath.Join(dir, "out"),
			Functions: []fninfo.FunctionInfo{
				fninfo.New("square", "d_square", []fninfo.Activity{fninfo.Active}, fninfo.ReturnGradient),
				fninfo.New("dot3", "d_dot3",
					[]fninfo.Activity{fninfo.Active, fninfo.Active, fninfo.Active}, fninfo.ReturnGradient),
			},
			Target: emit.Target{Triple: darwin, CPU: "generic"},
			Engine: fake,
			Tools: llvm.ToolOverrides{
				LLVMLink: makeFakeTool(t, tools, "llvm-link", copyFixtureScript(merged)),
				Opt:      makeFakeTool(t, tools, "opt", "exit 0\n"),
				LLC:      makeFakeTool(t, tools, "llc", copyFixtureScript(object)),
				LLVMAr:   makeFakeTool(t, tools, "llvm-ar", `cp "$3" "$2"`+"\n"),
				Objcopy:  makeFakeTool(t, tools, "llvm-objcopy", fmt.Sprintf("echo \"$@\" > %q\n", objcopyArgs)),
			},
			Timeout: 10 * time.Second,
			Log:     logx.New(&buf, logx.Verbose),
		},
	}
}

func TestRun(t *testing.T) {
	env := newPipelineEnv(t, mergedIR)
	env.cfg.KeepTemp = true

	a, err := Run(context.Background(), env.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(a.TempDir) })

	assert.Equal(t, filepath.Join(env.cfg.OutputDir, "libexample.a"), a.Archive)
	data, err := os.ReadFile(a.Archive)
	require.NoError(t, err)
	assert.Equal(t, "OBJ", string(data))

	require.Len(t, a.Reports, 2)
	assert.Equal(t, abi.ExtractScalar, a.Reports[0].Strategy)
	assert.Equal(t, abi.MoveReturnIntoArgs, a.Reports[1].Strategy)

	final, err := os.ReadFile(a.Final)
	require.NoError(t, err)
	ir := string(final)
	assert.Contains(t, ir, "define double @d_square(")
	assert.Contains(t, ir, "define void @d_dot3(")
	assert.Contains(t, ir, "define internal double @square(")
	assert.Contains(t, ir, "define internal double @caller(")
	assert.Contains(t, ir, "call double @d_square(")
	assert.NotContains(t, ir, "declare double @d_square")
	assert.NotContains(t, ir, "__gradlink_pending_")

	assert.NoFileExists(t, env.objcopy, "no helper symbol to localize")

	assert.True(t, env.fake.Released(), "engine handles released")
	require.Len(t, env.fake.Calls, 2)
	assert.Equal(t, "square", env.fake.Calls[0].Source)
	assert.Contains(t, env.log.String(), "[reconcile]")
}

func TestRunExpectFromManifest(t *testing.T) {
	env := newPipelineEnv(t, noPlaceholderIR)
	env.cfg.Functions = env.cfg.Functions[:1]

	t.Run("declared from expect", func(t *testing.T) {
		cfg := env.cfg
		cfg.Expect = map[string]string{"d_square": "double (double)"}
		a, err := Run(context.Background(), cfg)
		require.NoError(t, err)
		require.Len(t, a.Reports, 1)
		assert.Equal(t, abi.ExtractScalar, a.Reports[0].Strategy)
	})

	t.Run("missing placeholder", func(t *testing.T) {
		_, err := Run(context.Background(), env.cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, linkage.ErrSymbolNotFound)
		assert.Equal(t, diag.CodeConfiguration, diag.CodeOf(err))
	})

	t.Run("unparseable expect", func(t *testing.T) {
		cfg := env.cfg
		cfg.Expect = map[string]string{"d_square": "double ("}
		_, err := Run(context.Background(), cfg)
		require.Error(t, err)
		assert.Equal(t, diag.CodeConfiguration, diag.CodeOf(err))
	})
}

func TestRunExpectConflict(t *testing.T) {
	env := newPipelineEnv(t, mergedIR)
	env.cfg.Expect = map[string]string{"d_square": "float (float)"}
	_, err := Run(context.Background(), env.cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "but the module declares")
}

func TestRunRegistryViolation(t *testing.T) {
	env := newPipelineEnv(t, mergedIR)
	env.cfg.Functions = []fninfo.FunctionInfo{
		fninfo.New("square", "d_square", nil, fninfo.ReturnGradient),
	}
	_, err := Run(context.Background(), env.cfg)
	require.Error(t, err)
	assert.True(t, diag.IsStage(err, diag.StageRegistry))
	assert.ErrorIs(t, err, fninfo.ErrInvalid)
	assert.Contains(t, err.Error(), "give one activity per parameter")
	assert.Empty(t, env.fake.Calls, "engine never runs on an invalid registry")
}

func TestRunStaticDeclarationErrors(t *testing.T) {
	env := newPipelineEnv(t, mergedIR)
	env.cfg.Functions = []fninfo.FunctionInfo{
		fninfo.New("square", "d", []fninfo.Activity{fninfo.Active}, fninfo.ReturnGradient),
		fninfo.New("dot3", "d", []fninfo.Activity{fninfo.Active}, fninfo.ReturnGradient),
	}
	env.cfg.Tools.LLVMLink = makeFakeTool(t, env.dir, "llvm-link", "exit 1\n")

	_, err := Run(context.Background(), env.cfg)
	require.Error(t, err)
	assert.True(t, diag.IsStage(err, diag.StageRegistry), "rejected before linking")
	assert.Contains(t, err.Error(), "square")
	assert.Contains(t, err.Error(), "dot3")
}

func TestRunMissingSource(t *testing.T) {
	env := newPipelineEnv(t, mergedIR)
	env.cfg.Functions = []fninfo.FunctionInfo{
		fninfo.New("cube", "d_cube", []fninfo.Activity{fninfo.Active}, fninfo.ReturnGradient),
	}
	_, err := Run(context.Background(), env.cfg)
	require.Error(t, err)
	assert.Equal(t, diag.CodeConfiguration, diag.CodeOf(err))
	assert.Contains(t, err.Error(), `"cube"`)
}

func TestRunDifferentiationFailed(t *testing.T) {
	env := newPipelineEnv(t, mergedIR)
	env.fake.FailFor = map[string]bool{"dot3": true}
	_, err := Run(context.Background(), env.cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, driver.ErrDifferentiationFailed)
	assert.Equal(t, diag.CodeEngine, diag.CodeOf(err))
	assert.True(t, env.fake.Released())
}

func TestRunUnhandledMismatch(t *testing.T) {
	ir := `
define double @square(double %x) {
entry:
  ret double %x
}

declare i32 @d_square(double)
`
	env := newPipelineEnv(t, ir)
	env.cfg.Functions = env.cfg.Functions[:1]
	_, err := Run(context.Background(), env.cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, abi.ErrUnhandledMismatch)
	assert.True(t, diag.IsStage(err, diag.StageReconcile))
	assert.Equal(t, diag.CodeAbiReconciliation, diag.CodeOf(err))
}

func TestRunMissingPlugin(t *testing.T) {
	env := newPipelineEnv(t, mergedIR)
	env.cfg.Engine = nil
	_, err := Run(context.Background(), env.cfg)
	require.Error(t, err)
	assert.Equal(t, diag.CodeConfiguration, diag.CodeOf(err))
	assert.Contains(t, err.Error(), "no Enzyme plugin configured")
}

func TestRunValidatesELFObjects(t *testing.T) {
	env := newPipelineEnv(t, mergedIR)
	env.cfg.Target = emit.Target{Triple: "x86_64-unknown-linux-gnu", CPU: "x86-64"}
	_, err := Run(context.Background(), env.cfg)
	require.Error(t, err)
	assert.True(t, diag.IsStage(err, diag.StageValidate))
}

func TestRunNoLocalize(t *testing.T) {
	env := newPipelineEnv(t, mergedIR)
	env.cfg.Localize = []string{}
	env.cfg.Tools.Objcopy = ""
	_, err := Run(context.Background(), env.cfg)
	require.NoError(t, err)
	_, err = os.Stat(env.objcopy)
	assert.ErrorIs(t, err, os.ErrNotExist, "objcopy not run")
}

func TestRunDumpIR(t *testing.T) {
	env := newPipelineEnv(t, mergedIR)
	env.cfg.TempDir = filepath.Join(env.dir, "work")
	env.cfg.DumpIR = true

	a, err := Run(context.Background(), env.cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.cfg.TempDir, "dump-ir"), a.DumpIRDir)
	for _, name := range []string{"02-differentiated.ll", "03-reconciled.ll", "04-curated.ll"} {
		assert.FileExists(t, filepath.Join(a.DumpIRDir, name))
	}
	assert.FileExists(t, filepath.Join(env.cfg.TempDir, "01-merged.ll"), "explicit temp dir is kept")
}

func TestRunTempDirRemoved(t *testing.T) {
	env := newPipelineEnv(t, mergedIR)
	a, err := Run(context.Background(), env.cfg)
	require.NoError(t, err)
	_, err = os.Stat(a.TempDir)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateConfig(t *testing.T) {
	base := func() Config {
		return Config{
			Unit:      "example",
			OutputDir: "/out",
			Functions: []fninfo.FunctionInfo{fninfo.New("f", "d_f", nil, fninfo.ReturnNone)},
		}
	}

	cfg := base()
	require.NoError(t, validateConfig(&cfg))
	assert.Equal(t, "/out/deps", cfg.SearchRoot)
	assert.Equal(t, emit.DefaultLocalize, cfg.Localize)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.NotEmpty(t, cfg.Target.Triple)

	cfg = base()
	cfg.Inputs = []string{"/x/example.bc"}
	require.NoError(t, validateConfig(&cfg))
	assert.Empty(t, cfg.SearchRoot)

	for name, mutate := range map[string]func(*Config){
		"no unit":       func(c *Config) { c.Unit = " " },
		"no functions":  func(c *Config) { c.Functions = nil },
		"no output dir": func(c *Config) { c.OutputDir = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			err := validateConfig(&cfg)
			require.Error(t, err)
			assert.True(t, diag.IsStage(err, diag.StageManifest))
		})
	}
}

// reduceIR has an array reduction whose derivative takes a shadow array and
// hands the primal result back undifferentiated.
const reduceIR = `
define double @reduce_max(double* %x, i64 %n) {
entry:
  %v = load double, double* %x
  ret double %v
}

declare double @d_reduce_max(double*, double*, i64)
`

func TestRunShadowArrayConstantReturn(t *testing.T) {
	env := newPipelineEnv(t, reduceIR)
	env.cfg.KeepTemp = true
	env.cfg.Functions = []fninfo.FunctionInfo{
		fninfo.New("reduce_max", "d_reduce_max",
			[]fninfo.Activity{fninfo.Duplicated, fninfo.Constant}, fninfo.ReturnConstant),
	}

	a, err := Run(context.Background(), env.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(a.TempDir) })

	require.Len(t, env.fake.Calls, 1)
	assert.True(t, env.fake.Calls[0].Request.RetainPrimal, "constant return keeps the primal")

	require.Len(t, a.Reports, 1)
	r := a.Reports[0]
	assert.Equal(t, abi.ExtractScalar, r.Strategy)
	assert.Equal(t, "{ double } (double*, double*, i64)", r.Generated.String())
	assert.Equal(t, "double (double*, double*, i64)", r.Expected.String())

	final, err := os.ReadFile(a.Final)
	require.NoError(t, err)
	assert.Contains(t, string(final), "define double @d_reduce_max(double* %arg0, double* %arg1, i64 %arg2)")
}

func TestRegistryHint(t *testing.T) {
	for kind, want := range map[fninfo.Kind]string{
		fninfo.ArityMismatch:      "one activity per parameter",
		fninfo.CountMismatch:      "one activity per parameter",
		fninfo.ReturnModeMismatch: `return = "none"`,
		fninfo.DuplicateName:      "must be unique",
	} {
		list := &fninfo.ErrorList{Violations: []*fninfo.Violation{{Kind: kind}}}
		assert.Contains(t, registryHint(list), want, kind)
	}
	assert.Contains(t, registryHint(errors.New("other")), "must match each source signature")
}

func TestRunLocalizesToolchainHelpers(t *testing.T) {
	ir := mergedIR + `
module asm ".globl __rust_probestack"
module asm "__rust_probestack:"
module asm "ret"
`
	env := newPipelineEnv(t, ir)
	_, err := Run(context.Background(), env.cfg)
	require.NoError(t, err)

	args, err := os.ReadFile(env.objcopy)
	require.NoError(t, err)
	assert.Contains(t, string(args), "--localize-symbol=__rust_probestack")
}

func TestRunWithoutObjcopy(t *testing.T) {
	env := newPipelineEnv(t, mergedIR)
	env.cfg.Tools.Objcopy = ""
	// PATH offers cp for the fake tools and no llvm-objcopy.
	cp, err := exec.LookPath("cp")
	require.NoError(t, err)
	bin := t.TempDir()
	require.NoError(t, os.Symlink(cp, filepath.Join(bin, "cp")))
	t.Setenv("PATH", bin)

	_, err = Run(context.Background(), env.cfg)
	require.NoError(t, err, "the default localize list is skipped when the module lacks the symbols")
}
