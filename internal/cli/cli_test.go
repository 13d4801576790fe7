package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const mergedIR = `
define double @square(double %x) {
entry:
  %y = fmul double %x, %x
  ret double %y
}

define double @slope_at(double %x) {
entry:
  %r = call double @d_square(double %x)
  ret double %r
}

declare double @d_square(double)
`

// enzymeOutIR is what the fake Enzyme pass writes back: the merged module
// plus the generated derivative, called from the shim.
const enzymeOutIR = mergedIR + `
define internal { double } @diffesquare(double %x) {
entry:
  %d = fmul double %x, 2.0
  %r = insertvalue { double } undef, double %d, 0
  ret { double } %r
}

define void @__gradlink_shim_square(double %arg0) {
fnc_entry:
  %r = call { double } @diffesquare(double %arg0)
  ret void
}
`

// makeFakeTool creates a shell script in dir and returns its absolute path.
func makeFakeTool(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

const outArg = `out=""
for arg in "$@"; do case "$arg" in -o) n=1;; *) if [ "${n:-}" = 1 ]; then out="$arg"; n=0; fi;; esac; done
`

// cliEnv is a project directory with fake LLVM tools and the flags that
// point gradlink at them.
type cliEnv struct {
	dir   string
	deps  string
	out   string
	flags []string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	tools := filepath.Join(dir, "tools")
	deps := filepath.Join(dir, "target", "deps")
	out := filepath.Join(dir, "target")
	require.NoError(t, os.MkdirAll(tools, 0o755))
	require.NoError(t, os.MkdirAll(deps, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(deps, "example-1a2b.bc"), []byte("BC"), 0o644))

	merged := filepath.Join(dir, "merged.ll")
	require.NoError(t, os.WriteFile(merged, []byte(mergedIR), 0o644))
	enzymeOut := filepath.Join(dir, "enzyme-out.ll")
	require.NoError(t, os.WriteFile(enzymeOut, []byte(enzymeOutIR), 0o644))
	obj := filepath.Join(dir, "obj.o")
	require.NoError(t, os.WriteFile(obj, []byte("OBJ"), 0o644))
	plugin := filepath.Join(dir, "LLVMEnzyme-14.so")
	require.NoError(t, os.WriteFile(plugin, nil, 0o644))

	for _, k := range []string{"OUT_DIR", "TARGET", "PROFILE", "GRADLINK_ENZYME_PLUGIN"} {
		t.Setenv(k, "")
	}
	chdir(t, dir)

	return &cliEnv{
		dir:  dir,
		deps: deps,
		out:  out,
		flags: []string{
			"--search-root", deps,
			"-o", out,
			"--target", "arm64-apple-darwin",
			"--plugin", plugin,
			"--llvm-link", makeFakeTool(t, tools, "llvm-link", outArg+fmt.Sprintf("cp %q \"$out\"\n", merged)),
			"--opt", makeFakeTool(t, tools, "opt", `case "$*" in *-passes=verify*) exit 0;; esac
`+outArg+fmt.Sprintf("cp %q \"$out\"\n", enzymeOut)),
			"--llc", makeFakeTool(t, tools, "llc", outArg+fmt.Sprintf("cp %q \"$out\"\n", obj)),
			"--llvm-ar", makeFakeTool(t, tools, "llvm-ar", `cp "$3" "$2"`+"\n"),
			"--llvm-objcopy", makeFakeTool(t, tools, "llvm-objcopy", "exit 0\n"),
		},
	}
}

func (e *cliEnv) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (e *cliEnv) writeManifest(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(e.dir, "gradlink.toml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}
