package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func versionTools(t *testing.T, version string) []string {
	t.Helper()
	dir := t.TempDir()
	script := "echo 'LLVM version " + version + "'\n"
	return []string{
		"--llvm-link", makeFakeTool(t, dir, "llvm-link", script),
		"--opt", makeFakeTool(t, dir, "opt", script),
		"--llc", makeFakeTool(t, dir, "llc", script),
		"--llvm-ar", makeFakeTool(t, dir, "llvm-ar", script),
	}
}

func TestDoctor(t *testing.T) {
	env := newCLIEnv(t)
	plugin := filepath.Join(env.dir, "LLVMEnzyme-14.so")

	code, stdout, stderr := env.run(t, append([]string{"doctor", "--plugin", plugin}, versionTools(t, "14.0.6")...)...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "gradlink doctor")
	assert.Contains(t, stdout, "LLVM version 14.0.6")
	assert.Contains(t, stdout, "enzyme: built for LLVM 14")
}

func TestDoctorPluginPrecedence(t *testing.T) {
	env := newCLIEnv(t)
	env.writeManifest(t, `
[unit]
name = "example"

[engine]
plugin = "/nowhere/LLVMEnzyme-14.so"

[[function]]
source = "square"
derivative = "d_square"
`)
	tools := versionTools(t, "14.0.6")

	code, stdout, _ := env.run(t, append([]string{"doctor"}, tools...)...)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "/nowhere/LLVMEnzyme-14.so (missing)")

	plugin := filepath.Join(env.dir, "LLVMEnzyme-14.so")
	code, stdout, _ = env.run(t, append([]string{"doctor", "--plugin", plugin}, tools...)...)
	require.Equal(t, 0, code)
	assert.NotContains(t, stdout, "(missing)")
	assert.Contains(t, stdout, "built for LLVM 14")
}

func TestDoctorPluginFromEnvironment(t *testing.T) {
	env := newCLIEnv(t)
	plugin := filepath.Join(env.dir, "LLVMEnzyme-14.so")
	t.Setenv("GRADLINK_ENZYME_PLUGIN", plugin)

	code, stdout, _ := env.run(t, append([]string{"doctor"}, versionTools(t, "16.0.0")...)...)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "typed-pointer")
	assert.Contains(t, stdout, "Enzyme plugin was built for LLVM 14 but the tools are LLVM 16")
}

func TestDoctorMissingTool(t *testing.T) {
	env := newCLIEnv(t)
	code, _, stderr := env.run(t, "doctor", "--opt", filepath.Join(os.TempDir(), "gradlink-missing", "opt"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "error: ")
}
