package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunExitCodes(t *testing.T) {
	chdir(t, t.TempDir())
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unknown flag", []string{"--unknown-flag"}, 2},
		{"unknown command", []string{"frobnicate"}, 2},
		{"doctor parse error", []string{"doctor", "--unknown-flag"}, 2},
		{"link without functions", []string{"link", "--unit", "example"}, 2},
		{"init without name", []string{"init"}, 2},
		{"version with argument", []string{"version", "extra"}, 2},
		{
			"pipeline error (missing tool)",
			[]string{"--function", "f:d_f::none", "--unit", "example", "-o", t.TempDir(),
				"--llvm-link", "/does/not/exist/llvm-link"},
			1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errOut bytes.Buffer
			code := Run(context.Background(), tt.args, nil, &errOut)
			assert.Equal(t, tt.want, code, errOut.String())
			assert.Contains(t, errOut.String(), "error: ")
		})
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var errOut bytes.Buffer
	code := Run(context.Background(), nil, nil, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Usage:")
	for _, sub := range []string{"link", "build", "doctor", "init", "phase", "version"} {
		assert.Contains(t, errOut.String(), sub)
	}
}

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	code := Run(context.Background(), []string{"--help"}, &out, nil)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "gradlink")

	out.Reset()
	code = Run(context.Background(), []string{"link", "--help"}, &out, nil)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "--function")
	assert.Contains(t, out.String(), "--search-root")
}

func TestRunVersion(t *testing.T) {
	old := Version
	Version = "v0.1.0-test"
	t.Cleanup(func() { Version = old })

	for _, args := range [][]string{{"version"}, {"--version"}} {
		var out bytes.Buffer
		assert.Equal(t, 0, Run(context.Background(), args, &out, nil), args)
		assert.Equal(t, "gradlink v0.1.0-test\n", out.String(), args)
	}
}

func TestRunMissingToolSuggestsDoctor(t *testing.T) {
	chdir(t, t.TempDir())
	var errOut bytes.Buffer
	code := Run(context.Background(), []string{"link", "--function", "f:d_f::none", "--unit", "example",
		"-o", t.TempDir(), "--llc", "/does/not/exist/llc"}, nil, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "[TOOL_NOT_FOUND]")
	assert.Contains(t, errOut.String(), "run `gradlink doctor`")
}
