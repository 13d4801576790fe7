package llvm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBinary(t *testing.T) {
	for _, p := range []string{
		"/usr/bin/opt", "/usr/local/bin/llc", "/usr/bin/llvm-link-14",
		"/usr/bin/clang", "/usr/bin/rustc", "/usr/lib/llvm-14/bin/llvm-objcopy",
		"/usr/bin/llvm-ar-13.0.1",
	} {
		assert.NoError(t, ValidateBinary(p), p)
	}
	for _, p := range []string{
		"/bin/sh;rm -rf /", "/bin/opt|cat", "/tmp/opt$HOME", "/tmp/opt`id`",
		"/usr/bin/gcc", "/usr/bin/opt-", "/usr/bin/opt-14.", "/usr/bin/opt-14a", "/usr/bin/optimizer",
	} {
		assert.Error(t, ValidateBinary(p), p)
	}
}

func TestRun(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		res, err := Run(context.Background(), 5*time.Second, "/bin/echo", "hello")
		require.NoError(t, err)
		assert.Equal(t, "hello\n", res.Stdout)
		assert.Equal(t, "/bin/echo hello", res.Command)
		assert.Equal(t, 0, res.ExitCode)
	})

	t.Run("default timeout", func(t *testing.T) {
		res, err := Run(context.Background(), 0, "/bin/echo", "ok")
		require.NoError(t, err)
		assert.Equal(t, "ok\n", res.Stdout)
	})

	t.Run("failure keeps output", func(t *testing.T) {
		res, err := Run(context.Background(), 5*time.Second, "/bin/sh", "-c", "echo err >&2; exit 3")
		require.Error(t, err)
		assert.Equal(t, "err\n", res.Stderr)
		assert.Equal(t, 3, res.ExitCode)
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := Run(context.Background(), 10*time.Millisecond, "/bin/sh", "-c", "sleep 1")
		assert.ErrorContains(t, err, "timed out")
	})

	t.Run("minimal environment", func(t *testing.T) {
		t.Setenv("GRADLINK_SECRET", "leak")
		res, err := Run(context.Background(), 5*time.Second, "/bin/sh", "-c", `echo "${GRADLINK_SECRET:-none} $LC_ALL"`)
		require.NoError(t, err)
		assert.Equal(t, "none C\n", res.Stdout)
	})
}

func TestFormatCommand(t *testing.T) {
	assert.Equal(t, "llc -filetype=obj 'input file.ll' '' 'it'\"'\"'s'",
		formatCommand("llc", []string{"-filetype=obj", "input file.ll", "", "it's"}))
}
