package marker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvance(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")

	p, err := Advance(dir)
	require.NoError(t, err)
	assert.Equal(t, First, p)
	assert.FileExists(t, Path(dir))
	info, err := os.Stat(Path(dir))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	p, err = Advance(dir)
	require.NoError(t, err)
	assert.Equal(t, Second, p)
	assert.NoFileExists(t, Path(dir), "marker is consumed")

	p, err = Advance(dir)
	require.NoError(t, err)
	assert.Equal(t, First, p, "cycle restarts")
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "first", First.String())
	assert.Equal(t, "second", Second.String())
}
