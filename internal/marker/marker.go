// Package marker implements the zero-byte sentinel that tells a build
// script which of its two invocations is running.
package marker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Name is the sentinel's file name inside the build output directory.
const Name = "gradlink-done"

// Phase is the build script invocation being run.
type Phase int

const (
	// First runs before the derivative archive exists.
	First Phase = iota
	// Second runs after it has been produced.
	Second
)

func (p Phase) String() string {
	if p == Second {
		return "second"
	}
	return "first"
}

// Path returns the sentinel path in dir.
func Path(dir string) string {
	return filepath.Join(dir, Name)
}

// Advance reports the current phase and moves to the next one: the sentinel
// is created when absent and consumed when present.
func Advance(dir string) (Phase, error) {
	path := Path(dir)
	err := os.Remove(path)
	if err == nil {
		return Second, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return First, fmt.Errorf("consume marker: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return First, fmt.Errorf("create marker directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return First, fmt.Errorf("create marker: %w", err)
	}
	return First, f.Close()
}
