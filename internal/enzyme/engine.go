// Package enzyme adapts the Enzyme automatic differentiation engine. The
// engine is consumed through the Engine interface; PluginEngine drives the
// LLVMEnzyme opt plugin and enzymetest.Fake synthesizes results for tests.
package enzyme

import (
	"context"
	"errors"

	"github.com/kyleseneker/gradlink/internal/irmod"
)

// ErrReleased is returned when a handle is used or released after Release.
var ErrReleased = errors.New("engine handle already released")

// DiffeType is the engine's activity for an argument or return value.
type DiffeType int

const (
	// DiffeDuplicated arguments carry a shadow argument.
	DiffeDuplicated DiffeType = iota
	// DiffeActive values are differentiated; active arguments return their
	// gradient.
	DiffeActive
	// DiffeConstant values are not differentiated.
	DiffeConstant
)

func (d DiffeType) String() string {
	switch d {
	case DiffeDuplicated:
		return "duplicated"
	case DiffeActive:
		return "active"
	case DiffeConstant:
		return "constant"
	}
	return "unknown"
}

// Mode is the derivative mode requested from the engine.
type Mode int

const (
	// CombinedForwardReverse produces one function running the forward and
	// reverse passes.
	CombinedForwardReverse Mode = iota
)

// TypeTree is a type hint for one value. Empty trees let the engine infer
// types itself.
type TypeTree struct {
	Offsets []int64
}

// Debug holds the engine's diagnostic print toggles.
type Debug struct {
	PrintActivity  bool
	PrintType      bool
	PrintFunctions bool
}

// Request is everything the engine needs to differentiate one function.
type Request struct {
	Args         []DiffeType
	Return       DiffeType
	RetainPrimal bool
	Mode         Mode
	ArgTypes     []TypeTree
	RetType      TypeTree
	KnownValues  [][]int64
	Uncacheable  []bool
	Debug        Debug
}

// Engine produces derivative functions inside a module. Differentiate
// returns a zero Func when the engine yields no function.
type Engine interface {
	CreateLogic(optimize bool) (*Logic, error)
	CreateTypeAnalysis(logic *Logic, triple string) (*TypeAnalysis, error)
	Differentiate(ctx context.Context, logic *Logic, mod *irmod.Module, fn irmod.Func, req Request, ta *TypeAnalysis) (irmod.Func, error)
}

type releaser struct {
	released bool
}

// Release frees the handle. A second call returns ErrReleased.
func (r *releaser) Release() error {
	if r.released {
		return ErrReleased
	}
	r.released = true
	return nil
}

// Released reports whether Release was called.
func (r *releaser) Released() bool { return r.released }

// Logic is the engine's per-build differentiation state.
type Logic struct {
	releaser
	optimize bool
}

// NewLogic returns a live Logic handle.
func NewLogic(optimize bool) *Logic { return &Logic{optimize: optimize} }

// Optimize reports whether post-differentiation optimization is enabled.
func (l *Logic) Optimize() bool { return l.optimize }

// TypeAnalysis is the engine's type analysis for one target.
type TypeAnalysis struct {
	releaser
	triple string
}

// NewTypeAnalysis returns a live TypeAnalysis handle.
func NewTypeAnalysis(triple string) *TypeAnalysis { return &TypeAnalysis{triple: triple} }

// Triple is the target the analysis was created for.
func (t *TypeAnalysis) Triple() string { return t.triple }

// CheckHandles returns ErrReleased if either handle is nil or released.
func CheckHandles(l *Logic, ta *TypeAnalysis) error {
	if l == nil || l.Released() || ta == nil || ta.Released() {
		return ErrReleased
	}
	return nil
}
