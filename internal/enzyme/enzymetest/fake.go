// Package enzymetest provides an in-process stand-in for the Enzyme engine.
package enzymetest

import (
	"context"
	"fmt"

	"github.com/llir/llvm/ir/types"

	"github.com/kyleseneker/gradlink/internal/enzyme"
	"github.com/kyleseneker/gradlink/internal/irmod"
)

// Call records one Differentiate request.
type Call struct {
	Source  string
	Request enzyme.Request
}

// Fake synthesizes a derivative named "diffe<source>" with the shape Enzyme
// would give it: the source parameters plus a shadow after each duplicated
// one, returning a struct of the primal (when retained) followed by one
// gradient per active argument, or void when there is nothing to return.
// The body returns zero.
type Fake struct {
	// FailFor makes Differentiate return a zero Func for these sources.
	FailFor map[string]bool
	// Returns overrides the synthesized return type per source.
	Returns map[string]types.Type

	Calls    []Call
	Logics   []*enzyme.Logic
	Analyses []*enzyme.TypeAnalysis
}

var _ enzyme.Engine = (*Fake)(nil)

func (f *Fake) CreateLogic(optimize bool) (*enzyme.Logic, error) {
	l := enzyme.NewLogic(optimize)
	f.Logics = append(f.Logics, l)
	return l, nil
}

func (f *Fake) CreateTypeAnalysis(logic *enzyme.Logic, triple string) (*enzyme.TypeAnalysis, error) {
	if logic == nil || logic.Released() {
		return nil, enzyme.ErrReleased
	}
	ta := enzyme.NewTypeAnalysis(triple)
	f.Analyses = append(f.Analyses, ta)
	return ta, nil
}

func (f *Fake) Differentiate(_ context.Context, logic *enzyme.Logic, mod *irmod.Module, fn irmod.Func, req enzyme.Request, ta *enzyme.TypeAnalysis) (irmod.Func, error) {
	if err := enzyme.CheckHandles(logic, ta); err != nil {
		return irmod.Func{}, err
	}
	source, err := mod.Name(fn)
	if err != nil {
		return irmod.Func{}, err
	}
	f.Calls = append(f.Calls, Call{Source: source, Request: req})
	if f.FailFor[source] {
		return irmod.Func{}, nil
	}

	sig, err := mod.Signature(fn)
	if err != nil {
		return irmod.Func{}, err
	}
	if len(req.Args) != len(sig.Params) {
		return irmod.Func{}, fmt.Errorf("%d activities for %d parameters", len(req.Args), len(sig.Params))
	}

	var params, fields []types.Type
	if req.RetainPrimal && !sig.IsVoid() {
		fields = append(fields, sig.Ret)
	}
	for i, p := range sig.Params {
		params = append(params, p)
		switch req.Args[i] {
		case enzyme.DiffeDuplicated:
			params = append(params, p)
		case enzyme.DiffeActive:
			fields = append(fields, p)
		}
	}

	var ret types.Type = types.Void
	if len(fields) > 0 {
		ret = types.NewStruct(fields...)
	}
	if t, ok := f.Returns[source]; ok {
		ret = t
	}

	fb, err := mod.NewFunction("diffe"+source, irmod.Signature{Ret: ret, Params: params})
	if err != nil {
		return irmod.Func{}, err
	}
	entry := fb.Entry("entry")
	if types.Equal(ret, types.Void) {
		return fb.Finish(entry.RetVoid())
	}
	return fb.Finish(entry.Ret(irmod.Zero(ret)))
}

// Released reports whether every handle handed out was released exactly once.
func (f *Fake) Released() bool {
	for _, l := range f.Logics {
		if !l.Released() {
			return false
		}
	}
	for _, ta := range f.Analyses {
		if !ta.Released() {
			return false
		}
	}
	return true
}
