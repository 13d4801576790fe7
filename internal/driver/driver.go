// Package driver runs the differentiation engine over every requested
// function of a merged module.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/kyleseneker/gradlink/internal/diag"
	"github.com/kyleseneker/gradlink/internal/enzyme"
	"github.com/kyleseneker/gradlink/internal/fninfo"
	"github.com/kyleseneker/gradlink/internal/irmod"
	"github.com/kyleseneker/gradlink/internal/logx"
)

// ErrDifferentiationFailed is matched by every FailedError.
var ErrDifferentiationFailed = errors.New("differentiation failed")

// FailedError reports that the engine produced no function for Source.
type FailedError struct {
	Source string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("engine returned no derivative for %q", e.Source)
}

func (e *FailedError) Is(target error) bool { return target == ErrDifferentiationFailed }

// Options configures a Driver.
type Options struct {
	// Release enables the engine's post-differentiation optimization.
	Release bool
	Triple  string
	Debug   enzyme.Debug
	Log     *logx.Logger
}

// Driver feeds functions to an engine one at a time.
type Driver struct {
	engine enzyme.Engine
	opts   Options
}

// New returns a Driver using engine.
func New(engine enzyme.Engine, opts Options) *Driver {
	return &Driver{engine: engine, opts: opts}
}

// Result describes one generated function.
type Result struct {
	Info fninfo.FunctionInfo
	// Generated is the engine-chosen name of the new function.
	Generated string
	Func      irmod.Func
	Before    irmod.Signature
	After     irmod.Signature
}

// Differentiate asks the engine for a derivative of each function, in
// order. Handles in the results are valid for mod as it is on return.
func (d *Driver) Differentiate(ctx context.Context, mod *irmod.Module, infos []fninfo.FunctionInfo) (_ []Result, err error) {
	logic, err := d.engine.CreateLogic(d.opts.Release)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.Join(err, logic.Release()) }()

	ta, err := d.engine.CreateTypeAnalysis(logic, d.opts.Triple)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.Join(err, ta.Release()) }()

	results := make([]Result, 0, len(infos))
	for _, info := range infos {
		res, err := d.one(ctx, logic, ta, mod, info)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	// The engine may have reloaded the module between calls.
	for i := range results {
		f, err := mod.Func(results[i].Generated)
		if err != nil {
			return nil, fmt.Errorf("resolve generated %s: %w", results[i].Generated, err)
		}
		results[i].Func = f
	}
	return results, nil
}

func (d *Driver) one(ctx context.Context, logic *enzyme.Logic, ta *enzyme.TypeAnalysis, mod *irmod.Module, info fninfo.FunctionInfo) (Result, error) {
	source := info.SourceName()
	fn, err := mod.Func(source)
	if err != nil {
		return Result{}, &diag.Error{Stage: diag.StageDiff, Code: diag.CodeConfiguration,
			Err:  fmt.Errorf("source function %q: %w", source, err),
			Hint: "check the function names in gradlink.toml"}
	}
	before, err := mod.Signature(fn)
	if err != nil {
		return Result{}, err
	}

	req := BuildRequest(info, d.opts.Debug)
	d.opts.Log.Stage(diag.StageDiff, "%s: args %v, return %s, retain primal %t",
		source, req.Args, req.Return, req.RetainPrimal)

	gen, err := d.engine.Differentiate(ctx, logic, mod, fn, req, ta)
	if err != nil {
		return Result{}, err
	}
	if gen.IsZero() {
		return Result{}, diag.New(diag.StageDiff, &FailedError{Source: source}, "", "",
			"run with --print-activity to see how the engine analyzed "+source)
	}
	name, err := mod.Name(gen)
	if err != nil {
		return Result{}, err
	}
	after, err := mod.Signature(gen)
	if err != nil {
		return Result{}, err
	}
	d.opts.Log.Stage(diag.StageDiff, "%s -> %s: %s", source, name, after)
	return Result{Info: info, Generated: name, Before: before, After: after}, nil
}

// BuildRequest translates a FunctionInfo into an engine request with empty
// type trees, no known values and nothing marked uncacheable.
func BuildRequest(info fninfo.FunctionInfo, debug enzyme.Debug) enzyme.Request {
	acts := info.Activities()
	ret, retain := ReturnActivity(info.Return())
	req := enzyme.Request{
		Args:         make([]enzyme.DiffeType, len(acts)),
		Return:       ret,
		RetainPrimal: retain,
		Mode:         enzyme.CombinedForwardReverse,
		ArgTypes:     make([]enzyme.TypeTree, len(acts)),
		KnownValues:  make([][]int64, len(acts)),
		Uncacheable:  make([]bool, len(acts)),
		Debug:        debug,
	}
	for i, a := range acts {
		req.Args[i] = ArgActivity(a)
	}
	return req
}

// ReturnActivity maps a return mode to the engine's return activity and
// whether the primal value is kept.
func ReturnActivity(r fninfo.ReturnMode) (enzyme.DiffeType, bool) {
	switch r {
	case fninfo.ReturnActive:
		return enzyme.DiffeActive, true
	case fninfo.ReturnGradient:
		return enzyme.DiffeActive, false
	case fninfo.ReturnConstant:
		return enzyme.DiffeConstant, true
	default:
		return enzyme.DiffeConstant, false
	}
}

// ArgActivity maps a parameter activity to the engine's.
func ArgActivity(a fninfo.Activity) enzyme.DiffeType {
	switch a {
	case fninfo.Duplicated:
		return enzyme.DiffeDuplicated
	case fninfo.Active:
		return enzyme.DiffeActive
	default:
		return enzyme.DiffeConstant
	}
}
