package enzyme

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/llir/llvm/ir/types"

	"github.com/kyleseneker/gradlink/internal/diag"
	"github.com/kyleseneker/gradlink/internal/irmod"
	"github.com/kyleseneker/gradlink/internal/llvm"
)

// Marker globals understood by Enzyme's __enzyme_autodiff lowering.
const (
	markerDup          = "enzyme_dup"
	markerOut          = "enzyme_out"
	markerConst        = "enzyme_const"
	markerPrimalReturn = "enzyme_primal_return"
	markerConstReturn  = "enzyme_const_return"

	autodiffPrefix = "__enzyme_autodiff"
	shimPrefix     = "__gradlink_shim_"
	derivedPrefix  = "diffe"
)

var argMarkers = map[DiffeType]string{
	DiffeDuplicated: markerDup,
	DiffeActive:     markerOut,
	DiffeConstant:   markerConst,
}

// PluginEngine runs the Enzyme pass through opt with the LLVMEnzyme plugin.
// Each request adds a shim calling __enzyme_autodiff on the source function,
// runs the pass over the module, reloads it, and resolves the function the
// shim now calls.
type PluginEngine struct {
	Plugin  string
	Opt     string
	WorkDir string
	Runner  llvm.Runner
	Extra   []string
}

func (e *PluginEngine) CreateLogic(optimize bool) (*Logic, error) {
	if strings.TrimSpace(e.Plugin) == "" {
		return nil, &diag.Error{Stage: diag.StageDiff, Code: diag.CodeConfiguration,
			Err:  errors.New("no Enzyme plugin configured"),
			Hint: "set [engine] plugin in gradlink.toml or GRADLINK_ENZYME_PLUGIN"}
	}
	for _, f := range e.Extra {
		if err := llvm.ValidatePassFlag(f); err != nil {
			return nil, &diag.Error{Stage: diag.StageDiff, Code: diag.CodeConfiguration, Err: err,
				Hint: "check [engine] extra_flags in gradlink.toml"}
		}
	}
	return NewLogic(optimize), nil
}

func (e *PluginEngine) CreateTypeAnalysis(logic *Logic, triple string) (*TypeAnalysis, error) {
	if logic == nil || logic.Released() {
		return nil, ErrReleased
	}
	return NewTypeAnalysis(triple), nil
}

func (e *PluginEngine) Differentiate(ctx context.Context, logic *Logic, mod *irmod.Module, fn irmod.Func, req Request, ta *TypeAnalysis) (irmod.Func, error) {
	if err := CheckHandles(logic, ta); err != nil {
		return irmod.Func{}, err
	}
	source, err := mod.Name(fn)
	if err != nil {
		return irmod.Func{}, err
	}
	shim, err := addShim(mod, fn, source, req)
	if err != nil {
		return irmod.Func{}, fmt.Errorf("prepare %s: %w", source, err)
	}

	in := filepath.Join(e.WorkDir, fmt.Sprintf("02-diff-%s.in.ll", source))
	out := filepath.Join(e.WorkDir, fmt.Sprintf("02-diff-%s.out.ll", source))
	if err := mod.WriteFile(in); err != nil {
		return irmod.Func{}, err
	}
	args := llvm.BuildEngineArgs(in, out, llvm.EngineFlags{
		Plugin:         e.Plugin,
		Triple:         ta.Triple(),
		PostOptimize:   logic.Optimize(),
		PrintActivity:  req.Debug.PrintActivity,
		PrintType:      req.Debug.PrintType,
		PrintFunctions: req.Debug.PrintFunctions,
		Extra:          e.Extra,
	})
	if _, err := e.Runner.Stage(ctx, diag.StageDiff, e.Opt, args,
		fmt.Sprintf("Enzyme could not differentiate %s; rerun with --print-activity to inspect the activity analysis", source)); err != nil {
		return irmod.Func{}, err
	}
	if err := mod.Reload(out); err != nil {
		return irmod.Func{}, fmt.Errorf("reload after differentiating %s: %w", source, err)
	}
	return resolveDerivative(mod, shim, source)
}

// addShim declares the marker globals and __enzyme_autodiff and builds a
// function passing the source function and its arguments through them.
func addShim(mod *irmod.Module, fn irmod.Func, source string, req Request) (string, error) {
	sig, err := mod.Signature(fn)
	if err != nil {
		return "", err
	}
	if len(req.Args) != len(sig.Params) {
		return "", fmt.Errorf("%d activities for %d parameters", len(req.Args), len(sig.Params))
	}

	i8ptr := types.NewPointer(types.I8)
	autodiff, err := declareOnce(mod, autodiffPrefix+"_"+source, irmod.Signature{
		Ret: types.Void, Params: []types.Type{i8ptr}, Variadic: true,
	})
	if err != nil {
		return "", err
	}

	var params []types.Type
	for i, p := range sig.Params {
		params = append(params, p)
		if req.Args[i] == DiffeDuplicated {
			params = append(params, p)
		}
	}
	fb, err := mod.NewFunction(shimPrefix+source, irmod.Signature{Ret: types.Void, Params: params})
	if err != nil {
		return "", err
	}
	entry := fb.Entry("fnc_entry")

	marker := func(name string) (irmod.Value, error) {
		g, err := mod.Global(name)
		if errors.Is(err, irmod.ErrNotFound) {
			g, err = mod.DeclareGlobal(name, types.I32)
		}
		if err != nil {
			return irmod.Value{}, err
		}
		gv, err := mod.GlobalValue(g)
		if err != nil {
			return irmod.Value{}, err
		}
		return entry.Load(types.I32, gv), nil
	}

	fv, err := mod.FuncValue(fn)
	if err != nil {
		return "", err
	}
	callee, err := mod.FuncValue(autodiff)
	if err != nil {
		return "", err
	}
	args := []irmod.Value{entry.BitCast(fv, i8ptr)}
	if req.RetainPrimal {
		m, err := marker(markerPrimalReturn)
		if err != nil {
			return "", err
		}
		args = append(args, m)
	}
	if req.Return == DiffeConstant {
		m, err := marker(markerConstReturn)
		if err != nil {
			return "", err
		}
		args = append(args, m)
	}
	next := 0
	for _, act := range req.Args {
		m, err := marker(argMarkers[act])
		if err != nil {
			return "", err
		}
		args = append(args, m, fb.Param(next))
		next++
		if act == DiffeDuplicated {
			args = append(args, fb.Param(next))
			next++
		}
	}
	entry.Call(callee, args...)
	if _, err := fb.Finish(entry.RetVoid()); err != nil {
		return "", err
	}
	return fb.Name(), nil
}

func declareOnce(mod *irmod.Module, name string, sig irmod.Signature) (irmod.Func, error) {
	f, err := mod.Func(name)
	if err == nil {
		got, err := mod.Signature(f)
		if err != nil {
			return irmod.Func{}, err
		}
		if !got.Equal(sig) {
			return irmod.Func{}, fmt.Errorf("@%s already declared as %s", name, got)
		}
		return f, nil
	}
	if !errors.Is(err, irmod.ErrNotFound) {
		return irmod.Func{}, err
	}
	return mod.Declare(name, sig)
}

// resolveDerivative finds the generated function called from the shim and
// removes the shim with its now unused declarations. A zero Func means
// Enzyme produced nothing.
func resolveDerivative(mod *irmod.Module, shimName, source string) (irmod.Func, error) {
	shim, err := mod.Func(shimName)
	if err != nil {
		return irmod.Func{}, fmt.Errorf("shim for %s vanished after differentiation: %w", source, err)
	}
	callees, err := mod.Callees(shim)
	if err != nil {
		return irmod.Func{}, err
	}
	var derived irmod.Func
	for _, c := range callees {
		name, err := mod.Name(c)
		if err != nil {
			return irmod.Func{}, err
		}
		decl, err := mod.IsDeclaration(c)
		if err != nil {
			return irmod.Func{}, err
		}
		if !decl && strings.HasPrefix(name, derivedPrefix+source) {
			derived = c
			break
		}
	}
	if !derived.IsZero() {
		if derived, err = seedReturn(mod, shim, derived); err != nil {
			return irmod.Func{}, fmt.Errorf("seed derivative of %s: %w", source, err)
		}
	}
	if err := mod.Delete(shim); err != nil {
		return irmod.Func{}, err
	}
	cleanup(mod, source)
	return derived, nil
}

// seedReturn handles an active floating-point return. Enzyme then appends
// the return's adjoint to the generated parameters and the shim passes 1.0
// for it. The result is a function with the shim's parameters that calls
// derived with that seed. Otherwise derived is returned unchanged.
func seedReturn(mod *irmod.Module, shim, derived irmod.Func) (irmod.Func, error) {
	shimSig, err := mod.Signature(shim)
	if err != nil {
		return irmod.Func{}, err
	}
	sig, err := mod.Signature(derived)
	if err != nil {
		return irmod.Func{}, err
	}
	if len(sig.Params) != len(shimSig.Params)+1 {
		return derived, nil
	}
	seed := irmod.FloatConst(sig.Params[len(sig.Params)-1], 1)
	if seed.IsZero() {
		return derived, nil
	}
	name, err := mod.Name(derived)
	if err != nil {
		return irmod.Func{}, err
	}
	fb, err := mod.NewFunction(name+".seeded", irmod.Signature{Ret: sig.Ret, Params: shimSig.Params})
	if err != nil {
		return irmod.Func{}, err
	}
	callee, err := mod.FuncValue(derived)
	if err != nil {
		return irmod.Func{}, err
	}
	entry := fb.Entry("fnc_entry")
	res := entry.Call(callee, append(fb.Params(), seed)...)
	if sig.IsVoid() {
		return fb.Finish(entry.RetVoid())
	}
	return fb.Finish(entry.Ret(res))
}

// cleanup removes the autodiff declaration and marker globals once nothing
// refers to them.
func cleanup(mod *irmod.Module, source string) {
	if f, err := mod.Func(autodiffPrefix + "_" + source); err == nil {
		if n, err := mod.Uses(f); err == nil && n == 0 {
			_ = mod.Delete(f)
		}
	}
	for _, name := range []string{markerDup, markerOut, markerConst, markerPrimalReturn, markerConstReturn} {
		g, err := mod.Global(name)
		if err != nil {
			continue
		}
		_ = mod.DeleteGlobal(g)
	}
}
