package abi

import (
	"fmt"

	"github.com/llir/llvm/ir/types"

	"github.com/kyleseneker/gradlink/internal/irmod"
)

// Report records what Reconcile did for one derivative.
type Report struct {
	Derivative string
	Strategy   Strategy
	Generated  irmod.Signature
	Expected   irmod.Signature
	// Inner is the generated function's new name when it was wrapped.
	Inner string
	// Wrapper is the wrapper's name before linkage curation.
	Wrapper string
}

func (r *Report) String() string {
	if r.Strategy == Passthrough {
		return fmt.Sprintf("%s: %s", r.Derivative, r.Strategy)
	}
	return fmt.Sprintf("%s: %s, %s -> %s", r.Derivative, r.Strategy, r.Generated, r.Expected)
}

const (
	innerPrefix = "inner_"
	entryBlock  = "fnc_entry"
)

// Reconcile returns a function with the expected signature that computes
// generated. When the signatures already agree, generated is returned
// unchanged. Otherwise generated is renamed "inner_<derivative>" and a
// wrapper is added; it is named derivative, or a uniquified variant when a
// placeholder still holds that name.
func Reconcile(mod *irmod.Module, generated irmod.Func, expected irmod.Signature, derivative string) (irmod.Func, *Report, error) {
	genSig, err := mod.Signature(generated)
	if err != nil {
		return irmod.Func{}, nil, err
	}
	strategy, err := Classify(derivative, genSig, expected)
	if err != nil {
		return irmod.Func{}, nil, err
	}
	report := &Report{Derivative: derivative, Strategy: strategy, Generated: genSig, Expected: expected}
	if strategy == Passthrough {
		report.Wrapper, err = mod.Name(generated)
		return generated, report, err
	}

	forwarded := expected.Params
	if strategy == MoveReturnIntoArgs {
		forwarded = expected.Params[1:]
	}
	if err := checkParams(derivative, forwarded, genSig.Params); err != nil {
		return irmod.Func{}, nil, err
	}

	oldName, err := mod.Name(generated)
	if err != nil {
		return irmod.Func{}, nil, err
	}
	if err := mod.Rename(generated, innerPrefix+derivative); err != nil {
		return irmod.Func{}, nil, err
	}
	wrapper, err := buildWrapper(mod, generated, genSig, expected, derivative, strategy)
	if err != nil {
		_ = mod.Rename(generated, oldName)
		return irmod.Func{}, nil, err
	}

	wrapSig, err := mod.Signature(wrapper)
	if err != nil {
		return irmod.Func{}, nil, err
	}
	if strategy == MoveReturnIntoArgs {
		err = checkParams(derivative, wrapSig.Params[1:], genSig.Params)
	} else {
		err = checkParams(derivative, wrapSig.Params, genSig.Params)
	}
	if err != nil {
		return irmod.Func{}, nil, err
	}
	if err := mod.Verify(); err != nil {
		return irmod.Func{}, nil, fmt.Errorf("after wrapping %s: %w: %w", derivative, ErrModuleCorrupted, err)
	}

	report.Inner = innerPrefix + derivative
	report.Wrapper, err = mod.Name(wrapper)
	return wrapper, report, err
}

func buildWrapper(mod *irmod.Module, generated irmod.Func, genSig, expected irmod.Signature, derivative string, strategy Strategy) (irmod.Func, error) {
	callee, err := mod.FuncValue(generated)
	if err != nil {
		return irmod.Func{}, err
	}
	fb, err := mod.NewFunction(derivative, expected)
	if err != nil {
		return irmod.Func{}, err
	}
	entry := fb.Entry(entryBlock)
	params := fb.Params()

	var done irmod.Terminated
	if strategy == MoveReturnIntoArgs {
		res := entry.Call(callee, params[1:]...)
		out := params[0]
		if elem, _ := irmod.PointerElem(out.Type()); !types.Equal(elem, genSig.Ret) {
			// Same layout under another struct name.
			out = entry.BitCast(out, types.NewPointer(genSig.Ret))
		}
		entry.Store(res, out)
		done = entry.RetVoid()
	} else {
		res := entry.Call(callee, params...)
		done = entry.Ret(entry.ExtractValue(res, 0))
	}

	f, err := fb.Finish(done)
	if err != nil {
		return irmod.Func{}, fmt.Errorf("%s: %w: %w", derivative, ErrWrapperVerification, err)
	}
	return f, nil
}
