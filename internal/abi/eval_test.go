package abi

import (
	"fmt"
	"testing"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/stretchr/testify/require"
)

// cell is the memory behind a pointer argument.
type cell struct{ v any }

// interp evaluates straight-line IR over float64, struct ([]any) and
// pointer (*cell) values. It supports just enough of the instruction set
// to run generated derivatives and their wrappers.
type interp struct {
	mod *ir.Module
}

func newInterp(t *testing.T, src string) *interp {
	t.Helper()
	m, err := asm.ParseString("eval.ll", src)
	require.NoError(t, err)
	return &interp{mod: m}
}

func (in *interp) call(name string, args ...any) (any, error) {
	for _, f := range in.mod.Funcs {
		if f.Name() == name {
			return in.eval(f, args)
		}
	}
	return nil, fmt.Errorf("no function @%s", name)
}

func (in *interp) eval(f *ir.Func, args []any) (any, error) {
	if len(f.Blocks) != 1 {
		return nil, fmt.Errorf("@%s: want exactly one block, got %d", f.Name(), len(f.Blocks))
	}
	env := map[value.Value]any{}
	for i, p := range f.Params {
		env[p] = args[i]
	}
	get := func(v value.Value) (any, error) { return in.operand(env, v) }

	for _, inst := range f.Blocks[0].Insts {
		var (
			res any
			err error
		)
		switch inst := inst.(type) {
		case *ir.InstCall:
			callee, ok := stripBitCast(inst.Callee).(*ir.Func)
			if !ok {
				return nil, fmt.Errorf("indirect call in @%s", f.Name())
			}
			vals := make([]any, len(inst.Args))
			for i, a := range inst.Args {
				if vals[i], err = get(a); err != nil {
					return nil, err
				}
			}
			res, err = in.eval(callee, vals)
		case *ir.InstExtractValue:
			var agg any
			if agg, err = get(inst.X); err == nil {
				res = agg.([]any)[inst.Indices[0]]
			}
		case *ir.InstInsertValue:
			var agg, elem any
			if agg, err = get(inst.X); err != nil {
				return nil, err
			}
			if elem, err = get(inst.Elem); err != nil {
				return nil, err
			}
			out := append([]any(nil), agg.([]any)...)
			out[inst.Indices[0]] = elem
			res = out
		case *ir.InstFAdd:
			res, err = in.binop(env, inst.X, inst.Y, func(a, b float64) float64 { return a + b })
		case *ir.InstFMul:
			res, err = in.binop(env, inst.X, inst.Y, func(a, b float64) float64 { return a * b })
		case *ir.InstFSub:
			res, err = in.binop(env, inst.X, inst.Y, func(a, b float64) float64 { return a - b })
		case *ir.InstBitCast:
			res, err = get(inst.From)
		case *ir.InstLoad:
			var p any
			if p, err = get(inst.Src); err == nil {
				res = p.(*cell).v
			}
		case *ir.InstStore:
			var src, dst any
			if src, err = get(inst.Src); err != nil {
				return nil, err
			}
			if dst, err = get(inst.Dst); err != nil {
				return nil, err
			}
			if agg, ok := src.([]any); ok {
				src = append([]any(nil), agg...)
			}
			dst.(*cell).v = src
			continue
		default:
			return nil, fmt.Errorf("unsupported instruction %T", inst)
		}
		if err != nil {
			return nil, err
		}
		if v, ok := inst.(value.Value); ok {
			env[v] = res
		}
	}

	ret, ok := f.Blocks[0].Term.(*ir.TermRet)
	if !ok {
		return nil, fmt.Errorf("@%s: unsupported terminator", f.Name())
	}
	if ret.X == nil {
		return nil, nil
	}
	return get(ret.X)
}

func (in *interp) binop(env map[value.Value]any, x, y value.Value, op func(a, b float64) float64) (any, error) {
	a, err := in.operand(env, x)
	if err != nil {
		return nil, err
	}
	b, err := in.operand(env, y)
	if err != nil {
		return nil, err
	}
	return op(a.(float64), b.(float64)), nil
}

func (in *interp) operand(env map[value.Value]any, v value.Value) (any, error) {
	switch c := v.(type) {
	case *constant.Float:
		f, _ := c.X.Float64()
		return f, nil
	case *constant.Undef, *constant.ZeroInitializer:
		return zeroOf(c.Type()), nil
	}
	if r, ok := env[v]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("unbound value %s", v.Ident())
}

func zeroOf(t types.Type) any {
	if st, ok := t.(*types.StructType); ok {
		out := make([]any, len(st.Fields))
		for i, f := range st.Fields {
			out[i] = zeroOf(f)
		}
		return out
	}
	return 0.0
}

func stripBitCast(v value.Value) value.Value {
	for {
		e, ok := v.(*constant.ExprBitCast)
		if !ok {
			return v
		}
		v = e.From
	}
}
