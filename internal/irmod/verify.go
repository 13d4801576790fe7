package irmod

import (
	"errors"
	"fmt"
	"strings"

	"fortio.org/safecast"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// VerifyError lists the structural problems found in a function or module.
type VerifyError struct {
	Scope    string
	Problems []string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s failed verification:\n  %s", e.Scope, strings.Join(e.Problems, "\n  "))
}

// VerifyFunc structurally verifies one function: every block is terminated,
// call arguments match the callee type, aggregate indices are in range,
// stores target pointers of the stored type, and returns match the
// function's return type.
func (m *Module) VerifyFunc(f Func) error {
	fn, err := m.fn(f)
	if err != nil {
		return err
	}
	v := m.newVerifier()
	v.function(fn)
	return v.result("function @" + fn.Name())
}

// Verify structurally verifies the whole module, including symbol name
// uniqueness and references to symbols that are no longer in the module.
func (m *Module) Verify() error {
	if m.disposed {
		return ErrDisposed
	}
	v := m.newVerifier()
	seen := map[string]bool{}
	for _, fn := range m.ir.Funcs {
		if seen[fn.Name()] {
			v.addf("duplicate symbol @%s", fn.Name())
		}
		seen[fn.Name()] = true
		v.function(fn)
	}
	for _, g := range m.ir.Globals {
		if seen[g.Name()] {
			v.addf("duplicate symbol @%s", g.Name())
		}
		seen[g.Name()] = true
		if g.Init == nil && linkageOf(g.Linkage) == Internal {
			v.addf("global declaration @%s has internal linkage", g.Name())
		}
	}
	return v.result("module " + m.path)
}

type verifier struct {
	funcs    map[*ir.Func]bool
	globals  map[*ir.Global]bool
	problems []string
}

func (m *Module) newVerifier() *verifier {
	v := &verifier{funcs: map[*ir.Func]bool{}, globals: map[*ir.Global]bool{}}
	for _, fn := range m.ir.Funcs {
		v.funcs[fn] = true
	}
	for _, g := range m.ir.Globals {
		v.globals[g] = true
	}
	return v
}

func (v *verifier) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *verifier) result(scope string) error {
	if len(v.problems) == 0 {
		return nil
	}
	return &VerifyError{Scope: scope, Problems: v.problems}
}

func (v *verifier) function(fn *ir.Func) {
	name := "@" + fn.Name()
	if len(fn.Blocks) == 0 {
		if linkageOf(fn.Linkage) == Internal {
			v.addf("%s: declaration has internal linkage", name)
		}
		return
	}
	params := map[*ir.Param]bool{}
	for _, p := range fn.Params {
		params[p] = true
	}
	for _, b := range fn.Blocks {
		where := fmt.Sprintf("%s block %s", name, blockName(b))
		for _, inst := range b.Insts {
			v.operands(where, inst, params)
			v.instruction(where, inst)
		}
		if b.Term == nil {
			v.addf("%s: missing terminator", where)
			continue
		}
		v.operands(where, b.Term, params)
		if ret, ok := b.Term.(*ir.TermRet); ok {
			v.ret(where, fn.Sig.RetType, ret)
		}
	}
}

func blockName(b *ir.Block) string {
	if b.Name() != "" {
		return b.Name()
	}
	return "<unnamed>"
}

func (v *verifier) operands(where string, x any, params map[*ir.Param]bool) {
	for _, op := range operandsOf(x) {
		if op == nil || *op == nil {
			continue
		}
		switch ref := stripCasts(*op).(type) {
		case *ir.Func:
			if !v.funcs[ref] {
				v.addf("%s: reference to @%s which is not in the module", where, ref.Name())
			}
		case *ir.Global:
			if !v.globals[ref] {
				v.addf("%s: reference to global @%s which is not in the module", where, ref.Name())
			}
		case *ir.Param:
			if !params[ref] {
				v.addf("%s: use of parameter %s from another function", where, ref.Ident())
			}
		}
	}
}

func (v *verifier) instruction(where string, inst ir.Instruction) {
	switch inst := inst.(type) {
	case *ir.InstCall:
		v.call(where, inst)
	case *ir.InstExtractValue:
		if _, err := aggregateElem(inst.X.Type(), inst.Indices); err != nil {
			v.addf("%s: extractvalue: %v", where, err)
		}
	case *ir.InstInsertValue:
		elem, err := aggregateElem(inst.X.Type(), inst.Indices)
		if err != nil {
			v.addf("%s: insertvalue: %v", where, err)
		} else if !typeEqual(elem, inst.Elem.Type()) {
			v.addf("%s: insertvalue: element %s does not match %s",
				where, TypeString(inst.Elem.Type()), TypeString(elem))
		}
	case *ir.InstStore:
		elem, ok := PointerElem(inst.Dst.Type())
		if !ok {
			v.addf("%s: store to non-pointer %s", where, TypeString(inst.Dst.Type()))
		} else if !typeEqual(elem, inst.Src.Type()) {
			v.addf("%s: store of %s through %s", where,
				TypeString(inst.Src.Type()), TypeString(inst.Dst.Type()))
		}
	case *ir.InstLoad:
		if _, ok := inst.Src.Type().(*types.PointerType); !ok {
			v.addf("%s: load from non-pointer %s", where, TypeString(inst.Src.Type()))
		}
	}
}

func (v *verifier) call(where string, call *ir.InstCall) {
	ft, ok := calleeType(call.Callee)
	if !ok {
		return
	}
	name := "callee"
	if fn, ok := stripCasts(call.Callee).(*ir.Func); ok {
		name = "@" + fn.Name()
	}
	if len(call.Args) < len(ft.Params) || (!ft.Variadic && len(call.Args) != len(ft.Params)) {
		v.addf("%s: call to %s with %d arguments, want %d", where, name, len(call.Args), len(ft.Params))
		return
	}
	for i, p := range ft.Params {
		if !typeEqual(p, call.Args[i].Type()) {
			v.addf("%s: call to %s argument %d has type %s, want %s",
				where, name, i, TypeString(call.Args[i].Type()), TypeString(p))
		}
	}
}

func calleeType(callee value.Value) (*types.FuncType, bool) {
	elem, ok := PointerElem(callee.Type())
	if !ok {
		return nil, false
	}
	ft, ok := elem.(*types.FuncType)
	return ft, ok
}

func (v *verifier) ret(where string, want types.Type, ret *ir.TermRet) {
	_, isVoid := want.(*types.VoidType)
	switch {
	case isVoid && ret.X != nil:
		v.addf("%s: ret %s in void function", where, TypeString(ret.X.Type()))
	case !isVoid && ret.X == nil:
		v.addf("%s: ret void in function returning %s", where, TypeString(want))
	case !isVoid && !typeEqual(want, ret.X.Type()):
		v.addf("%s: ret %s in function returning %s", where, TypeString(ret.X.Type()), TypeString(want))
	}
}

var errNotAggregate = errors.New("not an aggregate")

// aggregateElem walks t by the given indices.
func aggregateElem(t types.Type, indices []uint64) (types.Type, error) {
	if len(indices) == 0 {
		return nil, errors.New("no indices")
	}
	for _, idx := range indices {
		switch agg := t.(type) {
		case *types.StructType:
			n, err := safecast.Conv[uint64](len(agg.Fields))
			if err != nil {
				return nil, err
			}
			if idx >= n {
				return nil, fmt.Errorf("index %d out of range for %s", idx, TypeString(agg))
			}
			t = agg.Fields[idx]
		case *types.ArrayType:
			if idx >= agg.Len {
				return nil, fmt.Errorf("index %d out of range for %s", idx, TypeString(agg))
			}
			t = agg.ElemType
		default:
			return nil, fmt.Errorf("%s: %w", TypeString(t), errNotAggregate)
		}
	}
	return t, nil
}
