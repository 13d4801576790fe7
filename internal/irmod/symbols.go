package irmod

import (
	"fmt"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// Linkage is the visibility of a symbol to other compilation units.
type Linkage int

const (
	External Linkage = iota
	Internal
)

func (l Linkage) String() string {
	if l == Internal {
		return "internal"
	}
	return "external"
}

func linkageOf(l enum.Linkage) Linkage {
	switch l {
	case enum.LinkageInternal, enum.LinkagePrivate:
		return Internal
	default:
		return External
	}
}

// Name returns the function's symbol name.
func (m *Module) Name(f Func) (string, error) {
	fn, err := m.fn(f)
	if err != nil {
		return "", err
	}
	return fn.Name(), nil
}

// Signature returns a read-only view of the function's type.
func (m *Module) Signature(f Func) (Signature, error) {
	fn, err := m.fn(f)
	if err != nil {
		return Signature{}, err
	}
	return signatureOf(fn.Sig), nil
}

// IsDeclaration reports whether the function has no body.
func (m *Module) IsDeclaration(f Func) (bool, error) {
	fn, err := m.fn(f)
	if err != nil {
		return false, err
	}
	return len(fn.Blocks) == 0, nil
}

// Rename gives the function a new symbol name. The name must be free.
func (m *Module) Rename(f Func, name string) error {
	fn, err := m.fn(f)
	if err != nil {
		return err
	}
	if fn.Name() == name {
		return nil
	}
	if m.nameTaken(name) {
		return fmt.Errorf("rename %q to %q: %w", fn.Name(), name, ErrNameTaken)
	}
	fn.SetName(name)
	return nil
}

// Linkage returns the function's linkage.
func (m *Module) Linkage(f Func) (Linkage, error) {
	fn, err := m.fn(f)
	if err != nil {
		return External, err
	}
	return linkageOf(fn.Linkage), nil
}

// SetLinkage sets the function's linkage. Internal symbols always get
// default visibility.
func (m *Module) SetLinkage(f Func, l Linkage) error {
	fn, err := m.fn(f)
	if err != nil {
		return err
	}
	if l == Internal {
		if len(fn.Blocks) == 0 {
			return fmt.Errorf("declaration %q cannot have internal linkage", fn.Name())
		}
		fn.Linkage = enum.LinkageInternal
		fn.Visibility = enum.VisibilityNone
		fn.DLLStorageClass = enum.DLLStorageClassNone
		fn.Comdat = nil
		return nil
	}
	if linkageOf(fn.Linkage) == Internal {
		fn.Linkage = enum.LinkageNone
	}
	return nil
}

// Declare adds a function declaration. Unlike NewFunction the name is never
// uniquified.
func (m *Module) Declare(name string, sig Signature) (Func, error) {
	if m.disposed {
		return Func{}, ErrDisposed
	}
	if m.nameTaken(name) {
		return Func{}, fmt.Errorf("declare %q: %w", name, ErrNameTaken)
	}
	fn := m.ir.NewFunc(name, sig.Ret, newParams(sig.Params)...)
	fn.Sig.Variadic = sig.Variadic
	return m.addFunc(fn), nil
}

// Delete removes the function from the module. The function must have no
// remaining uses.
func (m *Module) Delete(f Func) error {
	fn, err := m.fn(f)
	if err != nil {
		return err
	}
	if n := m.countUses(fn); n > 0 {
		return fmt.Errorf("delete %q (%d uses): %w", fn.Name(), n, ErrHasUses)
	}
	for i, cur := range m.ir.Funcs {
		if cur == fn {
			m.ir.Funcs = append(m.ir.Funcs[:i], m.ir.Funcs[i+1:]...)
			break
		}
	}
	s := &m.slots[f.slot]
	s.live = false
	s.fn = nil
	s.gen++
	return nil
}

// Uses returns the number of operands and initializers referring to f.
func (m *Module) Uses(f Func) (int, error) {
	fn, err := m.fn(f)
	if err != nil {
		return 0, err
	}
	return m.countUses(fn), nil
}

// ReplaceAllUsesWith redirects every reference to old at repl. Both functions
// must have the same type.
func (m *Module) ReplaceAllUsesWith(old, repl Func) error {
	oldFn, err := m.fn(old)
	if err != nil {
		return err
	}
	newFn, err := m.fn(repl)
	if err != nil {
		return err
	}
	if !types.Equal(oldFn.Sig, newFn.Sig) {
		return fmt.Errorf("replace %q with %q: type %s does not match %s",
			oldFn.Name(), newFn.Name(), TypeString(oldFn.Sig), TypeString(newFn.Sig))
	}
	m.walkRefs(func(ref *value.Value) {
		replaceRef(ref, oldFn, newFn)
	})
	return nil
}

// GlobalIsDeclaration reports whether the global has no initializer.
func (m *Module) GlobalIsDeclaration(g Global) (bool, error) {
	gv, err := m.global(g)
	if err != nil {
		return false, err
	}
	return gv.Init == nil, nil
}

// GlobalLinkage returns the global's linkage.
func (m *Module) GlobalLinkage(g Global) (Linkage, error) {
	gv, err := m.global(g)
	if err != nil {
		return External, err
	}
	return linkageOf(gv.Linkage), nil
}

// SetGlobalLinkage sets the global's linkage. Appending-linkage globals such
// as llvm.global_ctors keep their linkage since LLVM treats them specially.
func (m *Module) SetGlobalLinkage(g Global, l Linkage) error {
	gv, err := m.global(g)
	if err != nil {
		return err
	}
	if gv.Linkage == enum.LinkageAppending || strings.HasPrefix(gv.Name(), "llvm.") {
		return nil
	}
	if l == Internal {
		if gv.Init == nil {
			return fmt.Errorf("declaration %q cannot have internal linkage", gv.Name())
		}
		gv.Linkage = enum.LinkageInternal
		gv.Visibility = enum.VisibilityNone
		gv.DLLStorageClass = enum.DLLStorageClassNone
		gv.Comdat = nil
		return nil
	}
	if linkageOf(gv.Linkage) == Internal {
		gv.Linkage = enum.LinkageNone
	}
	return nil
}

// DeclareGlobal adds an external global variable declaration.
func (m *Module) DeclareGlobal(name string, content types.Type) (Global, error) {
	if m.disposed {
		return Global{}, ErrDisposed
	}
	if m.nameTaken(name) {
		return Global{}, fmt.Errorf("declare global %q: %w", name, ErrNameTaken)
	}
	gv := m.ir.NewGlobal(name, content)
	gv.Linkage = enum.LinkageExternal
	return m.addGlobal(gv), nil
}

// DeleteGlobal removes an unreferenced global variable.
func (m *Module) DeleteGlobal(g Global) error {
	gv, err := m.global(g)
	if err != nil {
		return err
	}
	if n := m.countUses(gv); n > 0 {
		return fmt.Errorf("delete global %q (%d uses): %w", gv.Name(), n, ErrHasUses)
	}
	for i, cur := range m.ir.Globals {
		if cur == gv {
			m.ir.Globals = append(m.ir.Globals[:i], m.ir.Globals[i+1:]...)
			break
		}
	}
	s := &m.slots[g.slot]
	s.live = false
	s.g = nil
	s.gen++
	return nil
}

// Value is an IR value usable as an instruction operand.
type Value struct{ v value.Value }

// Type returns the value's type.
func (v Value) Type() types.Type { return v.v.Type() }

// IsZero reports whether v holds no value.
func (v Value) IsZero() bool { return v.v == nil }

// Zero returns the zero value of t as a constant operand.
func Zero(t types.Type) Value {
	return Value{constant.NewZeroInitializer(t)}
}

// FloatConst returns x as a constant of floating-point type t. It returns
// the zero Value when t is not a floating-point type.
func FloatConst(t types.Type, x float64) Value {
	ft, ok := t.(*types.FloatType)
	if !ok {
		return Value{}
	}
	return Value{constant.NewFloat(ft, x)}
}

// FuncValue returns the function as an operand (a pointer to its type).
func (m *Module) FuncValue(f Func) (Value, error) {
	fn, err := m.fn(f)
	if err != nil {
		return Value{}, err
	}
	return Value{fn}, nil
}

// GlobalValue returns the global as an operand.
func (m *Module) GlobalValue(g Global) (Value, error) {
	gv, err := m.global(g)
	if err != nil {
		return Value{}, err
	}
	return Value{gv}, nil
}

// Callees returns the defined or declared functions called directly from f,
// looking through pointer casts of the callee.
func (m *Module) Callees(f Func) ([]Func, error) {
	fn, err := m.fn(f)
	if err != nil {
		return nil, err
	}
	var out []Func
	seen := map[*ir.Func]bool{}
	for _, b := range fn.Blocks {
		for _, inst := range b.Insts {
			call, ok := inst.(*ir.InstCall)
			if !ok {
				continue
			}
			callee, ok := stripCasts(call.Callee).(*ir.Func)
			if !ok || seen[callee] {
				continue
			}
			seen[callee] = true
			for i, s := range m.slots {
				if s.live && s.fn == callee {
					out = append(out, Func{m.handleFor(i)})
				}
			}
		}
	}
	return out, nil
}

func newParams(ts []types.Type) []*ir.Param {
	params := make([]*ir.Param, len(ts))
	for i, t := range ts {
		params[i] = ir.NewParam(fmt.Sprintf("arg%d", i), t)
	}
	return params
}

func stripCasts(v value.Value) value.Value {
	for {
		e, ok := v.(*constant.ExprBitCast)
		if !ok {
			return v
		}
		v = e.From
	}
}

// operandsOf returns pointers to the value operands of an instruction or
// terminator.
func operandsOf(x any) []*value.Value {
	if u, ok := x.(interface{ Operands() []*value.Value }); ok {
		return u.Operands()
	}
	switch inst := x.(type) {
	case *ir.InstCall:
		ops := []*value.Value{&inst.Callee}
		for i := range inst.Args {
			ops = append(ops, &inst.Args[i])
		}
		return ops
	case *ir.InstStore:
		return []*value.Value{&inst.Src, &inst.Dst}
	case *ir.InstLoad:
		return []*value.Value{&inst.Src}
	case *ir.InstExtractValue:
		return []*value.Value{&inst.X}
	case *ir.InstInsertValue:
		return []*value.Value{&inst.X, &inst.Elem}
	case *ir.InstBitCast:
		return []*value.Value{&inst.From}
	case *ir.TermRet:
		if inst.X == nil {
			return nil
		}
		return []*value.Value{&inst.X}
	}
	return nil
}

// walkRefs calls visit for every operand slot and global initializer in the
// module.
func (m *Module) walkRefs(visit func(*value.Value)) {
	for _, fn := range m.ir.Funcs {
		for _, b := range fn.Blocks {
			for _, inst := range b.Insts {
				for _, op := range operandsOf(inst) {
					if op != nil && *op != nil {
						visit(op)
					}
				}
			}
			if b.Term != nil {
				for _, op := range operandsOf(b.Term) {
					if op != nil && *op != nil {
						visit(op)
					}
				}
			}
		}
	}
	for _, g := range m.ir.Globals {
		if g.Init == nil {
			continue
		}
		var v value.Value = g.Init
		visit(&v)
		if c, ok := v.(constant.Constant); ok {
			g.Init = c
		}
	}
}

func (m *Module) countUses(target value.Value) int {
	n := 0
	m.walkRefs(func(ref *value.Value) {
		n += countRef(*ref, target)
	})
	return n
}

func countRef(v, target value.Value) int {
	if v == target {
		return 1
	}
	switch c := v.(type) {
	case *constant.ExprBitCast:
		return countRef(c.From, target)
	case *constant.Array:
		n := 0
		for _, e := range c.Elems {
			n += countRef(e, target)
		}
		return n
	case *constant.Struct:
		n := 0
		for _, f := range c.Fields {
			n += countRef(f, target)
		}
		return n
	}
	return 0
}

// replaceRef rewrites *ref in place, descending into constant expressions.
func replaceRef(ref *value.Value, old, repl *ir.Func) {
	if *ref == value.Value(old) {
		*ref = repl
		return
	}
	replaceConst(*ref, old, repl)
}

func replaceConst(v value.Value, old, repl *ir.Func) {
	switch c := v.(type) {
	case *constant.ExprBitCast:
		if c.From == constant.Constant(old) {
			c.From = repl
			return
		}
		replaceConst(c.From, old, repl)
	case *constant.Array:
		for i, e := range c.Elems {
			if e == constant.Constant(old) {
				c.Elems[i] = repl
			} else {
				replaceConst(e, old, repl)
			}
		}
	case *constant.Struct:
		for i, f := range c.Fields {
			if f == constant.Constant(old) {
				c.Fields[i] = repl
			} else {
				replaceConst(f, old, repl)
			}
		}
	}
}
