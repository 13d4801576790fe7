package irmod

import (
	"errors"
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// ErrBlockTerminated is recorded when an instruction is appended after the
// block's terminator.
var ErrBlockTerminated = errors.New("block already terminated")

// FunctionBuilder constructs a new function body. The function is declared
// by NewFunction, gets its body through Entry, and is only handed back by
// Finish, which requires the Terminated token produced by Ret or RetVoid.
type FunctionBuilder struct {
	mod    *Module
	fn     *ir.Func
	handle Func
	entry  *BlockBuilder
	names  map[string]int
	done   bool
}

// BlockBuilder appends instructions to an open basic block.
type BlockBuilder struct {
	fb    *FunctionBuilder
	block *ir.Block
	term  bool
	err   error
}

// Terminated proves that a block was closed with a return.
type Terminated struct {
	block *ir.Block
}

// NewFunction declares a function with the given signature. A taken name is
// uniquified with a ".N" suffix.
func (m *Module) NewFunction(name string, sig Signature) (*FunctionBuilder, error) {
	if m.disposed {
		return nil, ErrDisposed
	}
	fn := m.ir.NewFunc(m.uniqueName(name), sig.Ret, newParams(sig.Params)...)
	fn.Sig.Variadic = sig.Variadic
	return &FunctionBuilder{
		mod:    m,
		fn:     fn,
		handle: m.addFunc(fn),
		names:  map[string]int{},
	}, nil
}

// Name returns the name the function was declared with.
func (fb *FunctionBuilder) Name() string { return fb.fn.Name() }

// Param returns the i-th parameter.
func (fb *FunctionBuilder) Param(i int) Value { return Value{fb.fn.Params[i]} }

// Params returns all parameters in order.
func (fb *FunctionBuilder) Params() []Value {
	out := make([]Value, len(fb.fn.Params))
	for i, p := range fb.fn.Params {
		out[i] = Value{p}
	}
	return out
}

// Entry opens the entry block. Later calls return the same block.
func (fb *FunctionBuilder) Entry(name string) *BlockBuilder {
	if fb.entry == nil {
		fb.entry = &BlockBuilder{fb: fb, block: fb.fn.NewBlock(name)}
	}
	return fb.entry
}

// Finish verifies the function and returns its handle. On failure the
// partially built function is removed from the module.
func (fb *FunctionBuilder) Finish(t Terminated) (Func, error) {
	if fb.done {
		return Func{}, errors.New("function builder already finished")
	}
	fb.done = true
	if fb.entry == nil || t.block != fb.entry.block {
		fb.abandon()
		return Func{}, fmt.Errorf("finish @%s: terminator does not belong to this function", fb.fn.Name())
	}
	if fb.entry.err != nil {
		fb.abandon()
		return Func{}, fmt.Errorf("build @%s: %w", fb.fn.Name(), fb.entry.err)
	}
	if !fb.entry.term {
		fb.abandon()
		return Func{}, fmt.Errorf("finish @%s: entry block has no terminator", fb.fn.Name())
	}
	if err := fb.mod.VerifyFunc(fb.handle); err != nil {
		fb.abandon()
		return Func{}, err
	}
	return fb.handle, nil
}

// abandon removes the function being built from the module.
func (fb *FunctionBuilder) abandon() {
	for _, b := range fb.fn.Blocks {
		b.Insts = nil
		b.Term = nil
	}
	fb.fn.Blocks = nil
	_ = fb.mod.Delete(fb.handle)
}

func (fb *FunctionBuilder) localName(base string) string {
	n := fb.names[base]
	fb.names[base] = n + 1
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s%d", base, n)
}

// open reports whether instructions may still be appended with the given
// operands, recording the first failure otherwise.
func (bb *BlockBuilder) open(operands ...Value) bool {
	if bb.err != nil {
		return false
	}
	if bb.term {
		bb.err = ErrBlockTerminated
		return false
	}
	for i, v := range operands {
		if v.IsZero() {
			bb.err = fmt.Errorf("operand %d has no value", i)
			return false
		}
	}
	return true
}

func unwrapValues(vs []Value) []value.Value {
	out := make([]value.Value, len(vs))
	for i, v := range vs {
		out[i] = v.v
	}
	return out
}

// Call appends a direct call. The result is zero when the callee returns
// void.
func (bb *BlockBuilder) Call(callee Value, args ...Value) Value {
	if !bb.open(append([]Value{callee}, args...)...) {
		return Value{}
	}
	if _, ok := calleeType(callee.v); !ok {
		bb.err = fmt.Errorf("call through non-function %s", TypeString(callee.Type()))
		return Value{}
	}
	call := bb.block.NewCall(callee.v, unwrapValues(args)...)
	if _, void := call.Type().(*types.VoidType); void {
		return Value{}
	}
	call.SetName(bb.fb.localName("call"))
	return Value{call}
}

// ExtractValue appends an extractvalue of the given aggregate indices.
func (bb *BlockBuilder) ExtractValue(agg Value, indices ...uint64) Value {
	if !bb.open(agg) {
		return Value{}
	}
	if _, err := aggregateElem(agg.Type(), indices); err != nil {
		bb.err = fmt.Errorf("extractvalue: %w", err)
		return Value{}
	}
	inst := bb.block.NewExtractValue(agg.v, indices...)
	inst.SetName(bb.fb.localName("field"))
	return Value{inst}
}

// Load appends a load of elem through ptr.
func (bb *BlockBuilder) Load(elem types.Type, ptr Value) Value {
	if !bb.open(ptr) {
		return Value{}
	}
	inst := bb.block.NewLoad(elem, ptr.v)
	inst.SetName(bb.fb.localName("load"))
	return Value{inst}
}

// Store appends a store of src through dst.
func (bb *BlockBuilder) Store(src, dst Value) {
	if !bb.open(src, dst) {
		return
	}
	bb.block.NewStore(src.v, dst.v)
}

// BitCast appends a bitcast of v to t.
func (bb *BlockBuilder) BitCast(v Value, t types.Type) Value {
	if !bb.open(v) {
		return Value{}
	}
	inst := bb.block.NewBitCast(v.v, t)
	inst.SetName(bb.fb.localName("cast"))
	return Value{inst}
}

// Ret terminates the block returning v.
func (bb *BlockBuilder) Ret(v Value) Terminated {
	if bb.open(v) {
		bb.block.NewRet(v.v)
		bb.term = true
	}
	return Terminated{block: bb.block}
}

// RetVoid terminates the block without a value.
func (bb *BlockBuilder) RetVoid() Terminated {
	if bb.open() {
		bb.block.NewRet(nil)
		bb.term = true
	}
	return Terminated{block: bb.block}
}
