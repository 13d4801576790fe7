// Package irmod owns the in-memory LLVM IR module for one build. Functions and
// globals are addressed through generation-checked handles: deleting a symbol
// bumps its slot generation, reloading the module after an external tool
// rewrote it bumps the module epoch, and disposing the module invalidates
// every handle at once.
package irmod

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
)

var (
	// ErrDisposed is returned by every operation on a disposed module.
	ErrDisposed = errors.New("module already disposed")
	// ErrStaleHandle is returned for handles whose symbol was deleted or
	// whose module was reloaded since the handle was issued.
	ErrStaleHandle = errors.New("stale symbol handle")
	// ErrNotFound is returned when a named symbol does not exist.
	ErrNotFound = errors.New("symbol not found")
	// ErrNameTaken is returned when a rename or declaration collides with
	// an existing symbol.
	ErrNameTaken = errors.New("symbol name already taken")
	// ErrHasUses is returned when deleting a symbol that is still referenced.
	ErrHasUses = errors.New("symbol still has uses")
)

type slot struct {
	fn   *ir.Func
	g    *ir.Global
	gen  uint32
	live bool
}

// Module is an arena over a parsed LLVM IR module.
type Module struct {
	path     string
	ir       *ir.Module
	slots    []slot
	epoch    uint32
	disposed bool
}

type handle struct {
	mod   *Module
	slot  int
	gen   uint32
	epoch uint32
}

// Func is a handle to a function owned by a Module.
type Func struct{ handle }

// Global is a handle to a global variable owned by a Module.
type Global struct{ handle }

// IsZero reports whether the handle was never issued.
func (h handle) IsZero() bool { return h.mod == nil }

// Parse parses textual LLVM IR. The name is used in diagnostics only.
func Parse(name, src string) (*Module, error) {
	m, err := asm.ParseString(name, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return wrap(name, m), nil
}

// Load reads and parses a textual IR file.
func Load(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, string(data))
}

// New returns an empty module for the given target triple.
func New(name, triple string) *Module {
	m := ir.NewModule()
	m.SourceFilename = name
	m.TargetTriple = triple
	return wrap(name, m)
}

func wrap(path string, m *ir.Module) *Module {
	mod := &Module{path: path}
	mod.reset(m)
	return mod
}

func (m *Module) reset(irm *ir.Module) {
	m.ir = irm
	m.slots = m.slots[:0]
	for _, f := range irm.Funcs {
		m.slots = append(m.slots, slot{fn: f, live: true})
	}
	for _, g := range irm.Globals {
		m.slots = append(m.slots, slot{g: g, live: true})
	}
}

// Reload replaces the module contents with the IR in path. Every handle
// issued before the reload becomes stale.
func (m *Module) Reload(path string) error {
	if m.disposed {
		return ErrDisposed
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	irm, err := asm.ParseString(path, string(data))
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	m.epoch++
	m.path = path
	m.reset(irm)
	return nil
}

// Dispose releases the module. It reports false when the module was already
// disposed; the second call is otherwise a no-op.
func (m *Module) Dispose() bool {
	if m.disposed {
		return false
	}
	m.disposed = true
	m.ir = nil
	m.slots = nil
	return true
}

// Path returns the file the module was last loaded from.
func (m *Module) Path() string { return m.path }

// Triple returns the module's target triple.
func (m *Module) Triple() (string, error) {
	if m.disposed {
		return "", ErrDisposed
	}
	return m.ir.TargetTriple, nil
}

// String renders the module as textual LLVM IR.
func (m *Module) String() string {
	if m.disposed {
		return ""
	}
	return m.ir.String()
}

// WriteFile writes the module as textual LLVM IR.
func (m *Module) WriteFile(path string) error {
	if m.disposed {
		return ErrDisposed
	}
	return os.WriteFile(path, []byte(m.ir.String()), 0o644)
}

func (m *Module) check(h handle) (*slot, error) {
	if m.disposed {
		return nil, ErrDisposed
	}
	if h.mod != m || h.epoch != m.epoch || h.slot < 0 || h.slot >= len(m.slots) {
		return nil, ErrStaleHandle
	}
	s := &m.slots[h.slot]
	if !s.live || s.gen != h.gen {
		return nil, ErrStaleHandle
	}
	return s, nil
}

func (m *Module) fn(f Func) (*ir.Func, error) {
	s, err := m.check(f.handle)
	if err != nil {
		return nil, err
	}
	if s.fn == nil {
		return nil, ErrStaleHandle
	}
	return s.fn, nil
}

func (m *Module) global(g Global) (*ir.Global, error) {
	s, err := m.check(g.handle)
	if err != nil {
		return nil, err
	}
	if s.g == nil {
		return nil, ErrStaleHandle
	}
	return s.g, nil
}

func (m *Module) handleFor(i int) handle {
	return handle{mod: m, slot: i, gen: m.slots[i].gen, epoch: m.epoch}
}

func (m *Module) addFunc(f *ir.Func) Func {
	m.slots = append(m.slots, slot{fn: f, live: true})
	return Func{m.handleFor(len(m.slots) - 1)}
}

func (m *Module) addGlobal(g *ir.Global) Global {
	m.slots = append(m.slots, slot{g: g, live: true})
	return Global{m.handleFor(len(m.slots) - 1)}
}

// Func returns the function named name.
func (m *Module) Func(name string) (Func, error) {
	if m.disposed {
		return Func{}, ErrDisposed
	}
	for i, s := range m.slots {
		if s.live && s.fn != nil && s.fn.Name() == name {
			return Func{m.handleFor(i)}, nil
		}
	}
	return Func{}, fmt.Errorf("function %q: %w", name, ErrNotFound)
}

// Global returns the global variable named name.
func (m *Module) Global(name string) (Global, error) {
	if m.disposed {
		return Global{}, ErrDisposed
	}
	for i, s := range m.slots {
		if s.live && s.g != nil && s.g.Name() == name {
			return Global{m.handleFor(i)}, nil
		}
	}
	return Global{}, fmt.Errorf("global %q: %w", name, ErrNotFound)
}

// Funcs returns handles to every function in module order.
func (m *Module) Funcs() ([]Func, error) {
	if m.disposed {
		return nil, ErrDisposed
	}
	var out []Func
	for i, s := range m.slots {
		if s.live && s.fn != nil {
			out = append(out, Func{m.handleFor(i)})
		}
	}
	return out, nil
}

// Globals returns handles to every global variable in module order.
func (m *Module) Globals() ([]Global, error) {
	if m.disposed {
		return nil, ErrDisposed
	}
	var out []Global
	for i, s := range m.slots {
		if s.live && s.g != nil {
			out = append(out, Global{m.handleFor(i)})
		}
	}
	return out, nil
}

// nameTaken reports whether any live function or global is called name.
func (m *Module) nameTaken(name string) bool {
	for _, s := range m.slots {
		if !s.live {
			continue
		}
		if s.fn != nil && s.fn.Name() == name {
			return true
		}
		if s.g != nil && s.g.Name() == name {
			return true
		}
	}
	return false
}

// Mentions reports whether name is a function or global in the module or
// appears in its module-level inline assembly.
func (m *Module) Mentions(name string) bool {
	if m.disposed {
		return false
	}
	if m.nameTaken(name) {
		return true
	}
	for _, asm := range m.ir.ModuleAsms {
		if strings.Contains(asm, name) {
			return true
		}
	}
	return false
}

// uniqueName returns name, or name with the lowest free ".N" suffix.
func (m *Module) uniqueName(name string) string {
	if !m.nameTaken(name) {
		return name
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s.%d", name, i)
		if !m.nameTaken(candidate) {
			return candidate
		}
	}
}
