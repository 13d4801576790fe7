package irmod

import (
	"fmt"
	"strings"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir/types"
)

// Signature is a read-only view of a function type used for comparison and
// diagnostics.
type Signature struct {
	Ret      types.Type
	Params   []types.Type
	Variadic bool
}

func signatureOf(ft *types.FuncType) Signature {
	return Signature{
		Ret:      ft.RetType,
		Params:   append([]types.Type(nil), ft.Params...),
		Variadic: ft.Variadic,
	}
}

// IsVoid reports whether the signature returns nothing.
func (s Signature) IsVoid() bool {
	_, ok := s.Ret.(*types.VoidType)
	return s.Ret == nil || ok
}

// Equal reports whether both signatures have identical return and parameter
// types.
func (s Signature) Equal(o Signature) bool {
	if s.Variadic != o.Variadic || len(s.Params) != len(o.Params) {
		return false
	}
	if !typeEqual(s.Ret, o.Ret) {
		return false
	}
	for i := range s.Params {
		if !typeEqual(s.Params[i], o.Params[i]) {
			return false
		}
	}
	return true
}

func typeEqual(a, b types.Type) bool {
	if a == nil || b == nil {
		return a == b
	}
	return types.Equal(a, b)
}

// String renders the signature as "ret (p0, p1)", expanding named struct
// bodies so mismatches are visible.
func (s Signature) String() string {
	var b strings.Builder
	b.WriteString(TypeString(s.Ret))
	b.WriteString(" (")
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(TypeString(p))
	}
	if s.Variadic {
		if len(s.Params) > 0 {
			b.WriteString(", ")
		}
		b.WriteString("...")
	}
	b.WriteString(")")
	return b.String()
}

// ParseSignature parses a function type written as "ret (params)", for
// example "void (%Out*, double)". Named struct types are resolved against
// the module's type definitions.
func (m *Module) ParseSignature(text string) (Signature, error) {
	if m.disposed {
		return Signature{}, ErrDisposed
	}
	open := strings.Index(text, "(")
	if open <= 0 || !strings.HasSuffix(strings.TrimSpace(text), ")") {
		return Signature{}, fmt.Errorf("signature %q: want \"ret (params)\"", text)
	}
	ret := strings.TrimSpace(text[:open])
	params := strings.TrimSpace(text[open:])

	var src strings.Builder
	for _, t := range m.ir.TypeDefs {
		fmt.Fprintf(&src, "%s = type %s\n", t.String(), t.LLString())
	}
	fmt.Fprintf(&src, "declare %s @__gradlink_signature%s\n", ret, params)
	parsed, err := asm.ParseString("signature", src.String())
	if err != nil {
		return Signature{}, fmt.Errorf("signature %q: %w", text, err)
	}
	if len(parsed.Funcs) != 1 {
		return Signature{}, fmt.Errorf("signature %q: parsed %d functions", text, len(parsed.Funcs))
	}
	return signatureOf(parsed.Funcs[0].Sig), nil
}
