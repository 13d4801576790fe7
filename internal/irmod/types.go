package irmod

import (
	"strings"

	"github.com/llir/llvm/ir/types"
)

// TypeString renders t for diagnostics. Named structs are shown with their
// body, e.g. "%Out = {double, double}".
func TypeString(t types.Type) string {
	if t == nil {
		return "<nil>"
	}
	if st, ok := t.(*types.StructType); ok && st.Name() != "" {
		return st.String() + " = " + structBody(st)
	}
	return t.String()
}

func structBody(st *types.StructType) string {
	if st.Opaque {
		return "opaque"
	}
	parts := make([]string, len(st.Fields))
	for i, f := range st.Fields {
		parts[i] = f.String()
	}
	body := "{" + strings.Join(parts, ", ") + "}"
	if st.Packed {
		return "<" + body + ">"
	}
	return body
}

// IsScalar reports whether t is an integer, floating-point or pointer type.
func IsScalar(t types.Type) bool {
	switch t.(type) {
	case *types.IntType, *types.FloatType, *types.PointerType:
		return true
	}
	return false
}

// StructFields returns the field types of t when t is a non-opaque struct.
func StructFields(t types.Type) ([]types.Type, bool) {
	st, ok := t.(*types.StructType)
	if !ok || st.Opaque {
		return nil, false
	}
	return st.Fields, true
}

// PointerElem returns the element type of a typed pointer.
func PointerElem(t types.Type) (types.Type, bool) {
	pt, ok := t.(*types.PointerType)
	if !ok || pt.ElemType == nil {
		return nil, false
	}
	return pt.ElemType, true
}

// StructurallyEqual compares types by shape, ignoring struct names.
func StructurallyEqual(a, b types.Type) bool {
	return shapeEqual(a, b, 0)
}

// maxShapeDepth bounds recursion through self-referential structs.
const maxShapeDepth = 8

func shapeEqual(a, b types.Type, depth int) bool {
	if depth > maxShapeDepth {
		return typeEqual(a, b)
	}
	fa, aok := StructFields(a)
	fb, bok := StructFields(b)
	if aok || bok {
		if !aok || !bok || len(fa) != len(fb) ||
			a.(*types.StructType).Packed != b.(*types.StructType).Packed {
			return false
		}
		for i := range fa {
			if !shapeEqual(fa[i], fb[i], depth+1) {
				return false
			}
		}
		return true
	}
	ea, aok := PointerElem(a)
	eb, bok := PointerElem(b)
	if aok && bok {
		return shapeEqual(ea, eb, depth+1)
	}
	return typeEqual(a, b)
}
