// Package abi reconciles the signature of an engine-generated derivative
// with the signature the calling code declared for it.
//
// Two mismatches are known to come out of the engine's lowering: a struct
// of three or more scalars returned by value where the caller passes a
// leading out-parameter, and a single-field struct where the caller expects
// the bare scalar. Both are fixed with a wrapper; anything else is an error.
package abi

import (
	"errors"
	"fmt"

	"github.com/llir/llvm/ir/types"

	"github.com/kyleseneker/gradlink/internal/irmod"
)

var (
	ErrUnhandledMismatch    = errors.New("unhandled ABI mismatch")
	ErrArgumentTypeMismatch = errors.New("argument type mismatch")
	ErrWrapperVerification  = errors.New("wrapper verification failed")
	ErrModuleCorrupted      = errors.New("module corrupted")
)

// Strategy is how a generated function is made to fit the expected type.
type Strategy int

const (
	Passthrough Strategy = iota
	MoveReturnIntoArgs
	ExtractScalar
)

func (s Strategy) String() string {
	switch s {
	case Passthrough:
		return "passthrough"
	case MoveReturnIntoArgs:
		return "move-return-into-args"
	case ExtractScalar:
		return "extract-scalar"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// minMovedFields is the smallest struct the lowering returns through a
// hidden out-parameter.
const minMovedFields = 3

// MismatchError reports a signature pair no strategy handles.
type MismatchError struct {
	Derivative string
	Generated  irmod.Signature
	Expected   irmod.Signature
	Reason     string
}

func (e *MismatchError) Error() string {
	msg := fmt.Sprintf("unhandled ABI mismatch for %s: generated %s, expected %s",
		e.Derivative, e.Generated, e.Expected)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *MismatchError) Is(target error) bool { return target == ErrUnhandledMismatch }

// ArgumentError reports a wrapper parameter whose type differs from the
// generated function's parameter it is forwarded to.
type ArgumentError struct {
	Derivative string
	Index      int
	Wrapper    types.Type
	Generated  types.Type
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: argument %d has type %s in the declaration but %s in the generated function",
		e.Derivative, e.Index, irmod.TypeString(e.Wrapper), irmod.TypeString(e.Generated))
}

func (e *ArgumentError) Is(target error) bool { return target == ErrArgumentTypeMismatch }

// Classify picks the strategy for a generated/expected signature pair.
func Classify(derivative string, generated, expected irmod.Signature) (Strategy, error) {
	if generated.Equal(expected) {
		return Passthrough, nil
	}
	mismatch := func(reason string) error {
		return &MismatchError{Derivative: derivative, Generated: generated, Expected: expected, Reason: reason}
	}
	if generated.Variadic || expected.Variadic {
		return 0, mismatch("variadic functions are not wrapped")
	}
	fields, isStruct := irmod.StructFields(generated.Ret)

	switch {
	case expected.IsVoid() && isStruct && len(fields) >= minMovedFields && allScalar(fields):
		if len(expected.Params) != len(generated.Params)+1 {
			return 0, mismatch("expected exactly one extra leading parameter")
		}
		elem, ok := irmod.PointerElem(expected.Params[0])
		if !ok || !irmod.StructurallyEqual(elem, generated.Ret) {
			return 0, mismatch("leading parameter does not point to the returned struct")
		}
		return MoveReturnIntoArgs, nil

	case !expected.IsVoid() && irmod.IsScalar(expected.Ret) && isStruct && len(fields) == 1:
		if len(expected.Params) != len(generated.Params) {
			return 0, mismatch("parameter counts differ")
		}
		if !types.Equal(fields[0], expected.Ret) {
			return 0, mismatch("struct field type differs from the expected return")
		}
		return ExtractScalar, nil
	}
	return 0, mismatch("")
}

func allScalar(ts []types.Type) bool {
	for _, t := range ts {
		if !irmod.IsScalar(t) {
			return false
		}
	}
	return true
}

// checkParams compares forwarded wrapper parameters pairwise with the
// generated function's parameters.
func checkParams(derivative string, wrapper, generated []types.Type) error {
	if len(wrapper) != len(generated) {
		return fmt.Errorf("%s: %d forwarded parameters for %d: %w",
			derivative, len(wrapper), len(generated), ErrArgumentTypeMismatch)
	}
	for i := range wrapper {
		if !types.Equal(wrapper[i], generated[i]) {
			return &ArgumentError{Derivative: derivative, Index: i, Wrapper: wrapper[i], Generated: generated[i]}
		}
	}
	return nil
}
