package fninfo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kyleseneker/gradlink/internal/irmod"
)

// Kind classifies a registry violation.
type Kind string

const (
	CountMismatch      Kind = "CountMismatch"
	DuplicateName      Kind = "DuplicateName"
	ReturnModeMismatch Kind = "ReturnModeMismatch"
	ArityMismatch      Kind = "ArityMismatch"
	InvalidDeclaration Kind = "InvalidDeclaration"
)

// ErrInvalid is matched by every *Violation.
var ErrInvalid = errors.New("invalid function declaration")

// Violation is one inconsistency between the requests and the functions.
type Violation struct {
	Kind   Kind
	Source string
	Detail string
}

func (v *Violation) Error() string {
	if v.Source == "" {
		return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", v.Kind, v.Source, v.Detail)
}

// Is makes every violation match ErrInvalid.
func (v *Violation) Is(target error) bool { return target == ErrInvalid }

// ErrorList collects every violation found in one validation run.
type ErrorList struct {
	Violations []*Violation
}

func (l *ErrorList) Error() string {
	lines := make([]string, len(l.Violations))
	for i, v := range l.Violations {
		lines[i] = "  " + v.Error()
	}
	return fmt.Sprintf("%d invalid function declaration(s):\n%s", len(l.Violations), strings.Join(lines, "\n"))
}

// Unwrap exposes the individual violations to errors.Is and errors.As.
func (l *ErrorList) Unwrap() []error {
	out := make([]error, len(l.Violations))
	for i, v := range l.Violations {
		out[i] = v
	}
	return out
}

// Kinds returns the violation kinds in report order.
func (l *ErrorList) Kinds() []Kind {
	out := make([]Kind, len(l.Violations))
	for i, v := range l.Violations {
		out[i] = v.Kind
	}
	return out
}

func (l *ErrorList) add(kind Kind, source, format string, args ...any) {
	l.Violations = append(l.Violations, &Violation{Kind: kind, Source: source, Detail: fmt.Sprintf(format, args...)})
}

func (l *ErrorList) err() error {
	if len(l.Violations) == 0 {
		return nil
	}
	return l
}

// ValidateDeclarations runs the checks that need no module: names must be
// present and derivative names unique. It reports every violation.
func ValidateDeclarations(infos []FunctionInfo) error {
	var l ErrorList
	for i, fi := range infos {
		if fi.source == "" {
			l.add(InvalidDeclaration, "", "function %d has no source name", i)
		}
		if fi.derivative == "" {
			l.add(InvalidDeclaration, fi.source, "no derivative name")
		}
		if fi.source != "" && fi.source == fi.derivative {
			l.add(InvalidDeclaration, fi.source, "derivative name equals the source name")
		}
		for j, a := range fi.activities {
			if _, ok := activityNames[a]; !ok {
				l.add(InvalidDeclaration, fi.source, "parameter %d has unknown activity %d", j, int(a))
			}
		}
		if _, ok := returnNames[fi.ret]; !ok {
			l.add(InvalidDeclaration, fi.source, "unknown return mode %d", int(fi.ret))
		}
	}
	duplicates(&l, infos)
	return l.err()
}

// Validate checks each request against the signature of its source function.
// sigs[i] belongs to infos[i]. Validation runs to completion and returns an
// *ErrorList holding every violation.
func Validate(infos []FunctionInfo, sigs []irmod.Signature) error {
	var l ErrorList
	if len(infos) != len(sigs) {
		l.add(CountMismatch, "", "%d function declarations but %d functions", len(infos), len(sigs))
	}
	duplicates(&l, infos)
	for i := 0; i < min(len(infos), len(sigs)); i++ {
		fi, sig := infos[i], sigs[i]
		switch {
		case sig.IsVoid() && fi.ret != ReturnNone:
			l.add(ReturnModeMismatch, fi.source, "returns void but return mode is %s (want none)", fi.ret)
		case !sig.IsVoid() && fi.ret == ReturnNone:
			l.add(ReturnModeMismatch, fi.source, "returns %s but return mode is none", irmod.TypeString(sig.Ret))
		}
		if len(fi.activities) != len(sig.Params) {
			l.add(ArityMismatch, fi.source, "%d activities for %d parameters in %s",
				len(fi.activities), len(sig.Params), sig)
		}
	}
	return l.err()
}

func duplicates(l *ErrorList, infos []FunctionInfo) {
	first := map[string]string{}
	for _, fi := range infos {
		if fi.derivative == "" {
			continue
		}
		if prev, ok := first[fi.derivative]; ok {
			l.add(DuplicateName, fi.source, "derivative name %q is also declared by %s", fi.derivative, prev)
			continue
		}
		first[fi.derivative] = fi.source
	}
}
