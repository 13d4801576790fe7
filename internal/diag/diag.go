// Package diag provides structured, stage-attributed error types for the
// gradlink pipeline. Every failure includes the stage that produced it,
// an error class, and an actionable hint.
package diag

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Stage identifies which pipeline step produced an error.
type Stage string

const (
	StageDiscover  Stage = "discover-tools"
	StageManifest  Stage = "manifest"
	StageCompile   Stage = "compile-bitcode"
	StageInput     Stage = "input-normalization"
	StageLink      Stage = "llvm-link"
	StageVerify    Stage = "verify"
	StageRegistry  Stage = "registry"
	StageDiff      Stage = "differentiate"
	StageReconcile Stage = "reconcile"
	StageLinkage   Stage = "linkage"
	StageCodegen   Stage = "llc"
	StageArchive   Stage = "archive"
	StageValidate  Stage = "elf-validate"
	StageFinalize  Stage = "finalize"
)

// Code classifies an error so callers can tell a misconfiguration apart
// from a toolchain or engine failure.
type Code string

const (
	CodeConfiguration     Code = "CONFIGURATION"
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeToolNotFound      Code = "TOOL_NOT_FOUND"
	CodeToolchain         Code = "TOOL_EXECUTION_FAILED"
	CodeTimeout           Code = "TIMEOUT"
	CodeEngine            Code = "ENGINE_FAILED"
	CodeAbiReconciliation Code = "ABI_RECONCILIATION"
	CodeVerification      Code = "VERIFICATION_FAILED"
)

// Error is a structured pipeline error carrying stage context, diagnostic
// output, and a user-facing hint for remediation.
type Error struct {
	Stage   Stage
	Code    Code
	Command string
	Stderr  string
	Hint    string
	Err     error
}

// New builds an Error and classifies it from the stage and cause.
func New(stage Stage, err error, command, stderr, hint string) error {
	return &Error{
		Stage:   stage,
		Code:    classify(stage, err),
		Command: command,
		Stderr:  stderr,
		Hint:    hint,
		Err:     err,
	}
}

// stageCodes is the code of each stage's failures; stages not listed are
// toolchain failures.
var stageCodes = map[Stage]Code{
	StageManifest:  CodeConfiguration,
	StageRegistry:  CodeConfiguration,
	StageInput:     CodeInvalidInput,
	StageDiscover:  CodeToolNotFound,
	StageDiff:      CodeEngine,
	StageReconcile: CodeAbiReconciliation,
	StageVerify:    CodeVerification,
	StageValidate:  CodeVerification,
}

// classify maps a stage and underlying error to an error code. A timeout
// wins over the stage's own code.
func classify(stage Stage, err error) Code {
	if errors.Is(err, context.DeadlineExceeded) ||
		(err != nil && strings.Contains(err.Error(), "timed out")) {
		return CodeTimeout
	}
	if code, ok := stageCodes[stage]; ok {
		return code
	}
	return CodeToolchain
}

// Error formats the diagnostic into a multi-section string.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %q failed", e.Stage)
	code := e.Code
	if code == "" {
		code = classify(e.Stage, e.Err)
	}
	fmt.Fprintf(&b, " [%s]", code)
	if e.Command != "" {
		fmt.Fprintf(&b, ": %s", e.Command)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Stderr != "" {
		b.WriteString("\n--- stderr ---\n")
		b.WriteString(trimLong(e.Stderr, 20))
	}
	if e.Hint != "" {
		b.WriteString("\n--- hint ---\n")
		b.WriteString(e.Hint)
	}
	return b.String()
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsStage reports whether err is a diag.Error from the given pipeline stage.
func IsStage(err error, stage Stage) bool {
	var derr *Error
	if !errors.As(err, &derr) {
		return false
	}
	return derr.Stage == stage
}

// CodeOf returns the code of the first diag.Error in err's chain, or "".
func CodeOf(err error) Code {
	var derr *Error
	if !errors.As(err, &derr) {
		return ""
	}
	if derr.Code == "" {
		return classify(derr.Stage, derr.Err)
	}
	return derr.Code
}

func trimLong(s string, maxLines int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:maxLines], "\n") + "\n...(truncated)"
}
