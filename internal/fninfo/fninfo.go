// Package fninfo holds the per-function differentiation requests and
// validates them against the functions found in the merged module.
package fninfo

import (
	"fmt"
	"strings"
)

// Activity tells the engine how to treat one parameter.
type Activity int

const (
	// Duplicated parameters get a caller-provided shadow slot.
	Duplicated Activity = iota
	// Active parameters are differentiated by output only; their gradient
	// is part of the derivative's return value.
	Active
	// Constant parameters are not differentiated.
	Constant
)

var activityNames = map[Activity]string{
	Duplicated: "dup",
	Active:     "out",
	Constant:   "const",
}

func (a Activity) String() string {
	if s, ok := activityNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Activity(%d)", int(a))
}

// ParseActivity accepts the short engine spellings (dup, out, const) and the
// long ones (duplicated, active, constant).
func ParseActivity(s string) (Activity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dup", "duplicated":
		return Duplicated, nil
	case "out", "active":
		return Active, nil
	case "const", "constant":
		return Constant, nil
	}
	return 0, fmt.Errorf("unknown activity %q (want dup, out or const)", s)
}

// ReturnMode decides what the derivative returns.
type ReturnMode int

const (
	// ReturnActive returns the original value and its derivative.
	ReturnActive ReturnMode = iota
	// ReturnGradient returns the derivative only.
	ReturnGradient
	// ReturnConstant passes the original value through undifferentiated.
	ReturnConstant
	// ReturnIgnore drops the return value.
	ReturnIgnore
	// ReturnNone is used for functions returning void.
	ReturnNone
)

var returnNames = map[ReturnMode]string{
	ReturnActive:   "active",
	ReturnGradient: "gradient",
	ReturnConstant: "constant",
	ReturnIgnore:   "ignore",
	ReturnNone:     "none",
}

func (r ReturnMode) String() string {
	if s, ok := returnNames[r]; ok {
		return s
	}
	return fmt.Sprintf("ReturnMode(%d)", int(r))
}

// ParseReturnMode parses a return mode spelling.
func ParseReturnMode(s string) (ReturnMode, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for mode, name := range returnNames {
		if name == key {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown return mode %q (want active, gradient, constant, ignore or none)", s)
}

// FunctionInfo is one derivative request. It is immutable after New.
type FunctionInfo struct {
	source     string
	derivative string
	activities []Activity
	ret        ReturnMode
}

// New builds a FunctionInfo. The activities slice is copied.
func New(source, derivative string, activities []Activity, ret ReturnMode) FunctionInfo {
	return FunctionInfo{
		source:     source,
		derivative: derivative,
		activities: append([]Activity(nil), activities...),
		ret:        ret,
	}
}

// SourceName is the function to differentiate.
func (fi FunctionInfo) SourceName() string { return fi.source }

// DerivativeName is the symbol the caller's code expects.
func (fi FunctionInfo) DerivativeName() string { return fi.derivative }

// Activities returns a copy of the per-parameter activities.
func (fi FunctionInfo) Activities() []Activity {
	return append([]Activity(nil), fi.activities...)
}

// Return is the return handling mode.
func (fi FunctionInfo) Return() ReturnMode { return fi.ret }

func (fi FunctionInfo) String() string {
	acts := make([]string, len(fi.activities))
	for i, a := range fi.activities {
		acts[i] = a.String()
	}
	return fmt.Sprintf("%s -> %s [%s] ret=%s", fi.source, fi.derivative, strings.Join(acts, ","), fi.ret)
}
