package llvm

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kyleseneker/gradlink/internal/diag"
)

// Tools holds resolved paths to the LLVM binaries. Objcopy and Clang may be
// empty.
type Tools struct {
	LLVMLink string
	Opt      string
	LLC      string
	LLVMAr   string
	Objcopy  string
	Clang    string
}

// ToolOverrides are explicit binary paths that bypass PATH lookup.
type ToolOverrides struct {
	LLVMLink string
	Opt      string
	LLC      string
	LLVMAr   string
	Objcopy  string
	Clang    string
}

// NamedTool is one row of Tools.List.
type NamedTool struct {
	Name     string
	Path     string
	Required bool
	Note     string // shown when an optional tool is missing
}

// toolSpec describes one binary: its default name, the flag that overrides
// it and how it maps onto Tools and ToolOverrides.
type toolSpec struct {
	name     string
	flag     string
	required bool
	note     string
	field    func(*Tools) *string
	override func(ToolOverrides) string
}

var toolTable = []toolSpec{
	{name: "llvm-link", flag: "--llvm-link", required: true,
		field:    func(t *Tools) *string { return &t.LLVMLink },
		override: func(o ToolOverrides) string { return o.LLVMLink }},
	{name: "opt", flag: "--opt", required: true,
		field:    func(t *Tools) *string { return &t.Opt },
		override: func(o ToolOverrides) string { return o.Opt }},
	{name: "llc", flag: "--llc", required: true,
		field:    func(t *Tools) *string { return &t.LLC },
		override: func(o ToolOverrides) string { return o.LLC }},
	{name: "llvm-ar", flag: "--llvm-ar", required: true,
		field:    func(t *Tools) *string { return &t.LLVMAr },
		override: func(o ToolOverrides) string { return o.LLVMAr }},
	{name: "llvm-objcopy", flag: "--llvm-objcopy", note: "needed for .o inputs and symbol localization",
		field:    func(t *Tools) *string { return &t.Objcopy },
		override: func(o ToolOverrides) string { return o.Objcopy }},
	{name: "clang", flag: "--clang", note: "needed for gradlink build",
		field:    func(t *Tools) *string { return &t.Clang },
		override: func(o ToolOverrides) string { return o.Clang }},
}

// List returns every tool in discovery order.
func (t Tools) List() []NamedTool {
	out := make([]NamedTool, len(toolTable))
	for i, s := range toolTable {
		out[i] = NamedTool{Name: s.name, Path: *s.field(&t), Required: s.required, Note: s.note}
	}
	return out
}

// DiscoverTools resolves every binary from its override or PATH. A missing
// required tool, a bad override or a binary outside the allow-list is an
// error; a missing optional tool is left empty.
func DiscoverTools(o ToolOverrides) (Tools, error) {
	var tools Tools
	for _, s := range toolTable {
		path, err := s.resolve(s.override(o))
		if err != nil {
			hint := "install " + s.name + " or pass " + s.flag + " explicitly"
			if s.required {
				hint = "install LLVM tools or pass " + s.flag + " explicitly"
			}
			return Tools{}, &diag.Error{Stage: diag.StageDiscover, Code: diag.CodeToolNotFound,
				Err: err, Command: s.name, Hint: hint}
		}
		*s.field(&tools) = path
	}
	return tools, nil
}

func (s toolSpec) resolve(override string) (string, error) {
	override = strings.TrimSpace(override)
	var (
		path string
		err  error
	)
	switch {
	case override != "":
		path, err = locate(override)
	case s.required:
		path, err = locate(s.name)
	default:
		path, _ = exec.LookPath(s.name)
	}
	if err != nil || path == "" {
		return "", err
	}
	if err := ValidateBinary(path); err != nil {
		return "", err
	}
	return path, nil
}

// locate resolves a path containing a separator directly and anything else
// through PATH.
func locate(name string) (string, error) {
	if !strings.ContainsRune(name, '/') {
		return exec.LookPath(name)
	}
	info, err := os.Stat(name)
	if err != nil {
		return "", err
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("%s is not executable", name)
	}
	return name, nil
}
