// Package elfcheck validates that an emitted object exports exactly the
// derivative functions.
package elfcheck

import (
	"debug/elf"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/kyleseneker/gradlink/internal/diag"
)

// IsELFTarget reports whether objects for the target triple are ELF. Other
// formats are not validated.
func IsELFTarget(triple string) bool {
	for _, sys := range []string{"darwin", "macos", "ios", "windows", "uefi"} {
		if strings.Contains(triple, sys) {
			return false
		}
	}
	return true
}

// Validate opens the ELF at path and checks that it is a relocatable
// object with code whose global function symbols are exactly exported.
func Validate(path string, exported []string) error {
	f, err := elf.Open(path)
	if err != nil {
		return &diag.Error{Stage: diag.StageValidate, Code: diag.CodeVerification, Err: err,
			Hint: "output is not a readable ELF object"}
	}
	defer func() { _ = f.Close() }()

	if f.Type != elf.ET_REL {
		return &diag.Error{Stage: diag.StageValidate, Code: diag.CodeVerification,
			Err:  fmt.Errorf("expected %s, got %s", elf.ET_REL, f.Type),
			Hint: "llc must emit a relocatable object (-filetype=obj)"}
	}

	hasCode := false
	for _, s := range f.Sections {
		if s.Type == elf.SHT_PROGBITS && (s.Flags&elf.SHF_EXECINSTR) != 0 {
			hasCode = true
			break
		}
	}
	if !hasCode {
		return &diag.Error{Stage: diag.StageValidate, Code: diag.CodeVerification,
			Err:  errors.New("missing executable code section"),
			Hint: "the merged module produced no code; check that derivatives were generated"}
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return &diag.Error{Stage: diag.StageValidate, Code: diag.CodeVerification, Err: err}
	}
	var globals []string
	for _, s := range syms {
		if elf.ST_BIND(s.Info) != elf.STB_GLOBAL || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		if s.Section == elf.SHN_UNDEF || int(s.Section) >= len(f.Sections) {
			continue
		}
		globals = append(globals, s.Name)
	}

	var missing, extra []string
	for _, name := range exported {
		if !slices.Contains(globals, name) {
			missing = append(missing, name)
		}
	}
	for _, name := range globals {
		if !slices.Contains(exported, name) {
			extra = append(extra, name)
		}
	}
	if len(missing) > 0 {
		return &diag.Error{Stage: diag.StageValidate, Code: diag.CodeVerification,
			Err:  fmt.Errorf("derivative symbols not exported: %s", strings.Join(missing, ", ")),
			Hint: "check the derivative names in gradlink.toml match the declarations in your code"}
	}
	if len(extra) > 0 {
		return &diag.Error{Stage: diag.StageValidate, Code: diag.CodeVerification,
			Err:  fmt.Errorf("unexpected global function symbols: %s", strings.Join(extra, ", ")),
			Hint: "only derivatives may be exported; add the symbol to [archive] localize if the toolchain injected it"}
	}
	return nil
}
