package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kyleseneker/gradlink/internal/diag"
)

// normalizer turns artifacts into module files llvm-link accepts. Scratch
// files it writes under the work directory are numbered in creation order.
type normalizer struct {
	ctx context.Context
	cfg Config
	seq int
}

// normalize resolves the primary and auxiliary artifacts to modules.
// Objects are reduced to their embedded .llvmbc section and archives are
// expanded member by member; other extensions are ignored.
func normalize(ctx context.Context, cfg Config, primary string, aux []string) (string, []string, error) {
	n := &normalizer{ctx: ctx, cfg: cfg}
	mods, err := n.artifact(primary)
	if err != nil {
		return "", nil, err
	}
	if len(mods) != 1 {
		return "", nil, inputError(fmt.Errorf("primary artifact %q expands to %d modules", primary, len(mods)),
			"the primary artifact must be a single .bc, .ll or .o file")
	}
	var out []string
	for _, path := range aux {
		more, err := n.artifact(path)
		if err != nil {
			return "", nil, err
		}
		out = append(out, more...)
	}
	return mods[0], out, nil
}

func inputError(err error, hint string) *diag.Error {
	return &diag.Error{Stage: diag.StageInput, Code: diag.CodeInvalidInput, Err: err, Hint: hint}
}

func (n *normalizer) artifact(path string) ([]string, error) {
	switch ext(path) {
	case ".ll", ".bc":
		return []string{path}, nil
	case ".o":
		bc, err := n.bitcode(path)
		if err != nil {
			return nil, err
		}
		return []string{bc}, nil
	case ".a":
		return n.archive(path)
	}
	return nil, nil
}

// scratch reserves a work-directory path derived from base.
func (n *normalizer) scratch(base string) string {
	n.seq++
	return filepath.Join(n.cfg.WorkDir, fmt.Sprintf("in%02d-%s", n.seq, sanitizeName(base)))
}

// archive writes each member of an archive to the work directory and
// normalizes it. Nested archives are not expanded.
func (n *normalizer) archive(path string) ([]string, error) {
	list, err := n.cfg.Runner.Stage(n.ctx, diag.StageInput, n.cfg.Tools.LLVMAr,
		[]string{"t", path}, "failed to list archive members")
	if err != nil {
		return nil, err
	}

	var mods []string
	for _, line := range strings.Split(list.Stdout, "\n") {
		member := strings.TrimSpace(line)
		kind := ext(member)
		if kind != ".ll" && kind != ".bc" && kind != ".o" {
			continue
		}
		body, err := n.cfg.Runner.Stage(n.ctx, diag.StageInput, n.cfg.Tools.LLVMAr,
			[]string{"p", path, member}, "failed to read archive member "+member)
		if err != nil {
			return nil, err
		}
		dst := n.scratch(filepath.Base(path) + "-" + member)
		if err := os.WriteFile(dst, []byte(body.Stdout), 0o600); err != nil {
			return nil, &diag.Error{Stage: diag.StageInput, Err: err, Hint: "failed to materialize archive member"}
		}
		if kind == ".o" {
			if dst, err = n.bitcode(dst); err != nil {
				return nil, err
			}
		}
		mods = append(mods, dst)
	}
	if len(mods) == 0 {
		return nil, inputError(fmt.Errorf("archive %q contained no LLVM module members", path),
			"expected .ll or .bc members, or .o members with an embedded .llvmbc section")
	}
	return mods, nil
}

// bitcode dumps the .llvmbc section of an object into a standalone
// bitcode file and returns its path.
func (n *normalizer) bitcode(obj string) (string, error) {
	if n.cfg.Tools.Objcopy == "" {
		return "", inputError(fmt.Errorf("object input %q requires llvm-objcopy", obj),
			"install llvm-objcopy or pass --llvm-objcopy")
	}
	out := n.scratch(filepath.Base(obj) + ".llvmbc.bc")
	res, err := n.cfg.Runner.Stage(n.ctx, diag.StageInput, n.cfg.Tools.Objcopy,
		[]string{"--dump-section=.llvmbc=" + out, obj},
		"object must include a .llvmbc section (compile with -fembed-bitcode or -C embed-bitcode)")
	if err != nil {
		return "", err
	}

	fail := func(err error, hint string) (string, error) {
		return "", &diag.Error{Stage: diag.StageInput, Code: diag.CodeInvalidInput, Err: err,
			Command: res.Command, Stderr: res.Stderr, Hint: hint}
	}
	info, err := os.Stat(out)
	switch {
	case os.IsNotExist(err):
		return fail(fmt.Errorf("no .llvmbc section found in %q", obj), "object likely does not contain embedded bitcode")
	case err != nil:
		return fail(err, "failed to verify extracted bitcode")
	case info.Size() == 0:
		return fail(fmt.Errorf("empty .llvmbc section in %q", obj), "the .llvmbc section was empty")
	}
	return out, nil
}

func ext(path string) string { return strings.ToLower(filepath.Ext(path)) }

var nameReplacer = strings.NewReplacer("/", "_", "\\", "_", " ", "_")

// sanitizeName replaces path separators and spaces with underscores.
func sanitizeName(s string) string {
	return nameReplacer.Replace(s)
}
