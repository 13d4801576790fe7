package llvm

import (
	"fmt"
	"regexp"
	"strings"
)

// Optimization levels handed to llc. Debug builds skip optimization to keep
// diagnostics readable.
const (
	DebugOptLevel   = "-O0"
	ReleaseOptLevel = "-O2"
)

// validFlag matches safe opt/llc command-line options such as
// "-enzyme-loose-types" or "--enzyme-max-cache=4".
var validFlag = regexp.MustCompile(`^--?[a-zA-Z][a-zA-Z0-9-]*(=[a-zA-Z0-9_.,+-]*)?$`)

// ValidatePassFlag checks that an extra engine flag is safe for use as an
// opt argument.
func ValidatePassFlag(flag string) error {
	cleaned := strings.TrimSpace(flag)
	if cleaned == "" {
		return fmt.Errorf("empty flag")
	}
	if strings.ContainsAny(cleaned, "/\\$`|;&(){}[]!~ ") {
		return fmt.Errorf("flag %q contains prohibited characters", cleaned)
	}
	if !validFlag.MatchString(cleaned) {
		return fmt.Errorf("flag %q does not match allowed pattern %s", cleaned, validFlag.String())
	}
	return nil
}

// BuildLinkArgs constructs the llvm-link argument list that merges only the
// code reachable from the requested functions. The primary module is linked
// whole-module-on-demand with one --import per requested function; auxiliary
// modules are pulled in with --only-needed.
func BuildLinkArgs(primary string, names, aux []string, outputPath string) []string {
	args := []string{"-S", "-o", outputPath, primary}
	for _, name := range names {
		args = append(args, "--import="+name+":"+primary)
	}
	if len(aux) > 0 {
		args = append(args, "--only-needed")
		args = append(args, aux...)
	}
	return args
}

// BuildVerifyArgs constructs an opt invocation that only runs the IR verifier.
func BuildVerifyArgs(inputPath string) []string {
	return []string{"-passes=verify", "-disable-output", inputPath}
}

// EngineFlags configures an opt invocation that loads the differentiation
// engine plugin.
type EngineFlags struct {
	Plugin         string
	Triple         string
	PostOptimize   bool
	PrintActivity  bool
	PrintType      bool
	PrintFunctions bool
	Extra          []string
}

// BuildEngineArgs constructs the opt argument list that runs the Enzyme pass
// over inputPath and writes textual IR to outputPath.
func BuildEngineArgs(inputPath, outputPath string, f EngineFlags) []string {
	args := []string{
		"-load-pass-plugin=" + f.Plugin,
		"-passes=enzyme",
		fmt.Sprintf("-enzyme-postopt=%t", f.PostOptimize),
	}
	if f.Triple != "" {
		args = append(args, "-mtriple="+f.Triple)
	}
	if f.PrintActivity {
		args = append(args, "-enzyme-print-activity")
	}
	if f.PrintType {
		args = append(args, "-enzyme-print-type")
	}
	if f.PrintFunctions {
		args = append(args, "-enzyme-print")
	}
	args = append(args, f.Extra...)
	return append(args, "-S", inputPath, "-o", outputPath)
}

// CodegenFlags configures llc object emission.
type CodegenFlags struct {
	Triple   string
	CPU      string
	Features string
	Release  bool
}

// BuildLLCArgs constructs the llc argument list for a position-independent,
// small-code-model relocatable object.
func BuildLLCArgs(inputPath, outputPath string, f CodegenFlags) []string {
	opt := DebugOptLevel
	if f.Release {
		opt = ReleaseOptLevel
	}
	args := []string{
		"-filetype=obj",
		"-relocation-model=pic",
		"-code-model=small",
		opt,
	}
	if f.Triple != "" {
		args = append(args, "-mtriple="+f.Triple)
	}
	if f.CPU != "" {
		args = append(args, "-mcpu="+f.CPU)
	}
	if f.Features != "" {
		args = append(args, "-mattr="+f.Features)
	}
	return append(args, inputPath, "-o", outputPath)
}

// BuildLocalizeArgs constructs an llvm-objcopy invocation that turns each
// named global symbol into a local one in place.
func BuildLocalizeArgs(objectPath string, symbols []string) []string {
	args := make([]string, 0, len(symbols)+1)
	for _, s := range symbols {
		args = append(args, "--localize-symbol="+s)
	}
	return append(args, objectPath)
}

// BuildArchiveArgs constructs an llvm-ar invocation that (re)creates a
// static archive with an index.
func BuildArchiveArgs(archivePath string, objects []string) []string {
	return append([]string{"rcs", archivePath}, objects...)
}
