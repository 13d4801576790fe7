package emit

import (
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// Target describes the code generation target handed to llc.
type Target struct {
	Triple   string
	CPU      string
	Features string
}

// HostTarget describes the machine gradlink runs on.
func HostTarget() Target {
	return hostTarget(runtime.GOOS, runtime.GOARCH, hostFeatures(runtime.GOARCH))
}

func hostTarget(goos, goarch string, features []string) Target {
	t := Target{Triple: hostTriple(goos, goarch), Features: strings.Join(features, ",")}
	switch goarch {
	case "amd64":
		t.CPU = "x86-64"
	case "arm64":
		t.CPU = "generic"
	}
	return t
}

var llvmArch = map[string]string{
	"amd64":   "x86_64",
	"arm64":   "aarch64",
	"386":     "i686",
	"arm":     "armv7",
	"riscv64": "riscv64",
	"ppc64le": "powerpc64le",
	"s390x":   "s390x",
}

func hostTriple(goos, goarch string) string {
	arch := llvmArch[goarch]
	if arch == "" {
		arch = goarch
	}
	switch goos {
	case "linux":
		return arch + "-unknown-linux-gnu"
	case "darwin":
		if goarch == "arm64" {
			arch = "arm64"
		}
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	}
	return arch + "-unknown-" + goos
}

// hostFeatures lists the llc -mattr flags for features the host CPU has.
func hostFeatures(goarch string) []string {
	var checks []struct {
		has  bool
		attr string
	}
	switch goarch {
	case "amd64":
		checks = []struct {
			has  bool
			attr string
		}{
			{cpu.X86.HasSSE41, "+sse4.1"},
			{cpu.X86.HasSSE42, "+sse4.2"},
			{cpu.X86.HasPOPCNT, "+popcnt"},
			{cpu.X86.HasAVX, "+avx"},
			{cpu.X86.HasAVX2, "+avx2"},
			{cpu.X86.HasFMA, "+fma"},
			{cpu.X86.HasBMI2, "+bmi2"},
		}
	case "arm64":
		checks = []struct {
			has  bool
			attr string
		}{
			{cpu.ARM64.HasASIMD, "+neon"},
			{cpu.ARM64.HasAES, "+aes"},
			{cpu.ARM64.HasSHA2, "+sha2"},
			{cpu.ARM64.HasATOMICS, "+lse"},
		}
	}
	var out []string
	for _, c := range checks {
		if c.has {
			out = append(out, c.attr)
		}
	}
	return out
}

// Resolve fills unset fields of t from the host when t targets the host,
// or leaves a cross target as given.
func (t Target) Resolve() Target {
	host := HostTarget()
	if t.Triple == "" {
		t.Triple = host.Triple
	}
	if t.Triple != host.Triple {
		return t
	}
	if t.CPU == "" {
		t.CPU = host.CPU
	}
	if t.Features == "" {
		t.Features = host.Features
	}
	return t
}
