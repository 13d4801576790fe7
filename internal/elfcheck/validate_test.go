package elfcheck

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sym is one .symtab entry of a synthetic object; defined symbols live in
// .text.
type sym struct {
	name    string
	bind    elf.SymBind
	typ     elf.SymType
	defined bool
}

func fn(name string, bind elf.SymBind) sym { return sym{name, bind, elf.STT_FUNC, true} }

// section is a synthetic section before layout.
type section struct {
	name    string
	hdr     elf.Section64
	payload []byte
}

// strtab returns a string table holding names and the offset of each.
func strtab(names []string) ([]byte, []uint32) {
	buf := []byte{0}
	offs := make([]uint32, len(names))
	for i, n := range names {
		offs[i] = uint32(len(buf))
		buf = append(append(buf, n...), 0)
	}
	return buf, offs
}

// object lays out a little-endian x86-64 ELF64 file of type typ with an
// optional .text section and a symbol table holding syms.
func object(t *testing.T, typ elf.Type, withText bool, syms []sym) []byte {
	t.Helper()
	var sections []section
	text := uint16(0)
	if withText {
		text = 1
		sections = append(sections, section{name: ".text", payload: []byte{0xc3},
			hdr: elf.Section64{Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)}})
	}

	names := make([]string, len(syms))
	for i, s := range syms {
		names[i] = s.name
	}
	symNames, nameOffs := strtab(names)
	var symtab bytes.Buffer
	require.NoError(t, binary.Write(&symtab, binary.LittleEndian, elf.Sym64{}))
	firstGlobal := uint32(len(syms) + 1)
	for i, s := range syms {
		ent := elf.Sym64{Name: nameOffs[i], Info: elf.ST_INFO(s.bind, s.typ), Size: 1}
		if s.defined {
			ent.Shndx = text
		}
		if s.bind != elf.STB_LOCAL && firstGlobal > uint32(i+1) {
			firstGlobal = uint32(i + 1)
		}
		require.NoError(t, binary.Write(&symtab, binary.LittleEndian, ent))
	}
	strIdx := uint32(len(sections) + 1)
	sections = append(sections,
		section{name: ".strtab", payload: symNames, hdr: elf.Section64{Type: uint32(elf.SHT_STRTAB)}},
		section{name: ".symtab", payload: symtab.Bytes(), hdr: elf.Section64{
			Type: uint32(elf.SHT_SYMTAB), Link: strIdx, Info: firstGlobal, Entsize: 24}},
	)

	secNames := []string{".shstrtab"}
	for _, s := range sections {
		secNames = append(secNames, s.name)
	}
	shstr, shOffs := strtab(secNames)
	sections = append(sections, section{payload: shstr, hdr: elf.Section64{Type: uint32(elf.SHT_STRTAB)}})

	var body bytes.Buffer
	headers := []elf.Section64{{}}
	for i, s := range sections {
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
		h := s.hdr
		if i == len(sections)-1 {
			h.Name = shOffs[0]
		} else {
			h.Name = shOffs[i+1]
		}
		h.Off = uint64(64 + body.Len())
		h.Size = uint64(len(s.payload))
		h.Addralign = 1
		body.Write(s.payload)
		headers = append(headers, h)
	}
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}

	ehdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint64(64 + body.Len()),
		Ehsize:    64,
		Shentsize: 64,
		Shnum:     uint16(len(headers)),
		Shstrndx:  uint16(len(headers) - 1),
	}
	copy(ehdr.Ident[:], []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})

	var out bytes.Buffer
	require.NoError(t, binary.Write(&out, binary.LittleEndian, ehdr))
	out.Write(body.Bytes())
	require.NoError(t, binary.Write(&out, binary.LittleEndian, headers))
	return out.Bytes()
}

func writeObject(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unit.o")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestValidate(t *testing.T) {
	curated := []sym{
		fn("square", elf.STB_LOCAL),
		fn("__rust_probestack", elf.STB_LOCAL),
		fn("d_square", elf.STB_GLOBAL),
		{"sin", elf.STB_GLOBAL, elf.STT_FUNC, false},
		{"table", elf.STB_GLOBAL, elf.STT_OBJECT, true},
	}
	tests := []struct {
		name     string
		data     func(t *testing.T) []byte
		exported []string
		wantErr  string
	}{
		{
			name:     "only derivatives exported",
			data:     func(t *testing.T) []byte { return object(t, elf.ET_REL, true, curated) },
			exported: []string{"d_square"},
		},
		{
			name: "several derivatives",
			data: func(t *testing.T) []byte {
				return object(t, elf.ET_REL, true, append(curated, fn("d_cube", elf.STB_GLOBAL)))
			},
			exported: []string{"d_cube", "d_square"},
		},
		{
			name:    "not an ELF file",
			data:    func(*testing.T) []byte { return []byte("!<arch>\n") },
			wantErr: "not a readable ELF object",
		},
		{
			name:     "executable instead of object",
			data:     func(t *testing.T) []byte { return object(t, elf.ET_EXEC, true, curated) },
			exported: []string{"d_square"},
			wantErr:  "expected ET_REL, got ET_EXEC",
		},
		{
			name:    "no code",
			data:    func(t *testing.T) []byte { return object(t, elf.ET_REL, false, nil) },
			wantErr: "missing executable code section",
		},
		{
			name:     "derivative missing",
			data:     func(t *testing.T) []byte { return object(t, elf.ET_REL, true, curated) },
			exported: []string{"d_square", "d_cube"},
			wantErr:  "derivative symbols not exported: d_cube",
		},
		{
			name: "leaked helper",
			data: func(t *testing.T) []byte {
				return object(t, elf.ET_REL, true, []sym{fn("d_square", elf.STB_GLOBAL), fn("__rust_probestack", elf.STB_GLOBAL)})
			},
			exported: []string{"d_square"},
			wantErr:  "unexpected global function symbols: __rust_probestack",
		},
		{
			name: "weak symbols are not exports",
			data: func(t *testing.T) []byte {
				return object(t, elf.ET_REL, true, []sym{fn("d_square", elf.STB_GLOBAL), fn("helper", elf.STB_WEAK)})
			},
			exported: []string{"d_square"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(writeObject(t, tt.data(t)), tt.exported)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, err.Error(), `stage "elf-validate"`)
		})
	}
}

func TestValidateMissingFile(t *testing.T) {
	err := Validate(filepath.Join(t.TempDir(), "absent.o"), []string{"d_square"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such file")
}

func TestIsELFTarget(t *testing.T) {
	for triple, want := range map[string]bool{
		"x86_64-unknown-linux-gnu":  true,
		"aarch64-unknown-linux-gnu": true,
		"x86_64-unknown-freebsd":    true,
		"arm64-apple-darwin":        false,
		"aarch64-apple-macosx13.0":  false,
		"x86_64-pc-windows-msvc":    false,
	} {
		assert.Equal(t, want, IsELFTarget(triple), triple)
	}
}
