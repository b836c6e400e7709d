package assembler

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assembleForELF(t *testing.T, src string, kind ObjectKind) ([]byte, []Diagnostic, error) {
	t.Helper()
	toks, lexErrs := NewLexer("t.anns", src).Lex()
	require.Empty(t, lexErrs)
	u, parseDiags := NewParser("t.anns", toks).Parse()
	require.Empty(t, parseDiags)
	syms, semaDiags := Resolve(u)
	require.Empty(t, semaDiags)
	enc := NewEncoder(u, syms)
	sections, order, encDiags := enc.Encode()
	require.Empty(t, encDiags)
	return WriteObject(kind, sections, order, syms)
}

// relaEntry mirrors the 24-byte Elf64_Rela layout the writer emits, read
// back independently of elf.go's own helpers.
type relaEntry struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func readRelaEntries(data []byte) []relaEntry {
	var out []relaEntry
	for i := 0; i+24 <= len(data); i += 24 {
		out = append(out, relaEntry{
			Offset: binary.LittleEndian.Uint64(data[i:]),
			Info:   binary.LittleEndian.Uint64(data[i+8:]),
			Addend: int64(binary.LittleEndian.Uint64(data[i+16:])),
		})
	}
	return out
}

func (r relaEntry) symIndex() uint32 { return uint32(r.Info >> 32) }
func (r relaEntry) relType() uint32  { return uint32(r.Info) }

func TestWriteObjectRelocatableScenario(t *testing.T) {
	obj, diags, err := assembleForELF(t, `
section .data {
x: .data i32, 0x11223344
}
section .text {
export main: {
	mov eax, [x]
	ret
}
}
`, ObjectRelocatable)
	require.NoError(t, err)
	require.Empty(t, diags)

	f, err := elf.NewFile(bytes.NewReader(obj))
	require.NoError(t, err)
	assert.Equal(t, elf.ET_REL, f.Type)
	assert.Equal(t, elf.ELFCLASS64, f.Class)
	assert.Equal(t, elf.ELFDATA2LSB, f.Data)
	assert.Equal(t, elf.EM_X86_64, f.Machine)

	dataSec := f.Section(".data")
	require.NotNil(t, dataSec)
	raw, err := dataSec.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, raw)

	syms, err := f.Symbols()
	require.NoError(t, err)
	var xSym, mainSym *elf.Symbol
	for i := range syms {
		switch syms[i].Name {
		case "x":
			xSym = &syms[i]
		case "main":
			mainSym = &syms[i]
		}
	}
	require.NotNil(t, xSym)
	require.NotNil(t, mainSym)
	assert.EqualValues(t, 4, xSym.Size)
	assert.Equal(t, elf.STB_GLOBAL, elf.ST_BIND(mainSym.Info))
	assert.Equal(t, elf.STT_FUNC, elf.ST_TYPE(mainSym.Info))

	relaSec := f.Section(".rela.text")
	require.NotNil(t, relaSec)
	relaData, err := relaSec.Data()
	require.NoError(t, err)
	entries := readRelaEntries(relaData)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(elf.R_X86_64_PC32), entries[0].relType())

	// the symbol the relocation names must be "x".
	symtabSec := f.Section(".symtab")
	require.NotNil(t, symtabSec)
	targetSym := syms[entries[0].symIndex()-1] // debug/elf drops the null symbol at index 0
	assert.Equal(t, "x", targetSym.Name)
}

func TestWriteObjectSectionOrderIsFixedLayout(t *testing.T) {
	obj, diags, err := assembleForELF(t, `
section .bss {
flag: .res i8
}
section .data {
y: .data i32, 1
}
section .text {
export main: { ret }
}
`, ObjectRelocatable)
	require.NoError(t, err)
	require.Empty(t, diags)

	f, err := elf.NewFile(bytes.NewReader(obj))
	require.NoError(t, err)
	var order []string
	for _, s := range f.Sections {
		switch s.Name {
		case ".text", ".data", ".bss":
			order = append(order, s.Name)
		}
	}
	assert.Equal(t, []string{".text", ".data", ".bss"}, order)
}

func TestWriteObjectBssIsNobitsWithNoFileContent(t *testing.T) {
	obj, diags, err := assembleForELF(t, `
section .bss {
counter: .res 4, i32
}
`, ObjectRelocatable)
	require.NoError(t, err)
	require.Empty(t, diags)

	f, err := elf.NewFile(bytes.NewReader(obj))
	require.NoError(t, err)
	bss := f.Section(".bss")
	require.NotNil(t, bss)
	assert.Equal(t, elf.SHT_NOBITS, bss.Type)
	assert.EqualValues(t, 16, bss.Size)
}

func TestWriteObjectImportedFunctionIsUndefinedGlobalSymbol(t *testing.T) {
	obj, diags, err := assembleForELF(t, `
import function puts
section .text {
export main: {
	call puts
	ret
}
}
`, ObjectRelocatable)
	require.NoError(t, err)
	require.Empty(t, diags)

	f, err := elf.NewFile(bytes.NewReader(obj))
	require.NoError(t, err)
	syms, err := f.Symbols()
	require.NoError(t, err)
	var putsSym *elf.Symbol
	for i := range syms {
		if syms[i].Name == "puts" {
			putsSym = &syms[i]
		}
	}
	require.NotNil(t, putsSym)
	assert.Equal(t, elf.SHN_UNDEF, putsSym.Section)
	assert.Equal(t, elf.STB_GLOBAL, elf.ST_BIND(putsSym.Info))
	assert.Equal(t, elf.STT_FUNC, elf.ST_TYPE(putsSym.Info))
}

func TestWriteObjectStandaloneExecutableHasEntryPointAtMain(t *testing.T) {
	obj, diags, err := assembleForELF(t, `
section .text {
export main: {
	mov eax, 0
	ret
}
}
`, ObjectExecutable)
	require.NoError(t, err)
	require.Empty(t, diags)

	f, err := elf.NewFile(bytes.NewReader(obj))
	require.NoError(t, err)
	assert.Equal(t, elf.ET_EXEC, f.Type)
	assert.EqualValues(t, standaloneBaseAddress+elfHeaderSize+56, f.Entry)
}

func TestWriteObjectStandaloneFailsOnUnresolvedImport(t *testing.T) {
	_, diags, err := assembleForELF(t, `
import function puts
section .text {
export main: {
	call puts
	ret
}
}
`, ObjectExecutable)
	require.Error(t, err)
	require.NotEmpty(t, diags)
	assert.Equal(t, LayoutError, diags[0].Kind)
}

func TestWriteObjectSharedObjectIsETDyn(t *testing.T) {
	obj, diags, err := assembleForELF(t, `
section .text {
export main: { ret }
}
`, ObjectSharedObject)
	require.NoError(t, err)
	require.Empty(t, diags)
	f, err := elf.NewFile(bytes.NewReader(obj))
	require.NoError(t, err)
	assert.Equal(t, elf.ET_DYN, f.Type)
}
